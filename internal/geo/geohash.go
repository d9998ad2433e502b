package geo

import (
	"github.com/mmcloughlin/geohash"

	"github.com/example/school-carpool/internal/models"
)

// CellPrecision gives cells of roughly 1.2km x 0.6km, about the size of a
// school catchment street block cluster.
const CellPrecision = 6

// Cell encodes c as a geohash. Families in the same neighbourhood share a
// cell, which keeps their profile updates on the same Kafka partition.
func Cell(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, CellPrecision)
}

// CellCenter decodes a cell back to its center coordinate.
func CellCenter(cell string) models.Coord {
	lat, lon := geohash.DecodeCenter(cell)
	return models.Coord{Lat: lat, Lon: lon}
}
