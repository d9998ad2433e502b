// Package demo generates a reproducible neighbourhood of families for local
// runs with SEED_DEMO set. The same seed always yields the same families.
package demo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/school-carpool/internal/models"
)

// Center is where demo households are placed around.
var Center = models.Coord{Lat: -35.2809, Lon: 149.1300}

const metersPerDegreeLat = 111194.93

// Generator produces pseudo-random families from a fixed seed.
type Generator struct {
	rng    *rand.Rand
	center models.Coord
	radius float64
	next   int
}

func NewGenerator(seed uint64, center models.Coord, radiusMeters float64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), center: center, radius: radiusMeters}
}

// Next returns a family placed uniformly within the generator's radius,
// leaving between 7:30 and 8:30 with 5 to 30 minutes of slack.
func (g *Generator) Next() models.Family {
	g.next++
	r := g.radius * math.Sqrt(g.rng.Float64())
	theta := g.rng.Float64() * 2 * math.Pi
	id := fmt.Sprintf("fam-%04d", g.next)
	f := models.Family{
		ID:                 id,
		Name:               "Family " + id,
		Home:               offset(g.center, r*math.Cos(theta), r*math.Sin(theta)),
		SchoolID:           "school-1",
		SchoolName:         "Lyneham Primary",
		School:             g.center,
		DepartureMinute:    7*60 + 30 + g.rng.IntN(61),
		FlexibilityMinutes: 5 + g.rng.IntN(26),
		SeatsNeeded:        1 + g.rng.IntN(2),
	}
	if g.rng.IntN(3) == 0 {
		f.SeatsOffered = 1 + g.rng.IntN(4)
	}
	f.Trust = models.TrustLevel(g.rng.IntN(4))
	f.Rating = math.Round(g.rng.Float64()*50) / 10
	f.RatingCount = g.rng.IntN(40)
	return f
}

// Families returns n successive families.
func (g *Generator) Families(n int) []models.Family {
	out := make([]models.Family, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// Upserter stores a profile; carpool.Service satisfies it.
type Upserter interface {
	UpsertFamily(ctx context.Context, f models.Family) error
}

// Seed writes n generated families to u and stops at the first failure.
func Seed(ctx context.Context, u Upserter, g *Generator, n int) error {
	for _, f := range g.Families(n) {
		if err := u.UpsertFamily(ctx, f); err != nil {
			return fmt.Errorf("seed %s: %w", f.ID, err)
		}
	}
	return nil
}

func offset(c models.Coord, metersNorth, metersEast float64) models.Coord {
	lat := c.Lat + metersNorth/metersPerDegreeLat
	lon := c.Lon + metersEast/(metersPerDegreeLat*math.Cos(c.Lat*math.Pi/180))
	return models.Coord{Lat: lat, Lon: lon}
}
