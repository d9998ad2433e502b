package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/example/school-carpool/internal/models"
)

// ErrNotFound is returned by ProfileStore.Get for unknown family ids.
var ErrNotFound = errors.New("family not found")

// ProfileStore is the read side of family profiles used for matching, plus
// the Upsert hook fed by the ingest pipeline.
type ProfileStore interface {
	Get(ctx context.Context, id string) (models.Family, error)
	ListCandidates(ctx context.Context, near models.Coord, radiusMeters float64) ([]models.Family, error)
	Upsert(ctx context.Context, f models.Family) error
}

const metersPerDegree = 111320.0

type entry struct {
	f models.Family
}

func (e *entry) Bounds() rtreego.Rect {
	return rtreego.Point{e.f.Home.Lon, e.f.Home.Lat}.ToRect(1e-9)
}

// Index is an in-memory ProfileStore backed by an R-tree over home locations.
type Index struct {
	mu       sync.RWMutex
	tree     *rtreego.Rtree
	families map[string]*entry
}

func NewIndex() *Index {
	return &Index{tree: rtreego.NewTree(2, 25, 50), families: make(map[string]*entry)}
}

func (g *Index) Upsert(_ context.Context, f models.Family) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f.Updated.IsZero() {
		f.Updated = time.Now()
	}
	if old, ok := g.families[f.ID]; ok {
		g.tree.Delete(old)
	}
	e := &entry{f: f}
	g.families[f.ID] = e
	g.tree.Insert(e)
	return nil
}

func (g *Index) Get(_ context.Context, id string) (models.Family, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.families[id]
	if !ok {
		return models.Family{}, ErrNotFound
	}
	return e.f, nil
}

// ListCandidates returns every family whose home lies within radiusMeters of
// near, ordered by id. The R-tree narrows the scan to a bounding box; the
// haversine check makes the cut exact.
func (g *Index) ListCandidates(_ context.Context, near models.Coord, radiusMeters float64) ([]models.Family, error) {
	if radiusMeters <= 0 {
		return nil, nil
	}
	box, err := boundingBox(near, radiusMeters)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	hits := g.tree.SearchIntersect(box)
	out := make([]models.Family, 0, len(hits))
	for _, h := range hits {
		f := h.(*entry).f
		if Haversine(near.Lat, near.Lon, f.Home.Lat, f.Home.Lon) <= radiusMeters {
			out = append(out, f)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.families)
}

func boundingBox(c models.Coord, radiusMeters float64) (rtreego.Rect, error) {
	dLat := radiusMeters / metersPerDegree
	cosLat := math.Cos(c.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := radiusMeters / (metersPerDegree * cosLat)
	return rtreego.NewRect(rtreego.Point{c.Lon - dLon, c.Lat - dLat}, []float64{2 * dLon, 2 * dLat})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
