package demo

import (
	"context"
	"errors"
	"testing"

	"github.com/example/school-carpool/internal/geo"
	"github.com/example/school-carpool/internal/ingest"
	"github.com/example/school-carpool/internal/models"
)

func TestGeneratorIsReproducible(t *testing.T) {
	a := NewGenerator(3, Center, 2000).Families(50)
	b := NewGenerator(3, Center, 2000).Families(50)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("family %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestGeneratedFamiliesAreValidAndInRange(t *testing.T) {
	for _, f := range NewGenerator(11, Center, 2000).Families(200) {
		if err := ingest.ValidateProfile(f); err != nil {
			t.Fatalf("%s invalid: %v", f.ID, err)
		}
		if d := geo.Distance(Center, f.Home); d > 2001 {
			t.Fatalf("%s placed %.0fm away", f.ID, d)
		}
	}
}

type failingUpserter struct {
	after int
	saved []string
}

func (u *failingUpserter) UpsertFamily(_ context.Context, f models.Family) error {
	if len(u.saved) == u.after {
		return errors.New("store down")
	}
	u.saved = append(u.saved, f.ID)
	return nil
}

func TestSeedStopsAtFirstFailure(t *testing.T) {
	u := &failingUpserter{after: 3}
	err := Seed(context.Background(), u, NewGenerator(1, Center, 1000), 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(u.saved) != 3 {
		t.Fatalf("expected 3 families stored, got %d", len(u.saved))
	}
}
