// Package scoring computes family compatibility. Everything here is pure:
// the same inputs always give the same Score and nothing is mutated.
package scoring

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/example/school-carpool/internal/geo"
	"github.com/example/school-carpool/internal/models"
)

// Weights of the four factors in the final weighted average.
type Weights struct {
	Distance    float64
	TimeOverlap float64
	SeatFit     float64
	Trust       float64
}

// DefaultWeights are the production weights. They sum to 1 but Score
// normalises by the sum anyway so tuned weights need not.
var DefaultWeights = Weights{Distance: 0.35, TimeOverlap: 0.30, SeatFit: 0.20, Trust: 0.15}

func (w Weights) sum() float64 { return w.Distance + w.TimeOverlap + w.SeatFit + w.Trust }

// Valid reports whether no weight is negative and at least one is positive.
func (w Weights) Valid() bool {
	if w.Distance < 0 || w.TimeOverlap < 0 || w.SeatFit < 0 || w.Trust < 0 {
		return false
	}
	return w.sum() > 0
}

// Seat-fit factor values.
const (
	SeatFitDriverPassenger = 1.0
	SeatFitDriverDriver    = 0.75
	SeatFitPassengerOnly   = 0.5
)

// TrustMultiplier maps a verification tier to its trust factor.
func TrustMultiplier(t models.TrustLevel) float64 {
	switch t {
	case models.TrustPhoneVerified:
		return 0.7
	case models.TrustDocumentsVerified:
		return 0.9
	case models.TrustFullyVerified:
		return 1.0
	default:
		return 0.5
	}
}

// Score rates candidate for user under prefs. Candidates that must not be
// shown get Total 0 and Eligible false.
func Score(user, candidate models.Family, prefs models.Preferences, w Weights) models.Score {
	var s models.Score
	if !w.Valid() || prefs.SearchRadiusMeters <= 0 || !user.Home.Valid() || !candidate.Home.Valid() {
		return s
	}

	s.DistanceMeters = geo.Distance(user.Home, candidate.Home)
	s.Distance = DistanceFactor(s.DistanceMeters, prefs.SearchRadiusMeters)
	s.TimeOverlap = TimeOverlap(
		prefs.DepartureMinute, prefs.FlexibilityMinutes,
		candidate.DepartureMinute, candidate.FlexibilityMinutes,
	)
	s.SeatFit = SeatFit(prefs.RequiredSeats, user.SeatsOffered, candidate)
	s.Trust = 1.0
	if prefs.PrioritizeSafety {
		s.Trust = TrustMultiplier(candidate.Trust)
	}

	if !admissible(user, candidate, prefs, s) {
		return models.Score{DistanceMeters: s.DistanceMeters}
	}

	total := (w.Distance*s.Distance + w.TimeOverlap*s.TimeOverlap + w.SeatFit*s.SeatFit + w.Trust*s.Trust) / w.sum()
	s.Total = clamp01(total)
	s.Eligible = true
	return s
}

func admissible(user, candidate models.Family, prefs models.Preferences, s models.Score) bool {
	switch {
	case user.ID != "" && user.ID == candidate.ID:
		return false
	case s.DistanceMeters > prefs.SearchRadiusMeters:
		return false
	case s.TimeOverlap <= 0:
		return false
	case user.SchoolID != "" && candidate.SchoolID != "" && user.SchoolID != candidate.SchoolID:
		return false
	case prefs.RequireVerification && candidate.Trust == models.TrustUnverified:
		return false
	}
	return true
}

// DistanceFactor is 1 at the user's door and falls linearly to 0 at radius.
func DistanceFactor(meters, radius float64) float64 {
	if radius <= 0 || math.IsNaN(meters) {
		return 0
	}
	return math.Max(0, 1-meters/radius)
}

// TimeOverlap is |A ∩ B| / |A ∪ B| for the departure windows
// [dep-flex, dep+flex]. Disjoint windows give 0. A fixed departure (zero
// flex) has no width, so it scores by how close it sits to the centre of
// the other window instead: 1 at the centre, 0 at or beyond its edge.
func TimeOverlap(depA, flexA, depB, flexB int) float64 {
	if flexA < 0 || flexB < 0 {
		return 0
	}
	if flexA == 0 || flexB == 0 {
		point, dep, flex := depA, depB, flexB
		if flexB == 0 {
			point, dep, flex = depB, depA, flexA
		}
		if flex == 0 {
			if point == dep {
				return 1
			}
			return 0
		}
		return math.Max(0, 1-math.Abs(float64(point-dep))/float64(flex))
	}
	aStart, aEnd := depA-flexA, depA+flexA
	bStart, bEnd := depB-flexB, depB+flexB
	lo, hi := max(aStart, bStart), min(aEnd, bEnd)
	if lo > hi {
		return 0
	}
	return float64(hi-lo) / float64(max(aEnd, bEnd)-min(aStart, bStart))
}

// SeatFit compares the user's capability (userSeats offered, need seats
// required) with the candidate's. A driver whose seats cannot cover the other
// side's need counts as a passenger.
func SeatFit(need, userSeats int, candidate models.Family) float64 {
	if need <= 0 {
		need = 1
	}
	userDrives := userSeats > 0 && userSeats >= candidate.SeatDemand()
	candDrives := candidate.SeatsOffered > 0 && candidate.SeatsOffered >= need
	switch {
	case userDrives && candDrives:
		return SeatFitDriverDriver
	case userDrives || candDrives:
		return SeatFitDriverPassenger
	default:
		return SeatFitPassengerOnly
	}
}

// Ranked pairs a candidate with its score.
type Ranked struct {
	Family models.Family
	Score  models.Score
}

// Rank scores candidates in parallel, drops the ineligible ones and sorts by
// descending total with ties broken by candidate id. workers <= 0 uses
// GOMAXPROCS.
func Rank(ctx context.Context, user models.Family, candidates []models.Family, prefs models.Preferences, w Weights, workers int) ([]Ranked, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	scores := make([]models.Score, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scores[i] = Score(user, candidates[i], prefs, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Ranked, 0, len(candidates))
	for i, s := range scores {
		if s.Eligible {
			out = append(out, Ranked{Family: candidates[i], Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total > out[j].Score.Total
		}
		return out[i].Family.ID < out[j].Family.ID
	})
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
