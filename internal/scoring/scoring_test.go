package scoring

import (
	"context"
	"math"
	"testing"

	"github.com/example/school-carpool/internal/demo"
	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/testutil"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-3 }

func TestScoreBeyondRadiusIsExcluded(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Driver("far", testutil.Offset(testutil.Canberra, 3500, 0), 4)
	prefs := testutil.Prefs(3000)

	s := Score(user, cand, prefs, DefaultWeights)
	if s.Eligible || s.Total != 0 || s.Distance != 0 {
		t.Fatalf("expected excluded zero score, got %+v", s)
	}
	if s.DistanceMeters < 3400 || s.DistanceMeters > 3600 {
		t.Fatalf("expected ~3500m, got %f", s.DistanceMeters)
	}

	ranked, err := Rank(context.Background(), user, []models.Family{cand}, prefs, DefaultWeights, 2)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(ranked) != 0 {
		t.Fatalf("expected candidate filtered out, got %+v", ranked)
	}
}

func TestScoreNoTimeOverlapIsZero(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Driver("late", testutil.Canberra, 4)
	cand.DepartureMinute = 9 * 60
	cand.FlexibilityMinutes = 10

	s := Score(user, cand, testutil.Prefs(3000), DefaultWeights)
	if s.TimeOverlap != 0 || s.Eligible || s.Total != 0 {
		t.Fatalf("expected zero overlap exclusion, got %+v", s)
	}
}

func TestScorePerfectCandidate(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Driver("next-door", testutil.Canberra, 3)

	s := Score(user, cand, testutil.Prefs(3000), DefaultWeights)
	if !s.Eligible || !near(s.Total, 1) {
		t.Fatalf("expected total 1, got %+v", s)
	}
}

func TestScoreTrustOnlyWhenPrioritizingSafety(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Driver("anon", testutil.Canberra, 3)
	cand.Trust = models.TrustUnverified
	prefs := testutil.Prefs(3000)

	if s := Score(user, cand, prefs, DefaultWeights); s.Trust != 1 {
		t.Fatalf("expected uniform trust 1, got %f", s.Trust)
	}

	prefs.PrioritizeSafety = true
	s := Score(user, cand, prefs, DefaultWeights)
	if s.Trust != 0.5 {
		t.Fatalf("expected trust 0.5, got %f", s.Trust)
	}
	if !near(s.Total, 0.925) {
		t.Fatalf("expected 0.925, got %f", s.Total)
	}
}

func TestScoreRequireVerificationFiltersUnverified(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Driver("anon", testutil.Canberra, 3)
	cand.Trust = models.TrustUnverified
	prefs := testutil.Prefs(3000)
	prefs.RequireVerification = true

	if s := Score(user, cand, prefs, DefaultWeights); s.Eligible {
		t.Fatalf("expected unverified candidate filtered, got %+v", s)
	}
}

func TestScoreDifferentSchoolFiltered(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Driver("other", testutil.Canberra, 3)
	cand.SchoolID = "school-2"

	if s := Score(user, cand, testutil.Prefs(3000), DefaultWeights); s.Eligible {
		t.Fatalf("expected other school filtered, got %+v", s)
	}
}

func TestScoreSelfFiltered(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	if s := Score(user, user, testutil.Prefs(3000), DefaultWeights); s.Eligible {
		t.Fatalf("expected self filtered, got %+v", s)
	}
}

func TestScoreDegenerateInputs(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Family("c", testutil.Canberra)

	cases := map[string]struct {
		user  models.Family
		prefs models.Preferences
		w     Weights
	}{
		"zero radius":     {user, testutil.Prefs(0), DefaultWeights},
		"missing home":    {testutil.Family("me", models.Coord{}), testutil.Prefs(3000), DefaultWeights},
		"zero weights":    {user, testutil.Prefs(3000), Weights{}},
		"negative weight": {user, testutil.Prefs(3000), Weights{Distance: -1, Trust: 2}},
	}
	for name, tc := range cases {
		if s := Score(tc.user, cand, tc.prefs, tc.w); s.Total != 0 || s.Eligible {
			t.Errorf("%s: expected zero score, got %+v", name, s)
		}
	}
}

func TestCustomWeights(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cand := testutil.Family("c", testutil.Offset(testutil.Canberra, 1500, 0))

	s := Score(user, cand, testutil.Prefs(3000), Weights{Distance: 1})
	if !near(s.Total, 0.5) {
		t.Fatalf("expected distance-only total 0.5, got %f", s.Total)
	}
}

func TestTimeOverlap(t *testing.T) {
	cases := []struct {
		name                     string
		depA, flexA, depB, flexB int
		want                     float64
	}{
		{"identical", 480, 15, 480, 15, 1},
		{"half", 480, 15, 490, 15, 0.5},
		{"disjoint", 480, 15, 540, 10, 0},
		{"touching", 480, 10, 500, 10, 0},
		{"same instant", 480, 0, 480, 0, 1},
		{"different instants", 480, 0, 481, 0, 0},
		{"fixed time at centre", 480, 0, 480, 15, 1},
		{"fixed time off centre", 490, 20, 480, 0, 0.5},
		{"fixed time at edge", 480, 0, 490, 10, 0},
		{"fixed time outside", 480, 0, 500, 10, 0},
		{"nested", 480, 30, 480, 15, 0.5},
		{"negative flex", 480, -1, 480, 15, 0},
	}
	for _, tc := range cases {
		if got := TimeOverlap(tc.depA, tc.flexA, tc.depB, tc.flexB); !near(got, tc.want) {
			t.Errorf("%s: got %f want %f", tc.name, got, tc.want)
		}
	}
}

func TestSeatFit(t *testing.T) {
	passenger := testutil.Family("p", testutil.Canberra)
	driver := testutil.Driver("d", testutil.Canberra, 3)
	emptyCar := testutil.Driver("e", testutil.Canberra, 0)

	if got := SeatFit(1, 0, driver); got != SeatFitDriverPassenger {
		t.Errorf("passenger user, driver candidate: got %f", got)
	}
	if got := SeatFit(1, 2, passenger); got != SeatFitDriverPassenger {
		t.Errorf("driver user, passenger candidate: got %f", got)
	}
	if got := SeatFit(1, 2, driver); got != SeatFitDriverDriver {
		t.Errorf("driver pair: got %f", got)
	}
	if got := SeatFit(1, 0, passenger); got != SeatFitPassengerOnly {
		t.Errorf("passenger pair: got %f", got)
	}
	if SeatFit(1, 0, emptyCar) != SeatFit(1, 0, passenger) {
		t.Errorf("zero-seat driver should score like a passenger")
	}
	if got := SeatFit(4, 0, driver); got != SeatFitPassengerOnly {
		t.Errorf("driver without enough seats: got %f", got)
	}
}

func TestRankOrdersByScoreThenID(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	cands := []models.Family{
		testutil.Family("b", testutil.Canberra),
		testutil.Family("a", testutil.Canberra),
		testutil.Driver("c", testutil.Offset(testutil.Canberra, 500, 0), 2),
		testutil.Family("z", testutil.Offset(testutil.Canberra, 2500, 0)),
	}
	ranked, err := Rank(context.Background(), user, cands, testutil.Prefs(3000), DefaultWeights, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	var got []string
	for _, r := range ranked {
		got = append(got, r.Family.ID)
	}
	want := []string{"c", "a", "b", "z"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestRankIsDeterministicForSeed(t *testing.T) {
	user := testutil.Family("me", testutil.Canberra)
	prefs := testutil.Prefs(4000)
	a, _ := Rank(context.Background(), user, demo.NewGenerator(7, testutil.Canberra, 5000).Families(200), prefs, DefaultWeights, 8)
	b, _ := Rank(context.Background(), user, demo.NewGenerator(7, testutil.Canberra, 5000).Families(200), prefs, DefaultWeights, 1)
	if len(a) != len(b) {
		t.Fatalf("length mismatch %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Family.ID != b[i].Family.ID || a[i].Score != b[i].Score {
			t.Fatalf("rank differs at %d: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].Score.DistanceMeters > prefs.SearchRadiusMeters {
			t.Fatalf("out-of-radius candidate ranked: %+v", a[i])
		}
	}
}

func TestRankCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	user := testutil.Family("me", testutil.Canberra)
	_, err := Rank(ctx, user, []models.Family{testutil.Family("a", testutil.Canberra)}, testutil.Prefs(3000), DefaultWeights, 1)
	if err == nil {
		t.Fatal("expected context error")
	}
}
