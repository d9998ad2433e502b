package carpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/school-carpool/internal/geo"
	"github.com/example/school-carpool/internal/group"
	"github.com/example/school-carpool/internal/match"
	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/storage"
	"github.com/example/school-carpool/internal/swipe"
	"github.com/example/school-carpool/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type denyGroups struct{}

func (denyGroups) CanSwipe(context.Context, string) error { return nil }
func (denyGroups) CanFormGroup(_ context.Context, id string) error {
	return fmt.Errorf("%w: %s is not verified", ErrPermissionDenied, id)
}

// flakyPairs fails accepts and rejects while down is set.
type flakyPairs struct {
	*match.MemoryPairStore
	mu   sync.Mutex
	down bool
}

func (f *flakyPairs) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyPairs) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("pair store unavailable")
	}
	return nil
}

func (f *flakyPairs) AcceptPair(ctx context.Context, from, to string, newMatch func(lo, hi string) models.Match) (match.Result, error) {
	if err := f.err(); err != nil {
		return match.Result{}, err
	}
	return f.MemoryPairStore.AcceptPair(ctx, from, to, newMatch)
}

func (f *flakyPairs) RejectPair(ctx context.Context, from, to string) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.MemoryPairStore.RejectPair(ctx, from, to)
}

type harness struct {
	svc   *Service
	index *geo.Index
	clock *fakeClock
	store *storage.MemoryStore
	reg   *match.Registry
	pairs *flakyPairs
	opts  Options
}

func newHarness(t *testing.T, opts Options, families ...models.Family) *harness {
	t.Helper()
	ctx := context.Background()
	idx := geo.NewIndex()
	for _, f := range families {
		if err := idx.Upsert(ctx, f); err != nil {
			t.Fatalf("upsert %s: %v", f.ID, err)
		}
	}
	clk := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	pairs := &flakyPairs{MemoryPairStore: match.NewMemoryPairStore()}
	reg := match.NewRegistry(pairs, nil, nil)
	opts.Clock = clk.Now
	opts.Location = time.UTC
	opts.Log = store
	opts.History = store
	return &harness{
		svc:   NewService(idx, reg, group.NewService(reg, store, nil), opts),
		index: idx,
		clock: clk,
		store: store,
		reg:   reg,
		pairs: pairs,
		opts:  opts,
	}
}

// restart builds a fresh Service over the same stores, as after a process
// restart.
func (h *harness) restart() *Service {
	return NewService(h.index, h.reg, group.NewService(h.reg, h.store, nil), h.opts)
}

func nextID(t *testing.T, svc *Service, id string) string {
	t.Helper()
	res, err := svc.NextCandidate(context.Background(), id)
	if err != nil {
		t.Fatalf("next for %s: %v", id, err)
	}
	if res.Candidate == nil {
		return ""
	}
	return res.Candidate.Family.ID
}

func row(n int) []models.Family {
	fams := []models.Family{testutil.Family("me", testutil.Canberra)}
	for i := 0; i < n; i++ {
		fams = append(fams, testutil.Family(fmt.Sprintf("c%d", i), testutil.Offset(testutil.Canberra, float64(100*(i+1)), 0)))
	}
	return fams
}

func TestCandidateBeyondRadiusNeverQueued(t *testing.T) {
	me := testutil.Family("me", testutil.Canberra)
	far := testutil.Family("far", testutil.Offset(testutil.Canberra, 3500, 0))
	h := newHarness(t, Options{DefaultRadius: 3000}, me, far)

	res, err := h.svc.NextCandidate(context.Background(), "me")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if res.Candidate != nil || res.Status.State != swipe.StateExhausted {
		t.Fatalf("expected exhausted with no candidate, got %+v", res)
	}
}

func TestMutualSwipeMatchesOnce(t *testing.T) {
	a := testutil.Driver("a", testutil.Canberra, 3)
	b := testutil.Family("b", testutil.Offset(testutil.Canberra, 200, 0))
	h := newHarness(t, Options{}, a, b)
	ctx := context.Background()

	next, err := h.svc.NextCandidate(ctx, "a")
	if err != nil || next.Candidate == nil || next.Candidate.Family.ID != "b" {
		t.Fatalf("expected b for a, got %+v err=%v", next, err)
	}
	first, err := h.svc.Swipe(ctx, "a", "b", models.Accept)
	if err != nil || first.Outcome != OutcomePending {
		t.Fatalf("first swipe: %+v err=%v", first, err)
	}
	second, err := h.svc.Swipe(ctx, "b", "a", models.Accept)
	if err != nil || second.Outcome != OutcomeMatched || second.Match == nil {
		t.Fatalf("second swipe: %+v err=%v", second, err)
	}

	ms, _ := h.svc.Matches(ctx, "a")
	if len(ms) != 1 || ms[0].ID != second.Match.ID {
		t.Fatalf("expected one match for a, got %+v", ms)
	}

	// a new epoch must not bring a matched family back
	h.clock.Advance(24 * time.Hour)
	if _, err := h.svc.ResetDaily(ctx, "b"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	res, _ := h.svc.NextCandidate(ctx, "b")
	if res.Candidate != nil {
		t.Fatalf("matched family resurfaced: %+v", res.Candidate)
	}
	if got, _ := h.store.Decisions(ctx, "a"); len(got) != 1 {
		t.Fatalf("expected a's decision persisted, got %d", len(got))
	}
}

func TestSwipeOutOfBudgetIsAnOutcome(t *testing.T) {
	h := newHarness(t, Options{DailyLimit: 2}, row(3)...)
	ctx := context.Background()

	for _, id := range []string{"c0", "c1"} {
		if res, err := h.svc.Swipe(ctx, "me", id, models.Reject); err != nil || res.Outcome != OutcomeRejected {
			t.Fatalf("swipe %s: %+v err=%v", id, res, err)
		}
	}
	res, err := h.svc.Swipe(ctx, "me", "c2", models.Accept)
	if err != nil || res.Outcome != OutcomeOutOfBudget {
		t.Fatalf("expected out of budget, got %+v err=%v", res, err)
	}
	if res.Status.Remaining != 0 {
		t.Fatalf("expected no budget left, got %+v", res.Status)
	}
}

func TestSwipeSameCandidateTwice(t *testing.T) {
	h := newHarness(t, Options{}, testutil.Family("me", testutil.Canberra), testutil.Family("x", testutil.Canberra))
	ctx := context.Background()
	if _, err := h.svc.Swipe(ctx, "me", "x", models.Reject); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := h.svc.Swipe(ctx, "me", "x", models.Accept); !errors.Is(err, swipe.ErrNotInQueue) {
		t.Fatalf("expected ErrNotInQueue, got %v", err)
	}
}

func TestFormGroupFromMatches(t *testing.T) {
	a := testutil.Driver("A", testutil.Canberra, 3)
	b := testutil.Family("B", testutil.Offset(testutil.Canberra, 100, 0))
	c := testutil.Family("C", testutil.Offset(testutil.Canberra, 0, 100))
	h := newHarness(t, Options{}, a, b, c)
	ctx := context.Background()

	var matchIDs []string
	for _, other := range []string{"B", "C"} {
		if _, err := h.svc.Swipe(ctx, "A", other, models.Accept); err != nil {
			t.Fatalf("A->%s: %v", other, err)
		}
		res, err := h.svc.Swipe(ctx, other, "A", models.Accept)
		if err != nil || res.Outcome != OutcomeMatched {
			t.Fatalf("%s->A: %+v err=%v", other, res, err)
		}
		matchIDs = append(matchIDs, res.Match.ID)
	}

	g, err := h.svc.FormGroup(ctx, "A", matchIDs, "")
	if err != nil {
		t.Fatalf("form: %v", err)
	}
	ids := g.MemberIDs()
	if len(ids) != 3 || ids[0] != "A" {
		t.Fatalf("unexpected members %v", ids)
	}
	again, err := h.svc.FormGroup(ctx, "A", []string{matchIDs[1], matchIDs[0]}, "")
	if err != nil || again.ID != g.ID {
		t.Fatalf("expected idempotent formation, got %s err=%v", again.ID, err)
	}
	if got, _ := h.svc.Group(ctx, g.ID); got.ID != g.ID {
		t.Fatalf("group lookup failed")
	}

	// B cannot form a group from a match it is not part of
	if _, err := h.svc.FormGroup(ctx, "B", []string{matchIDs[1]}, ""); !errors.Is(err, group.ErrNotMatched) {
		t.Fatalf("expected ErrNotMatched, got %v", err)
	}
	if _, err := h.svc.FormGroup(ctx, "A", nil, ""); !errors.Is(err, group.ErrNoMatchesProvided) {
		t.Fatalf("expected ErrNoMatchesProvided, got %v", err)
	}
}

func TestPermissionDeniedIsPropagated(t *testing.T) {
	h := newHarness(t, Options{Access: denyGroups{}}, testutil.Driver("A", testutil.Canberra, 2))
	_, err := h.svc.FormGroup(context.Background(), "A", []string{"m"}, "")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestUnknownFamilyAndMissingLocation(t *testing.T) {
	nowhere := testutil.Family("nowhere", models.Coord{})
	h := newHarness(t, Options{}, nowhere)
	ctx := context.Background()

	if _, err := h.svc.NextCandidate(ctx, "nowhere"); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
	if _, err := h.svc.NextCandidate(ctx, "ghost"); !errors.Is(err, ErrUnknownFamily) {
		t.Fatalf("expected ErrUnknownFamily, got %v", err)
	}
}

func TestSetPreferencesRebuildsQueue(t *testing.T) {
	me := testutil.Family("me", testutil.Canberra)
	near := testutil.Family("near", testutil.Offset(testutil.Canberra, 500, 0))
	mid := testutil.Family("mid", testutil.Offset(testutil.Canberra, 2500, 0))
	h := newHarness(t, Options{DefaultRadius: 3000}, me, near, mid)
	ctx := context.Background()

	if res, _ := h.svc.NextCandidate(ctx, "me"); res.Status.Queued != 2 {
		t.Fatalf("expected 2 queued, got %+v", res.Status)
	}
	p, _ := h.svc.Preferences(ctx, "me")
	p.SearchRadiusMeters = 1000
	if err := h.svc.SetPreferences(ctx, "me", p); err != nil {
		t.Fatalf("set prefs: %v", err)
	}
	if st, _ := h.svc.Status(ctx, "me"); st.Queued != 1 {
		t.Fatalf("expected 1 queued after narrowing radius, got %+v", st)
	}
	p.FlexibilityMinutes = -1
	if err := h.svc.SetPreferences(ctx, "me", p); !errors.Is(err, ErrInvalidPreferences) {
		t.Fatalf("expected ErrInvalidPreferences, got %v", err)
	}
}

func TestUpdateLocationBringsCandidatesIntoRange(t *testing.T) {
	me := testutil.Family("me", testutil.Canberra)
	far := testutil.Family("far", testutil.Offset(testutil.Canberra, 3500, 0))
	h := newHarness(t, Options{DefaultRadius: 3000}, me, far)
	ctx := context.Background()

	if res, _ := h.svc.NextCandidate(ctx, "me"); res.Candidate != nil {
		t.Fatalf("far family should be out of range, got %+v", res.Candidate)
	}
	if err := h.svc.UpdateLocation(ctx, "me", testutil.Offset(testutil.Canberra, 2000, 0)); err != nil {
		t.Fatalf("update location: %v", err)
	}
	res, err := h.svc.NextCandidate(ctx, "me")
	if err != nil || res.Candidate == nil || res.Candidate.Family.ID != "far" {
		t.Fatalf("expected far after moving, got %+v err=%v", res, err)
	}
	if err := h.svc.UpdateLocation(ctx, "me", models.Coord{}); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
}

func TestRegistryFailureLeavesSwipeRetryable(t *testing.T) {
	h := newHarness(t, Options{}, row(1)...)
	ctx := context.Background()

	h.pairs.setDown(true)
	if _, err := h.svc.Swipe(ctx, "me", "c0", models.Accept); err == nil {
		t.Fatal("expected the registry error")
	}
	st, _ := h.svc.Status(ctx, "me")
	if st.Used != 0 || st.Queued != 1 {
		t.Fatalf("failed swipe spent budget or dropped the candidate: %+v", st)
	}
	if got, _ := h.store.Decisions(ctx, "me"); len(got) != 0 {
		t.Fatalf("failed swipe was persisted: %+v", got)
	}

	h.pairs.setDown(false)
	res, err := h.svc.Swipe(ctx, "me", "c0", models.Accept)
	if err != nil || res.Outcome != OutcomePending {
		t.Fatalf("retry: %+v err=%v", res, err)
	}
	if res.Status.Used != 1 {
		t.Fatalf("expected one decision counted, got %+v", res.Status)
	}
}

func TestRejectedCandidateReturnsAfterReset(t *testing.T) {
	h := newHarness(t, Options{}, row(2)...)
	ctx := context.Background()

	if got := nextID(t, h.svc, "me"); got != "c0" {
		t.Fatalf("expected c0 first, got %q", got)
	}
	if _, err := h.svc.Swipe(ctx, "me", "c0", models.Reject); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := nextID(t, h.svc, "me"); got != "c1" {
		t.Fatalf("expected c1 after rejecting c0, got %q", got)
	}

	st, err := h.svc.ResetDaily(ctx, "me")
	if err != nil || st.Queued != 2 {
		t.Fatalf("expected queue rebuilt with both candidates, got %+v err=%v", st, err)
	}
	if got := nextID(t, h.svc, "me"); got != "c0" {
		t.Fatalf("expected c0 back after reset, got %q", got)
	}

	if _, err := h.svc.Swipe(ctx, "me", "c0", models.Reject); err != nil {
		t.Fatalf("reject again: %v", err)
	}
	h.clock.Advance(24 * time.Hour)
	if got := nextID(t, h.svc, "me"); got != "c0" {
		t.Fatalf("expected c0 back after rollover, got %q", got)
	}
}

func TestRestartKeepsTodaysDecisions(t *testing.T) {
	h := newHarness(t, Options{DailyLimit: 3}, row(2)...)
	ctx := context.Background()
	if _, err := h.svc.Swipe(ctx, "me", "c0", models.Reject); err != nil {
		t.Fatalf("reject: %v", err)
	}

	svc := h.restart()
	st, err := svc.Status(ctx, "me")
	if err != nil || st.Used != 1 || st.Remaining != 2 {
		t.Fatalf("expected budget carried over, got %+v err=%v", st, err)
	}
	if got := nextID(t, svc, "me"); got != "c1" {
		t.Fatalf("rejected candidate resurfaced after restart: %q", got)
	}

	// a new day starts clean
	h.clock.Advance(24 * time.Hour)
	if got := nextID(t, h.restart(), "me"); got != "c0" {
		t.Fatalf("expected c0 on the next day, got %q", got)
	}
}

func TestEvictIdleSessions(t *testing.T) {
	h := newHarness(t, Options{}, row(2)...)
	ctx := context.Background()
	if _, err := h.svc.Swipe(ctx, "me", "c0", models.Reject); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h.clock.Advance(10 * time.Minute)
	nextID(t, h.svc, "c1")

	h.clock.Advance(25 * time.Minute)
	if n := h.svc.EvictIdle(30 * time.Minute); n != 1 {
		t.Fatalf("expected only the idle session evicted, got %d", n)
	}
	if _, ok := h.svc.existingSession("me"); ok {
		t.Fatal("idle session still held")
	}
	if _, ok := h.svc.existingSession("c1"); !ok {
		t.Fatal("recent session evicted")
	}

	if got := nextID(t, h.svc, "me"); got != "c1" {
		t.Fatalf("expected decisions restored after eviction, got %q", got)
	}
	if st, _ := h.svc.Status(ctx, "me"); st.Used != 1 {
		t.Fatalf("expected budget restored after eviction, got %+v", st)
	}
}
