// Package swipe owns the per-user discovery queue: which candidate is shown
// next, which have been decided this epoch, and how much of the daily
// decision budget is left.
package swipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/observability"
	"github.com/example/school-carpool/internal/scoring"
)

// DefaultDailyLimit is the number of decisions a family may record per day.
const DefaultDailyLimit = 50

var (
	ErrOutOfBudget      = errors.New("daily swipe budget exhausted")
	ErrNotInQueue       = errors.New("candidate is not in the queue")
	ErrSuperseded       = errors.New("refill superseded by a newer request")
	ErrInvalidDirection = errors.New("direction must be accept or reject")
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

// DecisionLog persists swipe decisions. Append is called while the session
// is locked; a failed append leaves the session unchanged.
type DecisionLog interface {
	Append(ctx context.Context, d models.SwipeDecision) error
}

// DecisionHistory reads back what a DecisionLog stored, so a session created
// after a restart or eviction keeps the current epoch's decisions.
type DecisionHistory interface {
	DecisionsSince(ctx context.Context, userID string, since time.Time) ([]models.SwipeDecision, error)
}

// Effect runs under the session lock once a decision has passed the budget
// and queue checks and before anything is recorded. An error leaves the
// session untouched.
type Effect func(ctx context.Context) error

// Ranker scores and orders candidates. scoring.Rank is the production ranker.
type Ranker func(ctx context.Context, user models.Family, candidates []models.Family, prefs models.Preferences, w scoring.Weights, workers int) ([]scoring.Ranked, error)

type Options struct {
	DailyLimit int
	Location   *time.Location
	Weights    scoring.Weights
	Workers    int
	Clock      func() time.Time
	Log        DecisionLog
	Rank       Ranker
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.DailyLimit <= 0 {
		o.DailyLimit = DefaultDailyLimit
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if !o.Weights.Valid() {
		o.Weights = scoring.DefaultWeights
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Rank == nil {
		o.Rank = scoring.Rank
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Session is the single owner of one family's queue and counter. All
// mutation happens under mu; scoring during Refill runs outside it and its
// result is applied only if no newer Refill started meanwhile.
type Session struct {
	userID string
	opts   Options

	mu        sync.Mutex
	state     State
	queue     []scoring.Ranked
	decided   map[string]models.Direction
	matched   map[string]struct{}
	decisions []models.SwipeDecision
	used      int
	epoch     time.Time
	round     uint64 // bumped by every epoch reset
	built     uint64 // round the current queue was built in
	restored  bool
	gen       uint64
	cancel    context.CancelFunc
	user      models.Family
	prefs     models.Preferences
	loaded    bool
}

func NewSession(userID string, opts Options) *Session {
	opts.defaults()
	return &Session{
		userID:  userID,
		opts:    opts,
		decided: make(map[string]models.Direction),
		matched: make(map[string]struct{}),
		epoch:   DayStart(opts.Clock(), opts.Location),
	}
}

func (s *Session) UserID() string { return s.userID }

// Refill replaces the queue with the ranked, undecided subset of candidates.
// A Refill already in flight is cancelled and its result discarded. An empty
// result moves the session to StateExhausted and is not an error.
func (s *Session) Refill(ctx context.Context, user models.Family, candidates []models.Family, prefs models.Preferences) error {
	start := time.Now()

	s.mu.Lock()
	s.rollEpochLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateLoading
	s.queue = nil
	s.user, s.prefs, s.loaded = user, prefs, true
	s.mu.Unlock()
	defer cancel()

	ranked, err := s.opts.Rank(rctx, user, candidates, prefs, s.opts.Weights, s.opts.Workers)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		observability.RefillsSuperseded.Inc()
		return ErrSuperseded
	}
	s.cancel = nil
	if err != nil {
		s.state = StateIdle
		return fmt.Errorf("rank candidates: %w", err)
	}

	queue := ranked[:0]
	for _, r := range ranked {
		if _, ok := s.decided[r.Family.ID]; ok {
			continue
		}
		if _, ok := s.matched[r.Family.ID]; ok {
			continue
		}
		queue = append(queue, r)
	}
	s.queue = queue
	s.built = s.round
	s.settleLocked()
	observability.RefillDuration.Observe(time.Since(start).Seconds())
	s.opts.Logger.Debug("queue refilled",
		"family_id", s.userID,
		"candidates", len(candidates),
		"queued", len(s.queue),
		"state", s.state.String(),
	)
	return nil
}

// Next returns the highest ranked undecided candidate. ok is false whenever
// the session is not Ready; the returned State says why.
func (s *Session) Next() (scoring.Ranked, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollEpochLocked()
	if s.state != StateReady || len(s.queue) == 0 {
		return scoring.Ranked{}, s.state, false
	}
	return s.queue[0], s.state, true
}

// RecordDecision appends a decision for a queued candidate and removes it
// from the queue.
func (s *Session) RecordDecision(ctx context.Context, candidateID string, dir models.Direction) (models.SwipeDecision, error) {
	return s.RecordDecisionWith(ctx, candidateID, dir, nil)
}

// RecordDecisionWith is RecordDecision with effect run before the decision
// is committed. A failing effect, or a failing DecisionLog after it, leaves
// the candidate queued and the budget unspent, so effect must be safe to
// repeat.
func (s *Session) RecordDecisionWith(ctx context.Context, candidateID string, dir models.Direction, effect Effect) (models.SwipeDecision, error) {
	if !dir.Valid() {
		return models.SwipeDecision{}, ErrInvalidDirection
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.rollEpochLocked()

	if s.used >= s.opts.DailyLimit {
		s.state = StateExhausted
		observability.OutOfBudgetTotal.Inc()
		return models.SwipeDecision{}, ErrOutOfBudget
	}
	idx := -1
	for i, r := range s.queue {
		if r.Family.ID == candidateID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.SwipeDecision{}, ErrNotInQueue
	}

	if effect != nil {
		if err := effect(ctx); err != nil {
			return models.SwipeDecision{}, err
		}
	}
	d := models.SwipeDecision{UserID: s.userID, CandidateID: candidateID, Direction: dir, At: now}
	if s.opts.Log != nil {
		if err := s.opts.Log.Append(ctx, d); err != nil {
			return models.SwipeDecision{}, fmt.Errorf("persist decision: %w", err)
		}
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	s.decided[candidateID] = dir
	s.decisions = append(s.decisions, d)
	s.used++
	s.settleLocked()
	return d, nil
}

// ResetDaily starts a new epoch now: the counter goes to zero and candidates
// decided earlier become eligible again on the next Refill, except those the
// family has matched with.
func (s *Session) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(s.opts.Clock())
}

// Restore replays decisions recorded earlier in the current epoch, typically
// read back from a DecisionHistory. Only the first call has any effect;
// decisions from other epochs or other families are ignored.
func (s *Session) Restore(ds []models.SwipeDecision) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollEpochLocked()
	if s.restored {
		return 0
	}
	s.restored = true
	n := 0
	for _, d := range ds {
		if d.UserID != s.userID || !SameEpoch(d.At, s.epoch, s.opts.Location) {
			continue
		}
		if _, ok := s.decided[d.CandidateID]; ok {
			continue
		}
		s.decided[d.CandidateID] = d.Direction
		s.decisions = append(s.decisions, d)
		s.used++
		for i, r := range s.queue {
			if r.Family.ID == d.CandidateID {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		n++
	}
	s.settleLocked()
	return n
}

func (s *Session) Restored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

// Stale reports whether the queue was built before the latest epoch reset,
// so decided candidates that are eligible again are missing from it.
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollEpochLocked()
	return s.loaded && s.built != s.round
}

// MarkMatched excludes candidateID from every future queue.
func (s *Session) MarkMatched(candidateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matched[candidateID] = struct{}{}
	for i, r := range s.queue {
		if r.Family.ID == candidateID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.settleLocked()
}

// Inputs returns the profile and preferences of the last Refill.
func (s *Session) Inputs() (models.Family, models.Preferences, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.prefs, s.loaded
}

// Decisions returns the decisions recorded in the current epoch.
func (s *Session) Decisions() []models.SwipeDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollEpochLocked()
	out := make([]models.SwipeDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

type Snapshot struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Queued    int       `json:"queued"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	Epoch     time.Time `json:"epoch"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollEpochLocked()
	return Snapshot{
		State:     s.state,
		StateName: s.state.String(),
		Queued:    len(s.queue),
		Used:      s.used,
		Remaining: max(0, s.opts.DailyLimit-s.used),
		Limit:     s.opts.DailyLimit,
		Epoch:     s.epoch,
	}
}

// settleLocked moves between Ready and Exhausted after the queue or counter
// changed. Idle and Loading are left alone.
func (s *Session) settleLocked() {
	if s.state == StateIdle || (s.state == StateLoading && s.cancel != nil) {
		return
	}
	if len(s.queue) == 0 || s.used >= s.opts.DailyLimit {
		s.state = StateExhausted
		return
	}
	s.state = StateReady
}

// rollEpochLocked resets the counter once the local calendar day has
// changed and returns the current time.
func (s *Session) rollEpochLocked() time.Time {
	now := s.opts.Clock()
	if !SameEpoch(s.epoch, now, s.opts.Location) {
		s.resetLocked(now)
	}
	return now
}

func (s *Session) resetLocked(now time.Time) {
	s.epoch = DayStart(now, s.opts.Location)
	s.round++
	s.used = 0
	s.decisions = nil
	clear(s.decided)
	s.settleLocked()
}

// SameEpoch reports whether a and b fall on the same calendar day in loc.
func SameEpoch(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// DayStart is local midnight of t's calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
