// Package carpool is the entry point the transport layers call: it resolves
// profiles, keeps one swipe session per family and routes accepts to the
// match registry and match sets to group formation.
package carpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/school-carpool/internal/geo"
	"github.com/example/school-carpool/internal/group"
	"github.com/example/school-carpool/internal/logging"
	"github.com/example/school-carpool/internal/match"
	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/observability"
	"github.com/example/school-carpool/internal/scoring"
	"github.com/example/school-carpool/internal/swipe"
)

const DefaultSearchRadiusMeters = 5000

var (
	ErrUnknownFamily       = errors.New("unknown family")
	ErrLocationUnavailable = errors.New("family location unavailable")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInvalidPreferences  = errors.New("invalid preferences")
)

// AccessChecker is the trust and verification dependency. Errors it returns,
// typically wrapping ErrPermissionDenied, are passed to the caller unchanged.
type AccessChecker interface {
	CanSwipe(ctx context.Context, familyID string) error
	CanFormGroup(ctx context.Context, familyID string) error
}

type allowAll struct{}

func (allowAll) CanSwipe(context.Context, string) error     { return nil }
func (allowAll) CanFormGroup(context.Context, string) error { return nil }

type Options struct {
	DailyLimit    int
	Location      *time.Location
	Weights       scoring.Weights
	Workers       int
	DefaultRadius float64
	Clock         func() time.Time
	Log           swipe.DecisionLog
	History       swipe.DecisionHistory
	Access        AccessChecker
	Logger        *slog.Logger
}

type Service struct {
	profiles geo.ProfileStore
	registry *match.Registry
	groups   *group.Service
	opts     Options

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	// prefs are settings, not cache; they live as long as the process.
	prefs map[string]models.Preferences
}

type sessionEntry struct {
	sess *swipe.Session
	seen time.Time
}

func NewService(profiles geo.ProfileStore, registry *match.Registry, groups *group.Service, opts Options) *Service {
	if opts.DefaultRadius <= 0 {
		opts.DefaultRadius = DefaultSearchRadiusMeters
	}
	if opts.Access == nil {
		opts.Access = allowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{
		profiles: profiles,
		registry: registry,
		groups:   groups,
		opts:     opts,
		sessions: make(map[string]*sessionEntry),
		prefs:    make(map[string]models.Preferences),
	}
}

// Candidate is what the discovery screen shows next.
type Candidate struct {
	Family models.Family `json:"family"`
	Score  models.Score  `json:"score"`
}

type NextResult struct {
	Candidate *Candidate     `json:"candidate,omitempty"`
	Status    swipe.Snapshot `json:"status"`
}

// NextCandidate returns the family's best undecided candidate. A nil
// Candidate with Status.State Exhausted means nobody is left for now or the
// daily budget is used up.
func (s *Service) NextCandidate(ctx context.Context, userID string) (NextResult, error) {
	sess := s.session(userID)
	snap := sess.Snapshot()
	if snap.State == swipe.StateIdle || sess.Stale() ||
		(snap.State == swipe.StateExhausted && snap.Queued == 0 && snap.Remaining > 0) {
		if err := s.refill(ctx, sess); err != nil {
			return NextResult{}, err
		}
	}
	r, _, ok := sess.Next()
	res := NextResult{Status: sess.Snapshot()}
	if ok {
		res.Candidate = &Candidate{Family: r.Family, Score: r.Score}
	}
	return res, nil
}

type SwipeOutcome int

const (
	OutcomePending SwipeOutcome = iota + 1
	OutcomeMatched
	OutcomeRejected
	OutcomeOutOfBudget
)

func (o SwipeOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeMatched:
		return "matched"
	case OutcomeRejected:
		return "rejected"
	case OutcomeOutOfBudget:
		return "out_of_budget"
	}
	return "unknown"
}

func (o SwipeOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

type SwipeResult struct {
	Outcome SwipeOutcome   `json:"outcome"`
	Match   *models.Match  `json:"match,omitempty"`
	Status  swipe.Snapshot `json:"status"`
}

// Swipe records userID's decision on candidateID. Running out of budget is an
// outcome, not an error; swiping a candidate that is not queued returns
// swipe.ErrNotInQueue.
func (s *Service) Swipe(ctx context.Context, userID, candidateID string, dir models.Direction) (SwipeResult, error) {
	if !dir.Valid() {
		return SwipeResult{}, swipe.ErrInvalidDirection
	}
	if err := s.opts.Access.CanSwipe(ctx, userID); err != nil {
		return SwipeResult{}, err
	}
	sess := s.session(userID)
	if sess.Snapshot().State == swipe.StateIdle || sess.Stale() {
		if err := s.refill(ctx, sess); err != nil {
			return SwipeResult{}, err
		}
	}

	// The registry write happens before the session commits, so a registry
	// failure leaves the candidate queued and the budget unspent. Both
	// registry calls are idempotent, which makes the retry safe.
	var res match.Result
	_, err := sess.RecordDecisionWith(ctx, candidateID, dir, func(ctx context.Context) error {
		if dir == models.Reject {
			return s.registry.RecordReject(ctx, userID, candidateID)
		}
		r, err := s.registry.RecordAccept(ctx, userID, candidateID)
		res = r
		return err
	})
	if errors.Is(err, swipe.ErrOutOfBudget) {
		return SwipeResult{Outcome: OutcomeOutOfBudget, Status: sess.Snapshot()}, nil
	}
	if err != nil {
		if !errors.Is(err, swipe.ErrNotInQueue) {
			s.opts.Logger.Error("swipe not recorded", "family_id", userID, "candidate_id", candidateID, "direction", string(dir), "error", err)
		}
		return SwipeResult{}, err
	}
	observability.SwipesTotal.WithLabelValues(string(dir)).Inc()

	if dir == models.Reject {
		return SwipeResult{Outcome: OutcomeRejected, Status: sess.Snapshot()}, nil
	}
	if res.Outcome != match.OutcomeMatched {
		return SwipeResult{Outcome: OutcomePending, Status: sess.Snapshot()}, nil
	}

	sess.MarkMatched(candidateID)
	if other, ok := s.existingSession(candidateID); ok {
		other.MarkMatched(userID)
	}
	m := res.Match
	return SwipeResult{Outcome: OutcomeMatched, Match: &m, Status: sess.Snapshot()}, nil
}

// FormGroup resolves matchIDs to the admin's matched families and forms a
// group from them. A match id that does not exist or does not involve the
// admin fails with group.ErrNotMatched.
func (s *Service) FormGroup(ctx context.Context, adminID string, matchIDs []string, customName string) (models.CarpoolGroup, error) {
	if err := s.opts.Access.CanFormGroup(ctx, adminID); err != nil {
		return models.CarpoolGroup{}, err
	}
	admin, err := s.family(ctx, adminID)
	if err != nil {
		return models.CarpoolGroup{}, err
	}

	families := make([]models.Family, 0, len(matchIDs))
	for _, id := range matchIDs {
		m, err := s.registry.ByID(ctx, id)
		if errors.Is(err, match.ErrNotFound) {
			return models.CarpoolGroup{}, &group.FormationError{Reason: group.ErrNotMatched, Detail: "match " + id}
		}
		if err != nil {
			return models.CarpoolGroup{}, err
		}
		otherID, ok := m.Other(adminID)
		if !ok {
			return models.CarpoolGroup{}, &group.FormationError{Reason: group.ErrNotMatched, Detail: "match " + id}
		}
		f, err := s.family(ctx, otherID)
		if err != nil {
			return models.CarpoolGroup{}, err
		}
		families = append(families, f)
	}
	return s.groups.Form(ctx, admin, families, customName)
}

func (s *Service) Group(ctx context.Context, id string) (models.CarpoolGroup, error) {
	return s.groups.Get(ctx, id)
}

// UpsertFamily stores a profile and rebuilds the family's queue if it has a
// session, so a moved home or changed schedule takes effect immediately.
func (s *Service) UpsertFamily(ctx context.Context, f models.Family) error {
	if err := s.profiles.Upsert(ctx, f); err != nil {
		return fmt.Errorf("upsert family: %w", err)
	}
	observability.ProfilesIngested.Inc()
	if sess, ok := s.existingSession(f.ID); ok {
		return s.refill(ctx, sess)
	}
	return nil
}

// UpdateLocation moves userID's home and rebuilds the queue around it.
func (s *Service) UpdateLocation(ctx context.Context, userID string, home models.Coord) error {
	if !home.Valid() {
		return ErrLocationUnavailable
	}
	f, err := s.family(ctx, userID)
	if err != nil {
		return err
	}
	f.Home = home
	f.Updated = s.now()
	return s.UpsertFamily(ctx, f)
}

// SetPreferences replaces userID's matching preferences and rebuilds the
// queue. A zero search radius means the configured default.
func (s *Service) SetPreferences(ctx context.Context, userID string, p models.Preferences) error {
	if p.SearchRadiusMeters < 0 || p.FlexibilityMinutes < 0 || p.RequiredSeats < 0 ||
		p.DepartureMinute < 0 || p.DepartureMinute >= 24*60 {
		return ErrInvalidPreferences
	}
	if p.SearchRadiusMeters == 0 {
		p.SearchRadiusMeters = s.opts.DefaultRadius
	}
	if _, err := s.family(ctx, userID); err != nil {
		return err
	}
	s.mu.Lock()
	s.prefs[userID] = p
	s.mu.Unlock()
	return s.refill(ctx, s.session(userID))
}

func (s *Service) Preferences(ctx context.Context, userID string) (models.Preferences, error) {
	f, err := s.family(ctx, userID)
	if err != nil {
		return models.Preferences{}, err
	}
	return s.preferencesFor(f), nil
}

func (s *Service) Matches(ctx context.Context, userID string) ([]models.Match, error) {
	return s.registry.ForFamily(ctx, userID)
}

// ResetDaily starts a new decision epoch for userID right away. A family
// that already has a queue gets it rebuilt, so candidates it decided earlier
// are shown again.
func (s *Service) ResetDaily(ctx context.Context, userID string) (swipe.Snapshot, error) {
	sess := s.session(userID)
	// history read after the reset would bring the old decisions back
	if err := s.restore(ctx, sess); err != nil {
		return swipe.Snapshot{}, err
	}
	sess.ResetDaily()
	if _, _, loaded := sess.Inputs(); loaded {
		if err := s.refill(ctx, sess); err != nil {
			return sess.Snapshot(), err
		}
	}
	return sess.Snapshot(), nil
}

func (s *Service) Status(ctx context.Context, userID string) (swipe.Snapshot, error) {
	sess := s.session(userID)
	if err := s.restore(ctx, sess); err != nil {
		return swipe.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// EvictIdle drops sessions untouched for longer than ttl and reports how
// many went. An evicted family's decisions come back from History and its
// matches from the registry the next time it is served.
func (s *Service) EvictIdle(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.sessions {
		if e.seen.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	observability.ActiveSessions.Set(float64(len(s.sessions)))
	return n
}

// refill loads the profile and candidates before any scoring starts. A
// refill superseded by a newer one is not an error for the caller.
func (s *Service) refill(ctx context.Context, sess *swipe.Session) error {
	if err := s.restore(ctx, sess); err != nil {
		return err
	}
	user, err := s.family(ctx, sess.UserID())
	if err != nil {
		return err
	}
	if !user.Home.Valid() {
		return ErrLocationUnavailable
	}
	// matches made while this session did not exist still stay out
	matches, err := s.registry.ForFamily(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load matches: %w", err)
	}
	for _, m := range matches {
		if other, ok := m.Other(user.ID); ok {
			sess.MarkMatched(other)
		}
	}
	prefs := s.preferencesFor(user)
	candidates, err := s.profiles.ListCandidates(ctx, user.Home, prefs.SearchRadiusMeters)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
	}
	if err := sess.Refill(ctx, user, candidates, prefs); err != nil {
		if errors.Is(err, swipe.ErrSuperseded) {
			return nil
		}
		return err
	}
	return nil
}

// restore replays today's persisted decisions into a session the first time
// it is used.
func (s *Service) restore(ctx context.Context, sess *swipe.Session) error {
	if s.opts.History == nil || sess.Restored() {
		return nil
	}
	ds, err := s.opts.History.DecisionsSince(ctx, sess.UserID(), sess.Snapshot().Epoch)
	if err != nil {
		return fmt.Errorf("load decisions: %w", err)
	}
	if n := sess.Restore(ds); n > 0 {
		s.opts.Logger.Debug("decisions restored", "family_id", sess.UserID(), "count", n)
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.opts.Clock != nil {
		return s.opts.Clock()
	}
	return time.Now()
}

func (s *Service) preferencesFor(user models.Family) models.Preferences {
	s.mu.Lock()
	p, ok := s.prefs[user.ID]
	s.mu.Unlock()
	if ok {
		return p
	}
	return models.Preferences{
		SearchRadiusMeters: s.opts.DefaultRadius,
		DepartureMinute:    user.DepartureMinute,
		FlexibilityMinutes: user.FlexibilityMinutes,
		RequiredSeats:      user.SeatDemand(),
	}
}

func (s *Service) family(ctx context.Context, id string) (models.Family, error) {
	f, err := s.profiles.Get(ctx, id)
	if errors.Is(err, geo.ErrNotFound) {
		return models.Family{}, fmt.Errorf("%w: %s", ErrUnknownFamily, id)
	}
	if err != nil {
		return models.Family{}, fmt.Errorf("load family %s: %w", id, err)
	}
	return f, nil
}

func (s *Service) session(userID string) *swipe.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[userID]
	if !ok {
		e = &sessionEntry{sess: swipe.NewSession(userID, swipe.Options{
			DailyLimit: s.opts.DailyLimit,
			Location:   s.opts.Location,
			Weights:    s.opts.Weights,
			Workers:    s.opts.Workers,
			Clock:      s.opts.Clock,
			Log:        s.opts.Log,
			Logger:     s.opts.Logger,
		})}
		s.sessions[userID] = e
		observability.ActiveSessions.Set(float64(len(s.sessions)))
	}
	e.seen = s.now()
	return e.sess
}

func (s *Service) existingSession(userID string) (*swipe.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}
