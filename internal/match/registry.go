// Package match turns pairs of accept decisions into mutual matches.
package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/observability"
)

var (
	ErrSelfMatch = errors.New("a family cannot match itself")
	ErrEmptyID   = errors.New("family id is required")
	ErrNotFound  = errors.New("match not found")
)

type Outcome int

const (
	OutcomePending Outcome = iota + 1
	OutcomeMatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeMatched:
		return "matched"
	}
	return "unknown"
}

// Result of RecordAccept. Created is true only for the call that turned the
// pair into a match; every later accept on the pair sees Created false.
type Result struct {
	Outcome Outcome
	Match   models.Match
	Created bool
}

// PairStore holds the per-pair state. AcceptPair must be atomic per
// unordered pair: check for the reverse accept and create the match as one
// step. newMatch builds the record to store if this call creates the match.
type PairStore interface {
	AcceptPair(ctx context.Context, from, to string, newMatch func(lo, hi string) models.Match) (Result, error)
	RejectPair(ctx context.Context, from, to string) error
	Get(ctx context.Context, a, b string) (models.Match, bool, error)
	ByID(ctx context.Context, id string) (models.Match, error)
	ForFamily(ctx context.Context, id string) ([]models.Match, error)
}

// EventSink receives one event per created match.
type EventSink interface {
	PublishMatch(ctx context.Context, ev models.MatchEvent) error
}

type Registry struct {
	store  PairStore
	events EventSink
	clock  func() time.Time
	logger *slog.Logger
}

func NewRegistry(store PairStore, events EventSink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{store: store, events: events, clock: time.Now, logger: logger}
}

// RecordAccept stores userID's accept of candidateID and reports whether the
// pair is now matched. Repeated or concurrent accepts never produce a second
// Match for the pair.
func (r *Registry) RecordAccept(ctx context.Context, userID, candidateID string) (Result, error) {
	if err := validPair(userID, candidateID); err != nil {
		return Result{}, err
	}
	res, err := r.store.AcceptPair(ctx, userID, candidateID, func(lo, hi string) models.Match {
		return models.Match{ID: uuid.NewString(), FamilyA: lo, FamilyB: hi, CreatedAt: r.clock().UTC()}
	})
	if err != nil {
		return Result{}, fmt.Errorf("record accept %s->%s: %w", userID, candidateID, err)
	}

	switch {
	case res.Created:
		observability.MatchesTotal.Inc()
		r.logger.Info("match created", "match_id", res.Match.ID, "family_a", res.Match.FamilyA, "family_b", res.Match.FamilyB)
		r.publish(ctx, res.Match)
	case res.Outcome == OutcomePending:
		observability.PendingAcceptsTotal.Inc()
	}
	return res, nil
}

// RecordReject withdraws userID's own pending accept toward candidateID.
// It never creates a match and leaves an existing match alone.
func (r *Registry) RecordReject(ctx context.Context, userID, candidateID string) error {
	if err := validPair(userID, candidateID); err != nil {
		return err
	}
	if err := r.store.RejectPair(ctx, userID, candidateID); err != nil {
		return fmt.Errorf("record reject %s->%s: %w", userID, candidateID, err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, a, b string) (models.Match, bool, error) {
	return r.store.Get(ctx, a, b)
}

func (r *Registry) ByID(ctx context.Context, id string) (models.Match, error) {
	return r.store.ByID(ctx, id)
}

// ForFamily lists a family's matches oldest first.
func (r *Registry) ForFamily(ctx context.Context, id string) ([]models.Match, error) {
	return r.store.ForFamily(ctx, id)
}

func (r *Registry) publish(ctx context.Context, m models.Match) {
	if r.events == nil {
		return
	}
	ev := models.MatchEvent{MatchID: m.ID, FamilyA: m.FamilyA, FamilyB: m.FamilyB, CreatedAt: m.CreatedAt}
	// The match is already durable; a failed announcement is logged, not returned.
	if err := r.events.PublishMatch(ctx, ev); err != nil {
		r.logger.Warn("match event delivery failed", "match_id", m.ID, "error", err)
	}
}

func validPair(a, b string) error {
	if a == "" || b == "" {
		return ErrEmptyID
	}
	if a == b {
		return ErrSelfMatch
	}
	return nil
}
