// Package dispatch delivers match-created events to connected apps and to
// downstream services.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/observability"
)

type Sink interface {
	PublishMatch(ctx context.Context, ev models.MatchEvent) error
}

type namedSink struct {
	name string
	sink Sink
}

// Multi fans one event out to every registered sink. A failing sink does not
// stop delivery to the others.
type Multi struct {
	sinks  []namedSink
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Multi{logger: logger}
}

// Add registers s under name; name labels the error metric. Add is not safe
// to call concurrently with PublishMatch.
func (m *Multi) Add(name string, s Sink) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, sink: s})
	return m
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) PublishMatch(ctx context.Context, ev models.MatchEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.PublishMatch(ctx, ev); err != nil {
			observability.MatchEventErrors.WithLabelValues(s.name).Inc()
			m.logger.Warn("match event sink failed", "sink", s.name, "match_id", ev.MatchID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
