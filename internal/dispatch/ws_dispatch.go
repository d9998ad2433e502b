package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/school-carpool/internal/models"
)

// WSSession represents a connected family app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one live session per family and pushes match events to
// both sides of a new match.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for familyID, replacing and closing any earlier session.
func (r *WSRegistry) Add(familyID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[familyID]
	r.sessions[familyID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops familyID's session if it is still conn.
func (r *WSRegistry) Remove(familyID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[familyID]; ok && s.conn == conn {
		delete(r.sessions, familyID)
	}
}

func (r *WSRegistry) Send(familyID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[familyID]
	r.mu.RUnlock()
	if !ok {
		return &NoSessionError{FamilyID: familyID}
	}
	return s.Send(v)
}

// PublishMatch notifies whichever of the two families is connected. A family
// without a session is not an error.
func (r *WSRegistry) PublishMatch(_ context.Context, ev models.MatchEvent) error {
	var errs []error
	for _, id := range []string{ev.FamilyA, ev.FamilyB} {
		err := r.Send(id, wsMessage{Type: "match.created", Match: ev})
		if err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type wsMessage struct {
	Type  string            `json:"type"`
	Match models.MatchEvent `json:"match"`
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct {
	FamilyID string
}

func (n *NoSessionError) Error() string {
	if n.FamilyID == "" {
		return "no ws session"
	}
	return "no ws session for family " + n.FamilyID
}

func (n *NoSessionError) Is(target error) bool {
	_, ok := target.(*NoSessionError)
	return ok
}
