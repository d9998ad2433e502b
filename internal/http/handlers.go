package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/school-carpool/internal/carpool"
	"github.com/example/school-carpool/internal/dispatch"
	"github.com/example/school-carpool/internal/group"
	"github.com/example/school-carpool/internal/ingest"
	"github.com/example/school-carpool/internal/logging"
	"github.com/example/school-carpool/internal/match"
	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/storage"
	"github.com/example/school-carpool/internal/swipe"
)

// ProfilePublisher hands profile updates to the ingest pipeline instead of
// writing them to the profile store directly.
type ProfilePublisher interface {
	PublishProfile(ctx context.Context, f models.Family) error
}

type Server struct {
	Carpool   *carpool.Service
	Publisher ProfilePublisher
	WSReg     *dispatch.WSRegistry
	Auth      *TokenAuth
	Ready     func(ctx context.Context) error

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires routes and middleware. Publisher, Auth and Ready may be nil.
func NewServer(svc *carpool.Service, ws *dispatch.WSRegistry, pub ProfilePublisher, auth *TokenAuth, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if ws == nil {
		ws = dispatch.NewWSRegistry()
	}
	s := &Server{Carpool: svc, Publisher: pub, WSReg: ws, Auth: auth, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	ws := s.mux.PathPrefix("/ws").Subrouter()
	if s.Auth != nil {
		api.Use(s.Auth.middleware)
		ws.Use(s.Auth.middleware)
	}
	api.HandleFunc("/families/{id}", s.handleUpsertFamily).Methods("PUT")
	api.HandleFunc("/families/{id}/location", s.handleUpdateLocation).Methods("PUT")
	api.HandleFunc("/families/{id}/preferences", s.handleGetPreferences).Methods("GET")
	api.HandleFunc("/families/{id}/preferences", s.handleSetPreferences).Methods("PUT")
	api.HandleFunc("/families/{id}/next", s.handleNext).Methods("GET")
	api.HandleFunc("/families/{id}/swipes", s.handleSwipe).Methods("POST")
	api.HandleFunc("/families/{id}/matches", s.handleMatches).Methods("GET")
	api.HandleFunc("/families/{id}/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/families/{id}/reset-daily", s.handleResetDaily).Methods("POST")
	api.HandleFunc("/groups", s.handleFormGroup).Methods("POST")
	api.HandleFunc("/groups/{group_id}", s.handleGetGroup).Methods("GET")
	ws.HandleFunc("/{family_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleUpsertFamily(w http.ResponseWriter, r *http.Request) {
	var f models.Family
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	f.ID = mux.Vars(r)["id"]
	if err := ingest.ValidateProfile(f); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	// with Kafka configured the consumer owns the profile store
	if s.Publisher != nil {
		if err := s.Publisher.PublishProfile(r.Context(), f); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, f)
		return
	}
	if err := s.Carpool.UpsertFamily(r.Context(), f); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var home models.Coord
	if err := json.NewDecoder(r.Body).Decode(&home); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Carpool.UpdateLocation(r.Context(), id, home); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, r, id)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.Carpool.Preferences(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	var p models.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Carpool.SetPreferences(r.Context(), id, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, r, id)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	res, err := s.Carpool.NextCandidate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type swipeRequest struct {
	CandidateID string           `json:"candidate_id"`
	Direction   models.Direction `json:"direction"`
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var req swipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if req.CandidateID == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("candidate_id is required"))
		return
	}
	res, err := s.Carpool.Swipe(r.Context(), mux.Vars(r)["id"], req.CandidateID, req.Direction)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == carpool.OutcomeOutOfBudget {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Carpool.Matches(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ms == nil {
		ms = []models.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": ms})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, mux.Vars(r)["id"])
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	st, err := s.Carpool.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	st, err := s.Carpool.ResetDaily(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type formGroupRequest struct {
	AdminID  string   `json:"admin_id"`
	MatchIDs []string `json:"match_ids"`
	Name     string   `json:"name"`
}

func (s *Server) handleFormGroup(w http.ResponseWriter, r *http.Request) {
	var req formGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if c, ok := claimsFromContext(r.Context()); ok {
		if req.AdminID == "" {
			req.AdminID = c.FamilyID
		}
		if req.AdminID != c.FamilyID {
			writeJSONError(w, http.StatusForbidden, errors.New("token does not belong to the admin family"))
			return
		}
	}
	if req.AdminID == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("admin_id is required"))
		return
	}
	g, err := s.Carpool.FormGroup(r.Context(), req.AdminID, req.MatchIDs, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.Carpool.Group(r.Context(), mux.Vars(r)["group_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c, ok := claimsFromContext(r.Context()); ok && !isMember(g, c.FamilyID) {
		writeJSONError(w, http.StatusForbidden, errors.New("not a member of this group"))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["family_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Remove(id, conn)
			_ = conn.Close()
		}()
		// drain until the client goes away so closes are noticed
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, group.ErrDuplicateGroup):
		body := map[string]any{"error": err.Error()}
		if g, ok := group.ExistingGroup(err); ok {
			body["group"] = g
		}
		writeJSON(w, http.StatusConflict, body)
		return
	case errors.Is(err, swipe.ErrNotInQueue):
		status = http.StatusConflict
	case errors.Is(err, swipe.ErrInvalidDirection),
		errors.Is(err, carpool.ErrInvalidPreferences),
		errors.Is(err, ingest.ErrInvalidProfile),
		errors.Is(err, match.ErrSelfMatch),
		errors.Is(err, match.ErrEmptyID):
		status = http.StatusBadRequest
	case errors.Is(err, carpool.ErrUnknownFamily),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, match.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, carpool.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, carpool.ErrLocationUnavailable):
		status = http.StatusFailedDependency
	case errors.Is(err, group.ErrInsufficientCapacity),
		errors.Is(err, group.ErrNoMatchesProvided),
		errors.Is(err, group.ErrNotMatched):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSONError(w, status, errors.New("internal error"))
		return
	}
	writeJSONError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func isMember(g models.CarpoolGroup, familyID string) bool {
	for _, m := range g.Members {
		if m.FamilyID == familyID {
			return true
		}
	}
	return false
}

func newID() string { return uuid.NewString() }
