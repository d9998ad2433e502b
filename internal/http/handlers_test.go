package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/school-carpool/internal/carpool"
	"github.com/example/school-carpool/internal/dispatch"
	"github.com/example/school-carpool/internal/geo"
	"github.com/example/school-carpool/internal/group"
	"github.com/example/school-carpool/internal/match"
	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/storage"
	"github.com/example/school-carpool/internal/testutil"
)

func newTestServer(t *testing.T, opts carpool.Options, auth *TokenAuth) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := match.NewRegistry(match.NewMemoryPairStore(), nil, nil)
	opts.Location = time.UTC
	opts.Log = store
	opts.History = store
	svc := carpool.NewService(geo.NewIndex(), reg, group.NewService(reg, store, nil), opts)
	return NewServer(svc, nil, nil, auth, nil)
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func putFamilies(t *testing.T, h http.Handler, fams ...models.Family) {
	t.Helper()
	for _, f := range fams {
		if rec, _ := do(t, h, "PUT", "/api/v1/families/"+f.ID, f, ""); rec.Code != http.StatusOK {
			t.Fatalf("put %s: %d %s", f.ID, rec.Code, rec.Body.String())
		}
	}
}

func swipeHTTP(t *testing.T, h http.Handler, from, to string, dir models.Direction) (int, map[string]any) {
	t.Helper()
	rec, body := do(t, h, "POST", "/api/v1/families/"+from+"/swipes", swipeRequest{CandidateID: to, Direction: dir}, "")
	return rec.Code, body
}

func TestSwipeToGroupOverHTTP(t *testing.T) {
	s := newTestServer(t, carpool.Options{}, nil)
	putFamilies(t, s,
		testutil.Driver("A", testutil.Canberra, 3),
		testutil.Family("B", testutil.Offset(testutil.Canberra, 150, 0)),
	)

	rec, next := do(t, s, "GET", "/api/v1/families/A/next", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("next: %d %s", rec.Code, rec.Body.String())
	}
	cand, _ := next["candidate"].(map[string]any)
	if fam, _ := cand["family"].(map[string]any); fam["id"] != "B" {
		t.Fatalf("expected B as next candidate, got %v", next)
	}

	if code, body := swipeHTTP(t, s, "A", "B", models.Accept); code != http.StatusOK || body["outcome"] != "pending" {
		t.Fatalf("A->B: %d %v", code, body)
	}
	code, body := swipeHTTP(t, s, "B", "A", models.Accept)
	if code != http.StatusOK || body["outcome"] != "matched" {
		t.Fatalf("B->A: %d %v", code, body)
	}
	matchID := body["match"].(map[string]any)["id"].(string)

	if _, ms := do(t, s, "GET", "/api/v1/families/A/matches", nil, ""); len(ms["matches"].([]any)) != 1 {
		t.Fatalf("expected one match, got %v", ms)
	}

	rec, g := do(t, s, "POST", "/api/v1/groups", formGroupRequest{AdminID: "A", MatchIDs: []string{matchID}}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("form group: %d %s", rec.Code, rec.Body.String())
	}
	if g["name"] != "Lyneham Primary carpool" {
		t.Fatalf("unexpected name %v", g["name"])
	}
	if rec, got := do(t, s, "GET", "/api/v1/groups/"+g["id"].(string), nil, ""); rec.Code != http.StatusOK || got["id"] != g["id"] {
		t.Fatalf("get group: %d %v", rec.Code, got)
	}
}

func TestSwipeErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t, carpool.Options{DailyLimit: 1}, nil)
	putFamilies(t, s,
		testutil.Family("me", testutil.Canberra),
		testutil.Family("x", testutil.Offset(testutil.Canberra, 100, 0)),
		testutil.Family("y", testutil.Offset(testutil.Canberra, 200, 0)),
	)

	if code, body := swipeHTTP(t, s, "me", "x", "sideways"); code != http.StatusBadRequest {
		t.Fatalf("bad direction: %d %v", code, body)
	}
	if code, _ := swipeHTTP(t, s, "me", "x", models.Reject); code != http.StatusOK {
		t.Fatalf("first swipe: %d", code)
	}
	code, body := swipeHTTP(t, s, "me", "y", models.Accept)
	if code != http.StatusTooManyRequests || body["outcome"] != "out_of_budget" {
		t.Fatalf("expected 429 out_of_budget, got %d %v", code, body)
	}
	if rec, _ := do(t, s, "GET", "/api/v1/families/ghost/next", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown family: %d", rec.Code)
	}

	_, st := do(t, s, "POST", "/api/v1/families/me/reset-daily", nil, "")
	if st["remaining"] != float64(1) {
		t.Fatalf("expected budget restored, got %v", st)
	}
	if code, _ := swipeHTTP(t, s, "me", "nobody", models.Accept); code != http.StatusConflict {
		t.Fatalf("unqueued candidate: expected 409, got %d", code)
	}
	// x was rejected before the reset and is eligible again
	if code, body := swipeHTTP(t, s, "me", "x", models.Accept); code != http.StatusOK || body["outcome"] != "pending" {
		t.Fatalf("re-admitted candidate: expected 200 pending, got %d %v", code, body)
	}
}

func TestInvalidProfileRejected(t *testing.T) {
	s := newTestServer(t, carpool.Options{}, nil)
	f := testutil.Family("bad", testutil.Canberra)
	f.Rating = 7
	if rec, _ := do(t, s, "PUT", "/api/v1/families/bad", f, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func matchPair(t *testing.T, h http.Handler, a, b string) string {
	t.Helper()
	swipeHTTP(t, h, a, b, models.Accept)
	code, body := swipeHTTP(t, h, b, a, models.Accept)
	if code != http.StatusOK || body["outcome"] != "matched" {
		t.Fatalf("%s<->%s: %d %v", a, b, code, body)
	}
	return body["match"].(map[string]any)["id"].(string)
}

func TestGroupFormationErrors(t *testing.T) {
	s := newTestServer(t, carpool.Options{}, nil)
	putFamilies(t, s,
		testutil.Driver("A", testutil.Canberra, 3),
		testutil.Family("B", testutil.Offset(testutil.Canberra, 100, 0)),
		testutil.Family("C", testutil.Offset(testutil.Canberra, 0, 100)),
		testutil.Family("P", testutil.Offset(testutil.Canberra, 50, 50)),
	)
	ab := matchPair(t, s, "A", "B")
	ac := matchPair(t, s, "A", "C")
	pb := matchPair(t, s, "P", "B")

	rec, _ := do(t, s, "POST", "/api/v1/groups", formGroupRequest{AdminID: "P", MatchIDs: []string{pb}}, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("no drivers: expected 422, got %d %s", rec.Code, rec.Body.String())
	}
	if rec, _ := do(t, s, "POST", "/api/v1/groups", formGroupRequest{AdminID: "A"}, ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("no matches: expected 422, got %d", rec.Code)
	}

	rec, first := do(t, s, "POST", "/api/v1/groups", formGroupRequest{AdminID: "A", MatchIDs: []string{ab}}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("form: %d %s", rec.Code, rec.Body.String())
	}
	rec, dup := do(t, s, "POST", "/api/v1/groups", formGroupRequest{AdminID: "A", MatchIDs: []string{ab, ac}}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("overlap: expected 409, got %d %s", rec.Code, rec.Body.String())
	}
	if existing, _ := dup["group"].(map[string]any); existing["id"] != first["id"] {
		t.Fatalf("expected conflicting group in body, got %v", dup)
	}
}

func TestTokenAuth(t *testing.T) {
	auth := NewTokenAuth("test-secret")
	s := newTestServer(t, carpool.Options{}, auth)
	tokenA, err := auth.Issue("A", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	a := testutil.Driver("A", testutil.Canberra, 2)

	if rec, _ := do(t, s, "PUT", "/api/v1/families/A", a, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec, _ := do(t, s, "PUT", "/api/v1/families/A", a, "not-a-token"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rec.Code)
	}
	if rec, _ := do(t, s, "PUT", "/api/v1/families/B", testutil.Family("B", testutil.Canberra), tokenA); rec.Code != http.StatusForbidden {
		t.Fatalf("other family: expected 403, got %d", rec.Code)
	}
	if rec, _ := do(t, s, "PUT", "/api/v1/families/A", a, tokenA); rec.Code != http.StatusOK {
		t.Fatalf("own family: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec, _ := do(t, s, "POST", "/api/v1/groups", formGroupRequest{AdminID: "B"}, tokenA); rec.Code != http.StatusForbidden {
		t.Fatalf("group for another admin: expected 403, got %d", rec.Code)
	}
	if rec, _ := do(t, s, "GET", "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
}

func TestMatchPushedOverWebsocket(t *testing.T) {
	store := storage.NewMemoryStore()
	ws := dispatch.NewWSRegistry()
	reg := match.NewRegistry(match.NewMemoryPairStore(), ws, nil)
	svc := carpool.NewService(geo.NewIndex(), reg, group.NewService(reg, store, nil), carpool.Options{Location: time.UTC, Log: store})
	s := NewServer(svc, ws, nil, nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	putFamilies(t, s,
		testutil.Driver("A", testutil.Canberra, 2),
		testutil.Family("B", testutil.Offset(testutil.Canberra, 100, 0)),
	)
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/B", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	// registration happens after the handshake completes
	deadline := time.Now().Add(time.Second)
	for ws.Send("B", map[string]string{"type": "hello"}) != nil {
		if time.Now().After(deadline) {
			t.Fatalf("websocket session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	swipeHTTP(t, s, "A", "B", models.Accept)
	if code, _ := swipeHTTP(t, s, "B", "A", models.Accept); code != http.StatusOK {
		t.Fatalf("B->A: %d", code)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg struct {
			Type  string            `json:"type"`
			Match models.MatchEvent `json:"match"`
		}
		if err := client.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != "match.created" {
			continue
		}
		if msg.Match.FamilyA != "A" || msg.Match.FamilyB != "B" {
			t.Fatalf("unexpected event %+v", msg.Match)
		}
		return
	}
}
