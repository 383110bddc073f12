package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-convoy/internal/dispatch"
	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/geo"
	"github.com/example/ride-convoy/internal/logging"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/retry"
	"github.com/example/ride-convoy/internal/roster"
	"github.com/example/ride-convoy/internal/session"
	"github.com/example/ride-convoy/internal/storage"
)

type stubRouting struct{}

func (stubRouting) ComputeRoute(ctx context.Context, origin, dest models.Coord) (*models.Route, error) {
	return &models.Route{
		Origin: origin, Destination: dest,
		Steps:          []models.NavigationStep{{StartLoc: origin, EndLoc: dest, InstructionText: "Head to destination"}},
		DistanceMeters: 1200,
	}, nil
}

type stubImages struct{}

func (stubImages) Fetch(ctx context.Context, url string) ([]byte, error) {
	return []byte("png"), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	f := feed.NewMemoryFeed()
	logger := logging.NewNopLogger()
	rc := roster.NewCoordinator(store, f, logger)
	gidx := geo.NewMemoryIndex()
	wsreg := dispatch.NewWSRegistry()
	mgr := session.NewManager(session.ManagerDeps{
		Roster:      rc,
		DestStore:   store,
		Feed:        f,
		Subscriber:  f,
		Routing:     stubRouting{},
		ImageSource: stubImages{},
		Registry:    wsreg,
		Geo:         gidx,
		Retry:       retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
		Logger:      logger,
	})
	t.Cleanup(mgr.Close)
	return NewServer(rc, mgr, nil, f, wsreg, gidx, logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, srv *Server) string {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]string{
		"session_id": "s1", "leader_id": "leader",
	})
	if w.Code != 201 {
		t.Fatalf("create session: status %d body %s", w.Code, w.Body.String())
	}
	return "s1"
}

func TestCreateSessionRequiresLeader(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]string{})
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestJoinApproveFlow(t *testing.T) {
	srv := newTestServer(t)
	sid := createSession(t, srv)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sid+"/join", map[string]string{
		"user_id": "alice", "display_name": "Alice",
	})
	if w.Code != 202 {
		t.Fatalf("join: status %d body %s", w.Code, w.Body.String())
	}
	var p models.Participant
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode participant: %v", err)
	}
	if p.ApprovalState != models.ApprovalPending {
		t.Fatalf("expected pending, got %s", p.ApprovalState)
	}

	// non-leader approval is forbidden
	w = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sid+"/participants/"+p.ID+"/approve", map[string]string{"actor_id": "alice"})
	if w.Code != 403 {
		t.Fatalf("expected 403 for non-leader, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sid+"/participants/"+p.ID+"/approve", map[string]string{"actor_id": "leader"})
	if w.Code != 204 {
		t.Fatalf("approve: status %d body %s", w.Code, w.Body.String())
	}

	// a second decision on the settled record conflicts
	w = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sid+"/participants/"+p.ID+"/reject", map[string]string{"actor_id": "leader"})
	if w.Code != 409 {
		t.Fatalf("expected 409 on settled record, got %d", w.Code)
	}
}

func TestRosterListsParticipants(t *testing.T) {
	srv := newTestServer(t)
	sid := createSession(t, srv)
	doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sid+"/join", map[string]string{"user_id": "alice"})

	w := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+sid+"/roster", nil)
	if w.Code != 200 {
		t.Fatalf("roster: status %d", w.Code)
	}
	var list []models.Participant
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(list) != 2 { // leader plus alice
		t.Fatalf("expected 2 participants, got %d", len(list))
	}
}

func TestShareDestinationLeaderOnly(t *testing.T) {
	srv := newTestServer(t)
	sid := createSession(t, srv)

	w := doJSON(t, srv, http.MethodPut, "/api/v1/sessions/"+sid+"/destination", map[string]any{
		"actor_id": "mallory", "dest": models.Coord{Lat: 37.5, Lon: -122.5}, "dest_name": "Vista Point",
	})
	if w.Code != 403 {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPut, "/api/v1/sessions/"+sid+"/destination", map[string]any{
		"actor_id": "leader", "dest": models.Coord{Lat: 37.5, Lon: -122.5}, "dest_name": "Vista Point",
	})
	if w.Code != 204 {
		t.Fatalf("share: status %d body %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+sid+"/destination?actor_id=leader", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != 204 {
		t.Fatalf("cancel: status %d", rec.Code)
	}
}

func TestMemberLocationValidation(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/internal/member/locations", map[string]any{
		"user_id": "alice",
	})
	if w.Code != 400 {
		t.Fatalf("expected 400 without session_id, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/internal/member/locations", models.LocationSample{
		SessionID: "s1", UserID: "alice", Loc: models.Coord{Lat: 1, Lon: 2}, ObservedAt: time.Now(),
	})
	if w.Code != 204 {
		t.Fatalf("ingest: status %d body %s", w.Code, w.Body.String())
	}
}

func TestPauseToggle(t *testing.T) {
	srv := newTestServer(t)
	sid := createSession(t, srv)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/nope/pause", map[string]any{"user_id": "alice", "paused": true})
	if w.Code != 404 {
		t.Fatalf("expected 404 for unknown session, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sid+"/pause", map[string]any{"paused": true})
	if w.Code != 400 {
		t.Fatalf("expected 400 without user_id, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+sid+"/pause", map[string]any{"user_id": "leader", "paused": true})
	if w.Code != 204 {
		t.Fatalf("pause: status %d body %s", w.Code, w.Body.String())
	}
}

func TestNearbyValidation(t *testing.T) {
	srv := newTestServer(t)
	sid := createSession(t, srv)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+sid+"/nearby", nil)
	if w.Code != 400 {
		t.Fatalf("expected 400 without coordinates, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+sid+"/nearby?lat=37.0&lon=-122.0&radius_m=500", nil)
	if w.Code != 200 {
		t.Fatalf("nearby: status %d body %s", w.Code, w.Body.String())
	}
}

func TestNavProgressUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/nope/navigation/alice", nil)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if w.Code != 200 {
		t.Fatalf("healthz: status %d", w.Code)
	}
}
