package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-convoy/internal/dispatch"
	"github.com/example/ride-convoy/internal/feed"
	"github.com/example/ride-convoy/internal/geo"
	"github.com/example/ride-convoy/internal/ingest"
	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/observability"
	"github.com/example/ride-convoy/internal/roster"
	"github.com/example/ride-convoy/internal/session"
)

type Server struct {
	Roster   *roster.Coordinator
	Sessions *session.Manager
	Kafka    *ingest.KafkaProducer
	Feed     feed.Publisher
	WSReg    *dispatch.WSRegistry
	Geo      geo.Index

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(rc *roster.Coordinator, mgr *session.Manager, kp *ingest.KafkaProducer, pub feed.Publisher, wsreg *dispatch.WSRegistry, gidx geo.Index, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Roster:   rc,
		Sessions: mgr,
		Kafka:    kp,
		Feed:     pub,
		WSReg:    wsreg,
		Geo:      gidx,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/sessions", s.handleCreateSession).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}", s.handleEndSession).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/join", s.handleJoin).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/roster", s.handleRoster).Methods("GET")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/participants/{participant_id}/approve", s.handleApprove).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/participants/{participant_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/leave", s.handleLeave).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/tracking", s.handleTracking).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/pause", s.handlePause).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/destination", s.handleShareDestination).Methods("PUT")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/destination", s.handleCancelDestination).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/route/retry", s.handleRouteRetry).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/navigation/start", s.handleNavStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/navigation/stop", s.handleNavStop).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/navigation/pause", s.handleNavPause).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/navigation/resume", s.handleNavResume).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/navigation/{user_id}", s.handleNavProgress).Methods("GET")
	s.mux.HandleFunc("/api/v1/sessions/{session_id}/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/internal/member/locations", s.handleMemberLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{session_id}/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		LeaderID  string `json:"leader_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.LeaderID == "" {
		http.Error(w, "leader_id required", 400)
		return
	}
	if req.SessionID == "" {
		req.SessionID = newID()
	}
	if _, err := s.Sessions.Create(r.Context(), req.SessionID, req.LeaderID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 201, map[string]any{"session_id": req.SessionID, "leader_id": req.LeaderID})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.End(mux.Vars(r)["session_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	var req struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
		PhotoURL    string `json:"photo_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id required", 400)
		return
	}
	p, err := s.Roster.RequestJoin(r.Context(), sessionID, req.UserID, req.DisplayName, req.PhotoURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 202, p)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	list, err := s.Roster.Roster(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, list)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.Roster.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.Roster.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, participantID, actorID string) error) {
	participantID := mux.Vars(r)["participant_id"]
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := op(r.Context(), participantID, req.ActorID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.Roster.Leave(r.Context(), sessionID, req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	var req struct {
		UserID string `json:"user_id"`
		Active bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.Roster.SetTrackingActive(r.Context(), sessionID, req.UserID, req.Active); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// handlePause is the member's explicit pause toggle. Samples in flight keep
// carrying their own flag; the hub resolves the race by write order.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	ctrl, ok := s.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Paused bool   `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id required", 400)
		return
	}
	ctrl.SetPaused(req.UserID, req.Paused)
	w.WriteHeader(204)
}

func (s *Server) handleShareDestination(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	ctrl, ok := s.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	var req struct {
		ActorID  string       `json:"actor_id"`
		Dest     models.Coord `json:"dest"`
		DestName string       `json:"dest_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := ctrl.RouteShare.ShareDestination(r.Context(), req.Dest, req.DestName, req.ActorID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleCancelDestination(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	ctrl, ok := s.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	actorID := r.URL.Query().Get("actor_id")
	if err := ctrl.RouteShare.CancelDestination(r.Context(), actorID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleRouteRetry(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	ctrl, ok := s.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ctrl.RetryRoute(req.UserID)
	w.WriteHeader(202)
}

func (s *Server) handleNavStart(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	ctrl, ok := s.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	m, err := ctrl.StartNavigation(req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, m.Progress())
}

func (s *Server) handleNavStop(w http.ResponseWriter, r *http.Request) {
	s.withMachineUser(w, r, func(ctrl *session.Controller, userID string) {
		ctrl.StopNavigation(userID)
		w.WriteHeader(204)
	})
}

func (s *Server) handleNavPause(w http.ResponseWriter, r *http.Request) {
	s.withMachineUser(w, r, func(ctrl *session.Controller, userID string) {
		m, ok := ctrl.Machine(userID)
		if !ok {
			http.Error(w, "no active navigation", 404)
			return
		}
		m.Pause()
		w.WriteHeader(204)
	})
}

func (s *Server) handleNavResume(w http.ResponseWriter, r *http.Request) {
	s.withMachineUser(w, r, func(ctrl *session.Controller, userID string) {
		m, ok := ctrl.Machine(userID)
		if !ok {
			http.Error(w, "no active navigation", 404)
			return
		}
		m.Resume()
		w.WriteHeader(204)
	})
}

func (s *Server) withMachineUser(w http.ResponseWriter, r *http.Request, fn func(ctrl *session.Controller, userID string)) {
	sessionID := mux.Vars(r)["session_id"]
	ctrl, ok := s.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	fn(ctrl, req.UserID)
}

func (s *Server) handleNavProgress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctrl, ok := s.Sessions.Get(vars["session_id"])
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	m, ok := ctrl.Machine(vars["user_id"])
	if !ok {
		http.Error(w, "no active navigation", 404)
		return
	}
	writeJSON(w, 200, m.Progress())
}

// handleNearby lists session members within radius_m of the given point,
// nearest first, from the last-known-position index.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.Geo == nil {
		http.Error(w, "no location index", 503)
		return
	}
	sessionID := mux.Vars(r)["session_id"]
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon required", 400)
		return
	}
	radius := 1000.0
	if v := q.Get("radius_m"); v != "" {
		if radius, err1 = strconv.ParseFloat(v, 64); err1 != nil || radius <= 0 {
			http.Error(w, "invalid radius_m", 400)
			return
		}
	}
	center := models.Coord{Lat: lat, Lon: lon}

	type nearbyMember struct {
		models.LocationSample
		DistanceMeters float64 `json:"distance_m"`
	}
	var out []nearbyMember
	for _, sample := range s.Geo.Snapshot(sessionID) {
		if d := geo.Distance(center, sample.Loc); d <= radius {
			out = append(out, nearbyMember{LocationSample: sample, DistanceMeters: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	writeJSON(w, 200, out)
}

// handleMemberLocation ingests one sample. With Kafka wired it goes through
// the topic and the consumer owns the index write; otherwise the sample is
// published straight onto the feed for single-node runs.
func (s *Server) handleMemberLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if sample.SessionID == "" || sample.UserID == "" {
		http.Error(w, "session_id and user_id required", 400)
		return
	}
	observability.SamplesIngestedTotal.Inc()
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(sample); err != nil {
			s.logger.Warn("kafka publish failed", "session", sample.SessionID, "user", sample.UserID, "error", err)
			http.Error(w, "ingest unavailable", 503)
			return
		}
	} else if s.Feed != nil {
		if err := s.Feed.Publish(r.Context(), feed.Event{
			Kind: feed.KindLocation, SessionID: sample.SessionID, Location: &sample,
		}); err != nil {
			s.writeError(w, err)
			return
		}
	}
	w.WriteHeader(204)
}

var upgrader = websocket.Upgrader{}

// handleWS upgrades the rider's socket and immediately pushes the last-known
// marker snapshot so a reconnecting client renders without waiting for the
// next change.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, userID := vars["session_id"], vars["user_id"]
	ctrl, ok := s.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", 404)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	s.WSReg.Add(sessionID, userID, conn)
	_ = s.WSReg.SendTo(sessionID, userID, dispatch.Frame{Type: "markers", Markers: ctrl.Hub.Snapshot()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrPermissionDenied):
		http.Error(w, err.Error(), 403)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), 404)
	case errors.Is(err, models.ErrAlreadyDecided):
		http.Error(w, err.Error(), 409)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", 500)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
