package dispatch

import (
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-convoy/internal/models"
)

// Frame is one push to a connected rider.
type Frame struct {
	Type         string                    `json:"type"` // markers, destination, announcement, route
	Markers      []models.Marker           `json:"markers,omitempty"`
	Destination  *models.SharedDestination `json:"destination,omitempty"`
	Route        *models.Route             `json:"route,omitempty"`
	Announcement *Announcement             `json:"announcement,omitempty"`
}

type Announcement struct {
	Kind           string  `json:"kind"` // instruction, arrival
	Text           string  `json:"text,omitempty"`
	DistanceMeters float64 `json:"distance_m,omitempty"`
}

// WSSession is one connected rider client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(f)
}

// WSRegistry holds rider sessions grouped by convoy session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*WSSession // sessionID → userID → conn
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[string]*WSSession)}
}

func (r *WSRegistry) Add(sessionID, userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[string]*WSSession)
	}
	r.sessions[sessionID][userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byUser, ok := r.sessions[sessionID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

// Broadcast pushes a frame to every client of the session, best effort.
func (r *WSRegistry) Broadcast(sessionID string, f Frame) {
	r.mu.RLock()
	byUser := make([]*WSSession, 0, len(r.sessions[sessionID]))
	for _, s := range r.sessions[sessionID] {
		byUser = append(byUser, s)
	}
	r.mu.RUnlock()
	for _, s := range byUser {
		if err := s.Send(f); err != nil {
			log.Printf("ws send error: %v", err)
		}
	}
}

// SendTo pushes a frame to one rider.
func (r *WSRegistry) SendTo(sessionID, userID string, f Frame) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID][userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(f); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

var ErrNoSession = errors.New("no ws session")

// WSAnnouncer delivers guidance announcements to one rider over its socket.
// Implements the announce.Sink contract: failures are swallowed, a dead
// socket never disturbs navigation state.
type WSAnnouncer struct {
	Registry  *WSRegistry
	SessionID string
	UserID    string
}

func (a *WSAnnouncer) AnnounceInstruction(text string, distanceMeters float64) {
	_ = a.Registry.SendTo(a.SessionID, a.UserID, Frame{
		Type:         "announcement",
		Announcement: &Announcement{Kind: "instruction", Text: text, DistanceMeters: distanceMeters},
	})
}

func (a *WSAnnouncer) AnnounceArrival() {
	_ = a.Registry.SendTo(a.SessionID, a.UserID, Frame{
		Type:         "announcement",
		Announcement: &Announcement{Kind: "arrival"},
	})
}

func (a *WSAnnouncer) Stop() {}
