package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-convoy/internal/models"
)

// Index is the minimal interface the server needs for last-known member
// positions within a session.
type Index interface {
	Upsert(sample models.LocationSample)
	Snapshot(sessionID string) []models.LocationSample
	Remove(sessionID, userID string)
}

// MemoryIndex keeps last-known positions per (session, user) in memory. Used
// when no Redis address is configured.
type MemoryIndex struct {
	mu      sync.RWMutex
	samples map[string]map[string]models.LocationSample // sessionID → userID → sample
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{samples: make(map[string]map[string]models.LocationSample)}
}

func (m *MemoryIndex) Upsert(sample models.LocationSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = time.Now()
	}
	byUser := m.samples[sample.SessionID]
	if byUser == nil {
		byUser = make(map[string]models.LocationSample)
		m.samples[sample.SessionID] = byUser
	}
	byUser[sample.UserID] = sample
}

// Remove drops a member's last-known position, e.g. on leave.
func (m *MemoryIndex) Remove(sessionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byUser, ok := m.samples[sessionID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(m.samples, sessionID)
		}
	}
}

func (m *MemoryIndex) Snapshot(sessionID string) []models.LocationSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byUser := m.samples[sessionID]
	out := make([]models.LocationSample, 0, len(byUser))
	for _, s := range byUser {
		out = append(out, s)
	}
	return out
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coord pairs.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// DistanceToSegment returns the distance in meters from p to segment ab,
// using an equirectangular projection around p. Good enough at street scale.
func DistanceToSegment(p, a, b models.Coord) float64 {
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	const mPerDeg = 111320.0
	ax := (a.Lon - p.Lon) * cosLat * mPerDeg
	ay := (a.Lat - p.Lat) * mPerDeg
	bx := (b.Lon - p.Lon) * cosLat * mPerDeg
	by := (b.Lat - p.Lat) * mPerDeg
	dx, dy := bx-ax, by-ay
	segLenSq := dx*dx + dy*dy
	if segLenSq == 0 {
		return math.Hypot(ax, ay)
	}
	t := -(ax*dx + ay*dy) / segLenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(ax+t*dx, ay+t*dy)
}

// DistanceToPolyline returns the minimum distance in meters from p to the
// polyline. A single-point polyline degenerates to point distance; an empty
// one returns +Inf.
func DistanceToPolyline(p models.Coord, line []models.Coord) float64 {
	switch len(line) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, line[0])
	}
	min := math.Inf(1)
	for i := 0; i < len(line)-1; i++ {
		if d := DistanceToSegment(p, line[i], line[i+1]); d < min {
			min = d
		}
	}
	return min
}
