package hub

import (
	"sort"
	"sync"

	"github.com/example/ride-convoy/internal/models"
	"github.com/example/ride-convoy/internal/observability"
)

// Hub reconciles two independently-arriving feeds, the participant roster
// and raw location samples, into one renderable marker set for the session.
//
// It never renders a sample for a user absent from the roster. Samples that
// arrive before the first roster load are buffered and replayed once the
// roster is ready. External markers, like the shared-destination pin, live
// in the same set but are owned by their publishers: the merge is a union by
// key, never a wholesale replace.
//
// Every applied mutation is stamped with a local monotonic sequence number;
// a user's paused flag belongs to the highest stamp, so roster and location
// updates that disagree within one reconciliation window resolve to the
// last write without comparing wall clocks from different sources.
type Hub struct {
	mu sync.Mutex

	rosterReady bool
	roster      map[string]*models.Participant // userID → approved, tracking participants
	pending     []models.LocationSample        // buffered before roster-ready

	locations map[string]models.LocationSample
	pausedSeq map[string]uint64 // stamp that owns each user's paused flag
	paused    map[string]bool
	external  map[string]models.Marker

	seq      uint64
	onChange func()
}

func New() *Hub {
	return &Hub{
		roster:    make(map[string]*models.Participant),
		locations: make(map[string]models.LocationSample),
		pausedSeq: make(map[string]uint64),
		paused:    make(map[string]bool),
		external:  make(map[string]models.Marker),
	}
}

// OnChange registers a callback fired, outside the hub lock, after every
// mutation that changed the renderable set.
func (h *Hub) OnChange(fn func()) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Ready reports whether the first roster load has completed.
func (h *Hub) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterReady
}

// ApplyRoster installs the new participant set, marks the hub ready on the
// first call, drops cached samples for users no longer present and replays
// any samples buffered while the roster was loading.
func (h *Hub) ApplyRoster(participants []*models.Participant) {
	h.mu.Lock()
	h.seq++

	next := make(map[string]*models.Participant, len(participants))
	for _, p := range participants {
		if p.ApprovalState != models.ApprovalApproved || !p.TrackingActive {
			continue
		}
		cp := *p
		next[p.UserID] = &cp
	}
	h.roster = next

	// orphan suppression: a user gone from the roster loses its sample
	for userID := range h.locations {
		if _, ok := next[userID]; !ok {
			delete(h.locations, userID)
			delete(h.paused, userID)
			delete(h.pausedSeq, userID)
		}
	}

	firstLoad := !h.rosterReady
	h.rosterReady = true

	if firstLoad && len(h.pending) > 0 {
		buffered := h.pending
		h.pending = nil
		for _, s := range buffered {
			h.applySampleLocked(s)
		}
	}
	cb := h.onChange
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ApplyLocation merges one sample. Before roster-ready it is buffered, not
// discarded; afterwards last arrival wins unconditionally, timestamps are
// never compared.
func (h *Hub) ApplyLocation(s models.LocationSample) {
	h.mu.Lock()
	if !h.rosterReady {
		h.pending = append(h.pending, s)
		observability.SamplesBufferedTotal.Inc()
		h.mu.Unlock()
		return
	}
	h.seq++
	changed := h.applySampleLocked(s)
	cb := h.onChange
	h.mu.Unlock()
	if changed && cb != nil {
		cb()
	}
}

func (h *Hub) applySampleLocked(s models.LocationSample) bool {
	if _, ok := h.roster[s.UserID]; !ok {
		observability.OrphanSamplesTotal.Inc()
		return false
	}
	h.locations[s.UserID] = s
	if h.seq >= h.pausedSeq[s.UserID] {
		h.paused[s.UserID] = s.Paused
		h.pausedSeq[s.UserID] = h.seq
	}
	return true
}

// SetPaused records a pause-state change from the roster side, competing for
// the flag under the same sequence stamps as location samples.
func (h *Hub) SetPaused(userID string, paused bool) {
	h.mu.Lock()
	h.seq++
	h.paused[userID] = paused
	h.pausedSeq[userID] = h.seq
	cb := h.onChange
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SetExternalMarker upserts an externally-owned marker (e.g. the shared
// destination pin).
func (h *Hub) SetExternalMarker(m models.Marker) {
	m.External = true
	h.mu.Lock()
	h.seq++
	h.external[m.Key] = m
	cb := h.onChange
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// RemoveExternalMarker drops an externally-owned marker by key.
func (h *Hub) RemoveExternalMarker(key string) {
	h.mu.Lock()
	h.seq++
	delete(h.external, key)
	cb := h.onChange
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Location returns the user's current sample, if one is rendered.
func (h *Hub) Location(userID string) (models.LocationSample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.locations[userID]
	return s, ok
}

// Snapshot returns the current renderable set: participant markers for every
// rostered user with a sample, unioned with the external markers. Sorted by
// key for stable output.
func (h *Hub) Snapshot() []models.Marker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Marker, 0, len(h.locations)+len(h.external))
	for userID, s := range h.locations {
		p := h.roster[userID]
		out = append(out, models.Marker{
			Key:         "user:" + userID,
			UserID:      userID,
			DisplayName: p.DisplayName,
			Loc:         s.Loc,
			Paused:      h.paused[userID],
			ColorIndex:  p.ColorIndex,
			HeadingDeg:  s.HeadingDeg,
		})
	}
	for _, m := range h.external {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
