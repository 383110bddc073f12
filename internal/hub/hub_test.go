package hub

import (
	"testing"

	"github.com/example/ride-convoy/internal/models"
)

func approved(userID string) *models.Participant {
	return &models.Participant{
		UserID:         userID,
		ApprovalState:  models.ApprovalApproved,
		TrackingActive: true,
	}
}

func sample(userID string, lat, lon float64) models.LocationSample {
	return models.LocationSample{UserID: userID, Loc: models.Coord{Lat: lat, Lon: lon}}
}

func find(markers []models.Marker, key string) (models.Marker, bool) {
	for _, m := range markers {
		if m.Key == key {
			return m, true
		}
	}
	return models.Marker{}, false
}

func TestBufferedSamplesReplayOnRosterReady(t *testing.T) {
	h := New()
	h.ApplyLocation(sample("u1", 1, 1))
	h.ApplyLocation(sample("u2", 2, 2))
	if len(h.Snapshot()) != 0 {
		t.Fatal("nothing should render before roster-ready")
	}

	h.ApplyRoster([]*models.Participant{approved("u1"), approved("u2")})
	snap := h.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected buffered samples reflected, got %d markers", len(snap))
	}
}

func TestOrphanSuppression(t *testing.T) {
	h := New()
	h.ApplyRoster([]*models.Participant{approved("u1")})
	h.ApplyLocation(sample("u1", 1, 1))
	h.ApplyLocation(sample("ghost", 9, 9))

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "u1" {
		t.Fatalf("orphan sample rendered: %+v", snap)
	}

	// u1 drops off the roster; its cached sample goes with it
	h.ApplyRoster(nil)
	if len(h.Snapshot()) != 0 {
		t.Fatal("expected removed user's marker dropped")
	}
}

func TestRosterWithoutSampleIsAbsentNotError(t *testing.T) {
	h := New()
	h.ApplyRoster([]*models.Participant{approved("u1"), approved("u2")})
	h.ApplyLocation(sample("u1", 1, 1))
	snap := h.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected only users with samples rendered, got %d", len(snap))
	}
}

func TestLastArrivalWins(t *testing.T) {
	h := New()
	h.ApplyRoster([]*models.Participant{approved("u1")})
	older := sample("u1", 1, 1)
	newer := sample("u1", 2, 2)
	// the "newer" arrival carries an older observation timestamp on purpose
	h.ApplyLocation(older)
	h.ApplyLocation(newer)
	snap := h.Snapshot()
	if snap[0].Loc.Lat != 2 {
		t.Fatalf("expected last arrival to win, got %+v", snap[0])
	}
}

func TestExternalMarkersSurviveHubUpdates(t *testing.T) {
	h := New()
	h.ApplyRoster([]*models.Participant{approved("u1")})
	h.SetExternalMarker(models.Marker{Key: "dest", Loc: models.Coord{Lat: 5, Lon: 5}})
	h.ApplyLocation(sample("u1", 1, 1))
	h.ApplyRoster([]*models.Participant{approved("u1")})

	snap := h.Snapshot()
	if _, ok := find(snap, "dest"); !ok {
		t.Fatal("external marker destroyed by hub update")
	}
	if _, ok := find(snap, "user:u1"); !ok {
		t.Fatal("participant marker missing")
	}

	h.RemoveExternalMarker("dest")
	if _, ok := find(h.Snapshot(), "dest"); ok {
		t.Fatal("external marker not removed")
	}
}

func TestPausedLastWriteWinsBySequence(t *testing.T) {
	h := New()
	h.ApplyRoster([]*models.Participant{approved("u1")})

	s := sample("u1", 1, 1)
	s.Paused = true
	h.ApplyLocation(s)
	m, _ := find(h.Snapshot(), "user:u1")
	if !m.Paused {
		t.Fatal("expected paused from location sample")
	}

	// roster-side change arrives later, so it owns the flag
	h.SetPaused("u1", false)
	m, _ = find(h.Snapshot(), "user:u1")
	if m.Paused {
		t.Fatal("expected later roster write to win")
	}

	// and a yet-later sample takes it back
	s.Paused = true
	h.ApplyLocation(s)
	m, _ = find(h.Snapshot(), "user:u1")
	if !m.Paused {
		t.Fatal("expected later sample write to win")
	}
}

func TestPendingAndUnapprovedNotRendered(t *testing.T) {
	h := New()
	pend := &models.Participant{UserID: "p1", ApprovalState: models.ApprovalPending, TrackingActive: true}
	inactive := &models.Participant{UserID: "p2", ApprovalState: models.ApprovalApproved, TrackingActive: false}
	h.ApplyRoster([]*models.Participant{pend, inactive, approved("u1")})
	h.ApplyLocation(sample("p1", 1, 1))
	h.ApplyLocation(sample("p2", 2, 2))
	h.ApplyLocation(sample("u1", 3, 3))

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "u1" {
		t.Fatalf("only approved+tracking users render, got %+v", snap)
	}
}

func TestOnChangeFires(t *testing.T) {
	h := New()
	calls := 0
	h.OnChange(func() { calls++ })
	h.ApplyRoster([]*models.Participant{approved("u1")})
	h.ApplyLocation(sample("u1", 1, 1))
	h.ApplyLocation(sample("ghost", 1, 1)) // orphan: no change
	if calls != 2 {
		t.Fatalf("expected 2 change callbacks, got %d", calls)
	}
}
