package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ApprovalState is terminal once it leaves Pending.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

func (s ApprovalState) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

type Participant struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	UserID         string        `json:"user_id"`
	DisplayName    string        `json:"display_name,omitempty"`
	PhotoURL       string        `json:"photo_url,omitempty"`
	ColorIndex     int           `json:"color_index"`
	ApprovalState  ApprovalState `json:"approval_state"`
	TrackingActive bool          `json:"tracking_active"`
	RequestedAt    time.Time     `json:"requested_at"`
	ApprovedAt     *time.Time    `json:"approved_at,omitempty"`
	ApprovedBy     string        `json:"approved_by,omitempty"`
}

type LocationSample struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Loc            Coord     `json:"loc"`
	SpeedMps       float64   `json:"speed_mps,omitempty"`
	HeadingDeg     float64   `json:"heading_deg,omitempty"`
	AltitudeM      float64   `json:"altitude_m,omitempty"`
	AccuracyMeters float64   `json:"accuracy_m,omitempty"`
	Paused         bool      `json:"paused,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// SharedDestination is the record the leader broadcasts; it exists only
// while the leader has an active shared destination.
type SharedDestination struct {
	SessionID string    `json:"session_id"`
	Dest      Coord     `json:"dest"`
	DestName  string    `json:"dest_name,omitempty"`
	SharedBy  string    `json:"shared_by"`
	SharedAt  time.Time `json:"shared_at"`
}

// NavigationStep is immutable once computed.
type NavigationStep struct {
	StartLoc        Coord   `json:"start_loc"`
	EndLoc          Coord   `json:"end_loc"`
	InstructionText string  `json:"instruction_text"`
	ManeuverKind    string  `json:"maneuver_kind"` // depart, turn-left, turn-right, merge, arrive, ...
	DistanceMeters  float64 `json:"distance_m"`
	DurationSeconds float64 `json:"duration_sec"`
	PolylinePoints  []Coord `json:"polyline_points,omitempty"`
}

type Route struct {
	Origin          Coord            `json:"origin"`
	Destination     Coord            `json:"destination"`
	Steps           []NavigationStep `json:"steps"`
	PolylinePoints  []Coord          `json:"polyline_points,omitempty"`
	DistanceMeters  float64          `json:"distance_m"`
	DurationSeconds float64          `json:"duration_sec"`
}

type NavigationProgress struct {
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	CurrentStepIndex int       `json:"current_step_index"`
	CurrentLocation  Coord     `json:"current_location"`
	DistanceToNextM  float64   `json:"distance_to_next_m,omitempty"`
	ETASeconds       float64   `json:"eta_sec,omitempty"`
	RemainingMeters  float64   `json:"remaining_m,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Marker is one renderable entry of the session map: a participant position
// or an externally-owned pin such as the shared destination.
type Marker struct {
	Key         string  `json:"key"` // "user:{id}" or "dest"
	UserID      string  `json:"user_id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	Loc         Coord   `json:"loc"`
	Paused      bool    `json:"paused,omitempty"`
	ColorIndex  int     `json:"color_index,omitempty"`
	HeadingDeg  float64 `json:"heading_deg,omitempty"`
	External    bool    `json:"external,omitempty"`
}
