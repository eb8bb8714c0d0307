package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Window is the desired departure interval of a request, inclusive on both ends.
type Window struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

func (w Window) Duration() time.Duration { return w.Latest.Sub(w.Earliest) }

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestProposed  RequestStatus = "proposed"
	RequestConfirmed RequestStatus = "confirmed"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible for the request.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestConfirmed, RequestExpired, RequestCancelled:
		return true
	}
	return false
}

type RideRequest struct {
	ID            string        `json:"id"`
	RequesterID   string        `json:"requester_id"`
	DedupeKey     string        `json:"dedupe_key,omitempty"`
	Pickup        Coord         `json:"pickup"`
	Drop          Coord         `json:"drop"`
	Window        Window        `json:"window"`
	RiderModeOnly bool          `json:"rider_mode_only"`
	FemaleOnly    bool          `json:"female_only"`
	TrustScore    float64       `json:"trust_score"` // 0..1
	Status        RequestStatus `json:"status"`
	GroupID       string        `json:"group_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PairScore is the compatibility of two requests. It is recomputed on demand
// and never persisted.
type PairScore struct {
	RequestA string  `json:"request_a"`
	RequestB string  `json:"request_b"`
	Route    float64 `json:"route"`
	Time     float64 `json:"time"`
	Trust    float64 `json:"trust"`
	Misc     float64 `json:"misc"`
	Combined float64 `json:"combined"`
	Eligible bool    `json:"eligible"`
	Reason   string  `json:"reason,omitempty"`
}

// Viable reports whether the pair may share a group at the given threshold.
// Pairs without any geographic or temporal overlap are never viable, even when
// trust alone would lift the combined score to the threshold.
func (p PairScore) Viable(threshold float64) bool {
	return p.Eligible && p.Route > 0 && p.Time > 0 && p.Combined >= threshold
}

type GroupStatus string

const (
	GroupProposed             GroupStatus = "proposed"
	GroupAwaitingConfirmation GroupStatus = "awaiting_confirmation"
	GroupConfirmed            GroupStatus = "confirmed"
	GroupExpired              GroupStatus = "expired"
	GroupCancelled            GroupStatus = "cancelled"
)

func (s GroupStatus) Terminal() bool {
	switch s {
	case GroupConfirmed, GroupExpired, GroupCancelled:
		return true
	}
	return false
}

type Group struct {
	ID                   string      `json:"id"`
	Members              []string    `json:"members"`
	FormationScore       float64     `json:"formation_score"`
	Status               GroupStatus `json:"status"`
	CreatedAt            time.Time   `json:"created_at"`
	ConfirmationDeadline time.Time   `json:"confirmation_deadline"`
	ClosedAt             *time.Time  `json:"closed_at,omitempty"`
	Reason               string      `json:"reason,omitempty"`
}

func (g Group) HasMember(requestID string) bool {
	for _, m := range g.Members {
		if m == requestID {
			return true
		}
	}
	return false
}

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionAccepted Decision = "accepted"
	DecisionDeclined Decision = "declined"
	DecisionTimedOut Decision = "timed_out"
	// DecisionVoided marks a confirmation that was still pending when another
	// member declined.
	DecisionVoided Decision = "voided"
)

type Confirmation struct {
	GroupID   string     `json:"group_id"`
	RequestID string     `json:"request_id"`
	Decision  Decision   `json:"decision"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

type Gender string

const (
	GenderUnknown Gender = ""
	GenderFemale  Gender = "female"
	GenderMale    Gender = "male"
	GenderOther   Gender = "other"
)

// Profile is the identity service's read-only view of a requester.
type Profile struct {
	UserID       string `json:"user_id"`
	Gender       Gender `json:"gender"`
	RiderCapable bool   `json:"rider_capable"`
	Known        bool   `json:"-"`
}
