// Package events carries group lifecycle notifications from the engine to
// per-request subscribers and to external sinks, in commit order.
package events

import (
	"time"

	"github.com/example/ride-grouping/internal/models"
)

type Type string

const (
	GroupProposed  Type = "group.proposed"
	GroupConfirmed Type = "group.confirmed"
	GroupExpired   Type = "group.expired"
	GroupCancelled Type = "group.cancelled"
	// RequestExpired is emitted for a pending request abandoned after its
	// departure window passed. It has no group.
	RequestExpired Type = "request.expired"
)

// Event is one lifecycle notification. Members always holds the full member
// list so every member's subscribers can be reached.
type Event struct {
	Seq      uint64     `json:"seq"`
	Type     Type       `json:"type"`
	GroupID  string     `json:"group_id,omitempty"`
	Members  []string   `json:"members"`
	Deadline *time.Time `json:"deadline,omitempty"`
	// Expired lists members whose confirmation timed out.
	Expired []string `json:"expired_members,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	// Decliner is the member that closed a cancelled group.
	Decliner string    `json:"decliner,omitempty"`
	At       time.Time `json:"at"`
}

// Key is the partitioning key used by sinks that keep per-group order.
func (e Event) Key() string {
	if e.GroupID != "" {
		return e.GroupID
	}
	if len(e.Members) > 0 {
		return e.Members[0]
	}
	return ""
}

func Proposed(g models.Group, at time.Time) Event {
	deadline := g.ConfirmationDeadline
	return Event{Type: GroupProposed, GroupID: g.ID, Members: copyOf(g.Members), Deadline: &deadline, At: at}
}

func Confirmed(g models.Group, at time.Time) Event {
	return Event{Type: GroupConfirmed, GroupID: g.ID, Members: copyOf(g.Members), At: at}
}

func Expired(g models.Group, timedOut []string, at time.Time) Event {
	return Event{Type: GroupExpired, GroupID: g.ID, Members: copyOf(g.Members), Expired: copyOf(timedOut), At: at}
}

func Cancelled(g models.Group, decliner string, at time.Time) Event {
	return Event{Type: GroupCancelled, GroupID: g.ID, Members: copyOf(g.Members), Reason: g.Reason, Decliner: decliner, At: at}
}

func Abandoned(requestID string, at time.Time) Event {
	return Event{Type: RequestExpired, Members: []string{requestID}, Reason: "abandoned", At: at}
}

func copyOf(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
