// Package coordinator owns proposed groups and drives each one through its
// confirmation window to exactly one terminal state.
package coordinator

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-grouping/internal/clock"
	"github.com/example/ride-grouping/internal/matcher"
	"github.com/example/ride-grouping/internal/models"
)

var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrGroupClosed     = errors.New("group is not awaiting confirmation")
	ErrNotMember       = errors.New("request is not a member of the group")
	ErrAlreadyDecided  = errors.New("member has already decided")
	ErrInvalidDecision = errors.New("decision must be accepted or declined")
	ErrMemberBusy      = errors.New("request already belongs to an open group")
)

// Reasons recorded on cancelled groups.
const (
	ReasonDeclined        = "member_declined"
	ReasonMemberCancelled = "member_cancelled"
)

// Transition describes the state a group reached and what it means for the
// member requests.
type Transition struct {
	Group         models.Group
	Confirmations []models.Confirmation
	// Released members go back to pending and are matchable again.
	Released []string
	// Confirmed members are finalized.
	Confirmed []string
	// Declined is the member whose decline or cancellation closed the group.
	Declined string
	// TimedOut members never answered before the deadline.
	TimedOut []string
}

type groupState struct {
	group models.Group
	// confirmations in member order
	confirmations []models.Confirmation
	heapIndex     int
}

type Coordinator struct {
	clock  clock.Clock
	window time.Duration
	newID  func() string

	mu        sync.Mutex
	groups    map[string]*groupState
	active    map[string]string // request id -> open group id
	deadlines deadlineHeap
}

func New(c clock.Clock, window time.Duration) *Coordinator {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Coordinator{
		clock:  c,
		window: window,
		newID:  uuid.NewString,
		groups: make(map[string]*groupState),
		active: make(map[string]string),
	}
}

// Propose takes ownership of a proposal. The group passes through proposed
// and is awaiting confirmation when Propose returns.
func (c *Coordinator) Propose(p matcher.Proposal) (Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := p.Members()
	for _, m := range members {
		if _, busy := c.active[m]; busy {
			return Transition{}, ErrMemberBusy
		}
	}
	now := c.clock.Now()
	g := models.Group{
		ID:                   c.newID(),
		Members:              members,
		FormationScore:       p.FormationScore(),
		Status:               models.GroupAwaitingConfirmation,
		CreatedAt:            now,
		ConfirmationDeadline: now.Add(c.window),
	}

	st := &groupState{group: g, confirmations: make([]models.Confirmation, len(members))}
	for i, m := range members {
		st.confirmations[i] = models.Confirmation{GroupID: g.ID, RequestID: m, Decision: models.DecisionPending}
		c.active[m] = g.ID
	}
	c.groups[g.ID] = st
	heap.Push(&c.deadlines, st)
	return c.snapshot(st, Transition{}), nil
}

// Decide records one member's answer. A decision that arrives after the
// deadline expires the group first and is rejected.
func (c *Coordinator) Decide(groupID, requestID string, d models.Decision) (Transition, []Transition, error) {
	if d != models.DecisionAccepted && d != models.DecisionDeclined {
		return Transition{}, nil, ErrInvalidDecision
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := c.expireDueLocked(c.clock.Now())
	st, ok := c.groups[groupID]
	if !ok {
		return Transition{}, expired, ErrGroupNotFound
	}
	if st.group.Status != models.GroupAwaitingConfirmation {
		return Transition{}, expired, ErrGroupClosed
	}
	idx := st.memberIndex(requestID)
	if idx < 0 {
		return Transition{}, expired, ErrNotMember
	}
	if st.confirmations[idx].Decision != models.DecisionPending {
		return Transition{}, expired, ErrAlreadyDecided
	}

	now := c.clock.Now()
	st.confirmations[idx].Decision = d
	st.confirmations[idx].DecidedAt = &now

	if d == models.DecisionDeclined {
		return c.cancelLocked(st, requestID, ReasonDeclined, now), expired, nil
	}
	for _, cf := range st.confirmations {
		if cf.Decision != models.DecisionAccepted {
			return c.snapshot(st, Transition{}), expired, nil
		}
	}
	c.closeLocked(st, models.GroupConfirmed, "", now)
	return c.snapshot(st, Transition{Confirmed: st.group.Members}), expired, nil
}

// Withdraw handles a member cancelling its request while the group is open.
// It closes the group the same way a decline does. Like Decide, it expires
// due groups first, so a withdrawal after the deadline finds the group
// expired and gets ErrGroupClosed.
func (c *Coordinator) Withdraw(groupID, requestID string) (Transition, []Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expired := c.expireDueLocked(c.clock.Now())
	st, ok := c.groups[groupID]
	if !ok {
		return Transition{}, expired, ErrGroupNotFound
	}
	if st.group.Status != models.GroupAwaitingConfirmation {
		return Transition{}, expired, ErrGroupClosed
	}
	idx := st.memberIndex(requestID)
	if idx < 0 {
		return Transition{}, expired, ErrNotMember
	}
	now := c.clock.Now()
	if st.confirmations[idx].Decision == models.DecisionPending || st.confirmations[idx].Decision == models.DecisionAccepted {
		st.confirmations[idx].Decision = models.DecisionDeclined
		st.confirmations[idx].DecidedAt = &now
	}
	return c.cancelLocked(st, requestID, ReasonMemberCancelled, now), expired, nil
}

func (c *Coordinator) cancelLocked(st *groupState, decliner, reason string, now time.Time) Transition {
	var released []string
	for i := range st.confirmations {
		cf := &st.confirmations[i]
		if cf.RequestID == decliner {
			continue
		}
		if cf.Decision == models.DecisionPending {
			cf.Decision = models.DecisionVoided
			cf.DecidedAt = &now
		}
		released = append(released, cf.RequestID)
	}
	c.closeLocked(st, models.GroupCancelled, reason, now)
	return c.snapshot(st, Transition{Released: released, Declined: decliner})
}

// ExpireDue closes every open group whose deadline is at or before now.
func (c *Coordinator) ExpireDue(now time.Time) []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireDueLocked(now)
}

func (c *Coordinator) expireDueLocked(now time.Time) []Transition {
	var out []Transition
	for c.deadlines.Len() > 0 {
		st := c.deadlines[0]
		if st.group.ConfirmationDeadline.After(now) {
			break
		}
		heap.Pop(&c.deadlines)
		if st.group.Status != models.GroupAwaitingConfirmation {
			continue
		}
		var released, timedOut []string
		for i := range st.confirmations {
			cf := &st.confirmations[i]
			if cf.Decision == models.DecisionPending {
				cf.Decision = models.DecisionTimedOut
				cf.DecidedAt = &now
				timedOut = append(timedOut, cf.RequestID)
			}
			released = append(released, cf.RequestID)
		}
		c.closeLocked(st, models.GroupExpired, "", now)
		out = append(out, c.snapshot(st, Transition{Released: released, TimedOut: timedOut}))
	}
	return out
}

// closeLocked moves st to a terminal status. Callers have checked that the
// group is still open, so this runs once per group.
func (c *Coordinator) closeLocked(st *groupState, status models.GroupStatus, reason string, now time.Time) {
	st.group.Status = status
	st.group.Reason = reason
	closed := now
	st.group.ClosedAt = &closed
	for _, m := range st.group.Members {
		if c.active[m] == st.group.ID {
			delete(c.active, m)
		}
	}
	if st.heapIndex >= 0 {
		heap.Remove(&c.deadlines, st.heapIndex)
	}
}

// NextDeadline returns the earliest open deadline.
func (c *Coordinator) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlines.Len() == 0 {
		return time.Time{}, false
	}
	return c.deadlines[0].group.ConfirmationDeadline, true
}

func (c *Coordinator) Group(id string) (models.Group, []models.Confirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.groups[id]
	if !ok {
		return models.Group{}, nil, false
	}
	t := c.snapshot(st, Transition{})
	return t.Group, t.Confirmations, true
}

// ActiveGroupOf returns the open group a request belongs to.
func (c *Coordinator) ActiveGroupOf(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[requestID]
	return id, ok
}

// Prune forgets terminal groups closed before cutoff and returns how many
// were dropped.
func (c *Coordinator) Prune(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, st := range c.groups {
		if st.group.Status.Terminal() && st.group.ClosedAt != nil && st.group.ClosedAt.Before(cutoff) {
			delete(c.groups, id)
			n++
		}
	}
	return n
}

func (c *Coordinator) snapshot(st *groupState, t Transition) Transition {
	g := st.group
	g.Members = append([]string(nil), st.group.Members...)
	t.Group = g
	t.Confirmations = append([]models.Confirmation(nil), st.confirmations...)
	return t
}

func (st *groupState) memberIndex(requestID string) int {
	for i, cf := range st.confirmations {
		if cf.RequestID == requestID {
			return i
		}
	}
	return -1
}

// deadlineHeap orders open groups by confirmation deadline.
type deadlineHeap []*groupState

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].group.ConfirmationDeadline.Before(h[j].group.ConfirmationDeadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *deadlineHeap) Push(x any) {
	st := x.(*groupState)
	st.heapIndex = len(*h)
	*h = append(*h, st)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	st.heapIndex = -1
	*h = old[:n-1]
	return st
}
