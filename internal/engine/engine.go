// Package engine ties the candidate index, group builder and confirmation
// coordinator together behind the request API, and owns the request registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-grouping/internal/clock"
	"github.com/example/ride-grouping/internal/coordinator"
	"github.com/example/ride-grouping/internal/events"
	"github.com/example/ride-grouping/internal/index"
	"github.com/example/ride-grouping/internal/matcher"
	"github.com/example/ride-grouping/internal/models"
	"github.com/example/ride-grouping/internal/observability"
	"github.com/example/ride-grouping/internal/storage"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConstraintViolation = errors.New("constraint violation")
)

// ValidationError rejects a submission before it reaches the index.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Publisher receives lifecycle events in commit order.
type Publisher interface {
	Publish(evts ...events.Event)
}

type Config struct {
	PassInterval  time.Duration
	SweepInterval time.Duration
	// BurstSize submissions since the last pass trigger an early pass.
	BurstSize int
	// AbandonAfter expires pending requests whose departure window closed
	// more than this long ago. Zero keeps them pending until cancelled.
	AbandonAfter time.Duration
	// Retention is how long terminal requests and groups stay queryable.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		PassInterval:  2 * time.Second,
		SweepInterval: time.Second,
		BurstSize:     16,
		Retention:     24 * time.Hour,
	}
}

type Deps struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Index       *index.Index
	Builder     *matcher.Builder
	Coordinator *coordinator.Coordinator
	Store       storage.Store
	Publisher   Publisher
}

type SubmitCommand struct {
	RequesterID   string
	DedupeKey     string
	Pickup        *models.Coord
	Drop          *models.Coord
	Window        models.Window
	RiderModeOnly bool
	FemaleOnly    bool
	TrustScore    float64
}

type SubmitResult struct {
	RequestID string
	// Duplicate is set when DedupeKey matched an earlier submission.
	Duplicate bool
}

type StatusView struct {
	RequestID string               `json:"request_id"`
	Status    models.RequestStatus `json:"status"`
	GroupID   string               `json:"group_id,omitempty"`
}

type GroupView struct {
	Group         models.Group          `json:"group"`
	Confirmations []models.Confirmation `json:"confirmations"`
}

type Engine struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	index  *index.Index
	build  *matcher.Builder
	coord  *coordinator.Coordinator
	store  storage.Store
	pub    Publisher
	newID  func() string

	mu       sync.Mutex
	requests map[string]models.RideRequest
	dedupe   map[string]string

	// passMu keeps builder passes from overlapping.
	passMu  sync.Mutex
	pending atomic.Int64
	burst   chan struct{}
}

type nopPublisher struct{}

func (nopPublisher) Publish(...events.Event) {}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Index == nil || d.Builder == nil {
		return nil, errors.New("engine: index and builder are required")
	}
	def := DefaultConfig()
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = def.PassInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Coordinator == nil {
		d.Coordinator = coordinator.New(d.Clock, 0)
	}
	if d.Store == nil {
		d.Store = storage.NewMemoryStore()
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Builder.Index == nil {
		d.Builder.Index = d.Index
	}
	return &Engine{
		cfg:      cfg,
		clock:    d.Clock,
		logger:   d.Logger.With("component", "engine"),
		index:    d.Index,
		build:    d.Builder,
		coord:    d.Coordinator,
		store:    d.Store,
		pub:      d.Publisher,
		newID:    uuid.NewString,
		requests: make(map[string]models.RideRequest),
		dedupe:   make(map[string]string),
		burst:    make(chan struct{}, 1),
	}, nil
}

// Submit validates and registers a request. It never waits for a running
// matching pass.
func (e *Engine) Submit(ctx context.Context, cmd SubmitCommand) (SubmitResult, error) {
	now := e.clock.Now()
	if err := validate(cmd, now); err != nil {
		observability.RequestsRejected.Inc()
		return SubmitResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cmd.DedupeKey != "" {
		if id, ok := e.dedupe[cmd.DedupeKey]; ok {
			return SubmitResult{RequestID: id, Duplicate: true}, nil
		}
	}
	req := models.RideRequest{
		ID:            e.newID(),
		RequesterID:   cmd.RequesterID,
		DedupeKey:     cmd.DedupeKey,
		Pickup:        *cmd.Pickup,
		Drop:          *cmd.Drop,
		Window:        cmd.Window,
		RiderModeOnly: cmd.RiderModeOnly,
		FemaleOnly:    cmd.FemaleOnly,
		TrustScore:    cmd.TrustScore,
		Status:        models.RequestPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.SaveRequest(ctx, req); err != nil {
		return SubmitResult{}, fmt.Errorf("persist request: %w", err)
	}
	e.requests[req.ID] = req
	if cmd.DedupeKey != "" {
		e.dedupe[cmd.DedupeKey] = req.ID
	}
	e.index.Upsert(req)
	observability.RequestsSubmitted.Inc()
	observability.IndexSize.Set(float64(e.index.Len()))
	e.logger.Debug("request submitted", "request_id", req.ID, "requester_id", req.RequesterID)

	if e.pending.Add(1) >= int64(e.cfg.BurstSize) {
		select {
		case e.burst <- struct{}{}:
		default:
		}
	}
	return SubmitResult{RequestID: req.ID}, nil
}

func validate(cmd SubmitCommand, now time.Time) error {
	switch {
	case cmd.RequesterID == "":
		return &ValidationError{Field: "requester_id", Reason: "required"}
	case cmd.Pickup == nil:
		return &ValidationError{Field: "pickup", Reason: "required"}
	case cmd.Drop == nil:
		return &ValidationError{Field: "drop", Reason: "required"}
	}
	if err := validCoord("pickup", *cmd.Pickup); err != nil {
		return err
	}
	if err := validCoord("drop", *cmd.Drop); err != nil {
		return err
	}
	w := cmd.Window
	switch {
	case w.Earliest.IsZero() || w.Latest.IsZero():
		return &ValidationError{Field: "window", Reason: "earliest and latest are required"}
	case w.Latest.Before(w.Earliest):
		return &ValidationError{Field: "window", Reason: "latest is before earliest"}
	case w.Latest.Before(now):
		return &ValidationError{Field: "window", Reason: "window has already passed"}
	}
	if math.IsNaN(cmd.TrustScore) || cmd.TrustScore < 0 || cmd.TrustScore > 1 {
		return &ValidationError{Field: "trust_score", Reason: "must be within [0,1]"}
	}
	return nil
}

func validCoord(field string, c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return &ValidationError{Field: field, Reason: "coordinates out of range"}
	}
	return nil
}

// Cancel is idempotent. A pending request leaves the index at once; a
// proposed one withdraws from its group, which cancels the group and releases
// the other members.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[id]
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	switch req.Status {
	case models.RequestPending:
		e.setStatusLocked(ctx, id, models.RequestCancelled, "")
		observability.RequestsCancelled.Inc()
	case models.RequestProposed:
		tr, expired, err := e.coord.Withdraw(req.GroupID, id)
		for _, x := range expired {
			e.applyLocked(ctx, x)
		}
		if err != nil {
			// The group expired on the way in and released the request.
			if errors.Is(err, coordinator.ErrGroupClosed) && e.requests[id].Status == models.RequestPending {
				e.setStatusLocked(ctx, id, models.RequestCancelled, "")
				observability.RequestsCancelled.Inc()
				return nil
			}
			return fmt.Errorf("withdraw from group %s: %w", req.GroupID, err)
		}
		e.applyLocked(ctx, tr)
		observability.RequestsCancelled.Inc()
	}
	return nil
}

func (e *Engine) Status(_ context.Context, id string) (StatusView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[id]
	if !ok {
		return StatusView{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return StatusView{RequestID: id, Status: req.Status, GroupID: req.GroupID}, nil
}

// Decide records a member's answer. Errors wrap ErrConstraintViolation, and
// ErrNotFound as well for unknown groups.
func (e *Engine) Decide(ctx context.Context, groupID, requestID string, d models.Decision) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, expired, err := e.coord.Decide(groupID, requestID, d)
	for _, x := range expired {
		e.applyLocked(ctx, x)
	}
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrInvalidDecision):
			return &ValidationError{Field: "decision", Reason: err.Error()}
		case errors.Is(err, coordinator.ErrGroupNotFound):
			return fmt.Errorf("%w: %w: %w", ErrNotFound, ErrConstraintViolation, err)
		default:
			return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
	}
	e.applyLocked(ctx, tr)
	return nil
}

func (e *Engine) Group(_ context.Context, id string) (GroupView, error) {
	g, cs, ok := e.coord.Group(id)
	if !ok {
		return GroupView{}, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	return GroupView{Group: g, Confirmations: cs}, nil
}

// applyLocked mirrors a coordinator transition onto the member requests,
// persists it and publishes the matching event.
func (e *Engine) applyLocked(ctx context.Context, tr coordinator.Transition) {
	g := tr.Group
	now := e.clock.Now()
	switch g.Status {
	case models.GroupConfirmed:
		for _, m := range tr.Confirmed {
			e.setStatusLocked(ctx, m, models.RequestConfirmed, g.ID)
		}
		e.pub.Publish(events.Confirmed(g, now))
	case models.GroupExpired:
		for _, m := range tr.Released {
			e.setStatusLocked(ctx, m, models.RequestPending, "")
		}
		e.pub.Publish(events.Expired(g, tr.TimedOut, now))
	case models.GroupCancelled:
		if tr.Declined != "" {
			e.setStatusLocked(ctx, tr.Declined, models.RequestCancelled, g.ID)
		}
		for _, m := range tr.Released {
			e.setStatusLocked(ctx, m, models.RequestPending, "")
		}
		e.pub.Publish(events.Cancelled(g, tr.Declined, now))
	}
	if g.Status.Terminal() {
		observability.GroupTransitions.WithLabelValues(string(g.Status)).Inc()
		e.logger.Info("group closed", "group_id", g.ID, "status", g.Status, "reason", g.Reason, "members", g.Members)
	}
	if err := e.store.SaveGroup(ctx, g, tr.Confirmations); err != nil {
		e.logger.Error("persist group failed", "group_id", g.ID, "error", err)
	}
	observability.IndexSize.Set(float64(e.index.Len()))
}

// setStatusLocked updates the registry and keeps the index in step: only
// pending requests are indexed.
func (e *Engine) setStatusLocked(ctx context.Context, id string, status models.RequestStatus, groupID string) {
	req, ok := e.requests[id]
	if !ok {
		return
	}
	req.Status = status
	req.GroupID = groupID
	req.UpdatedAt = e.clock.Now()
	e.requests[id] = req
	e.index.Upsert(req)
	if err := e.store.UpdateRequest(ctx, req); err != nil {
		e.logger.Error("persist request failed", "request_id", id, "status", status, "error", err)
	}
}
