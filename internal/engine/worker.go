package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-grouping/internal/events"
	"github.com/example/ride-grouping/internal/matcher"
	"github.com/example/ride-grouping/internal/models"
	"github.com/example/ride-grouping/internal/observability"
)

type PassResult struct {
	Considered int
	Proposed   []models.Group
	Deferred   []matcher.Deferral
	// Stale counts members dropped because they were cancelled or proposed
	// elsewhere after the snapshot was taken.
	Stale  int
	Scored int
}

// RunPass runs one builder pass. Passes never overlap; submissions and
// cancellations keep flowing while the builder works on its snapshot.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	started := time.Now()
	defer func() { observability.PassLatency.Observe(time.Since(started).Seconds()) }()

	e.pending.Store(0)
	snap := e.index.Snapshot()
	res := PassResult{Considered: len(snap)}
	if len(snap) < 2 {
		return res, nil
	}
	pass, err := e.build.FormGroups(ctx, snap)
	res.Deferred = pass.Deferred
	res.Scored = pass.Scored
	observability.PairsScored.Add(float64(pass.Scored))
	if err != nil {
		return res, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range pass.Proposals {
		g, stale, ok := e.commitLocked(ctx, p)
		res.Stale += stale
		if ok {
			res.Proposed = append(res.Proposed, g)
		}
	}
	observability.IndexSize.Set(float64(e.index.Len()))
	if len(res.Proposed) > 0 || len(res.Deferred) > 0 {
		e.logger.Info("pass complete", "considered", res.Considered, "proposed", len(res.Proposed), "deferred", len(res.Deferred), "stale", res.Stale)
	}
	return res, nil
}

// commitLocked re-checks that every member is still matchable, drops the ones
// that are not and proposes the rest if at least two remain.
func (e *Engine) commitLocked(ctx context.Context, p matcher.Proposal) (models.Group, int, bool) {
	stale := make(map[string]bool)
	for _, m := range p.Members() {
		req, ok := e.requests[m]
		if !ok || req.Status != models.RequestPending || !e.index.Contains(m) {
			stale[m] = true
		}
	}
	if len(stale) > 0 {
		observability.StaleMembers.Add(float64(len(stale)))
		trimmed, err := p.Without(stale)
		if err != nil {
			e.logger.Debug("proposal dropped", "members", p.Members(), "stale", len(stale))
			return models.Group{}, len(stale), false
		}
		p = trimmed
	}
	tr, err := e.coord.Propose(p)
	if err != nil {
		e.logger.Warn("proposal rejected", "members", p.Members(), "error", err)
		return models.Group{}, len(stale), false
	}
	g := tr.Group
	for _, m := range g.Members {
		e.setStatusLocked(ctx, m, models.RequestProposed, g.ID)
	}
	if err := e.store.SaveGroup(ctx, g, tr.Confirmations); err != nil {
		e.logger.Error("persist group failed", "group_id", g.ID, "error", err)
	}
	observability.GroupTransitions.WithLabelValues(string(g.Status)).Inc()
	e.pub.Publish(events.Proposed(g, e.clock.Now()))
	e.logger.Info("group proposed", "group_id", g.ID, "members", g.Members, "formation_score", g.FormationScore, "deadline", g.ConfirmationDeadline)
	return g, len(stale), true
}

// Sweep expires groups past their deadline, abandons stale pending requests
// when configured, and forgets terminal state older than the retention.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, tr := range e.coord.ExpireDue(now) {
		e.applyLocked(ctx, tr)
	}

	if e.cfg.AbandonAfter > 0 {
		for id, req := range e.requests {
			if req.Status == models.RequestPending && now.Sub(req.Window.Latest) > e.cfg.AbandonAfter {
				e.setStatusLocked(ctx, id, models.RequestExpired, "")
				e.pub.Publish(events.Abandoned(id, now))
				e.logger.Info("request abandoned", "request_id", id)
			}
		}
	}

	cutoff := now.Add(-e.cfg.Retention)
	e.coord.Prune(cutoff)
	for id, req := range e.requests {
		if req.Status.Terminal() && req.UpdatedAt.Before(cutoff) {
			delete(e.requests, id)
			if req.DedupeKey != "" && e.dedupe[req.DedupeKey] == id {
				delete(e.dedupe, req.DedupeKey)
			}
		}
	}
}

// Run drives passes on a ticker and on submission bursts until ctx is done.
// Deadlines are swept from a separate goroutine so a slow pass never holds
// back expiry.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("matchmaking worker started", "pass_interval", e.cfg.PassInterval, "sweep_interval", e.cfg.SweepInterval, "burst_size", e.cfg.BurstSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sweepLoop(gctx) })
	g.Go(func() error { return e.passLoop(gctx) })
	err := g.Wait()
	e.logger.Info("matchmaking worker stopped")
	return err
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.Sweep(ctx)
		}
	}
}

func (e *Engine) passLoop(ctx context.Context) error {
	t := time.NewTicker(e.cfg.PassInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.runPassLogged(ctx)
		case <-e.burst:
			e.runPassLogged(ctx)
		}
	}
}

func (e *Engine) runPassLogged(ctx context.Context) {
	if _, err := e.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("matching pass failed", "error", err)
	}
}
