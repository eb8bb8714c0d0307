package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-grouping/internal/clock"
	"github.com/example/ride-grouping/internal/coordinator"
	"github.com/example/ride-grouping/internal/events"
	"github.com/example/ride-grouping/internal/geo"
	"github.com/example/ride-grouping/internal/identity"
	"github.com/example/ride-grouping/internal/index"
	"github.com/example/ride-grouping/internal/matcher"
	"github.com/example/ride-grouping/internal/models"
	"github.com/example/ride-grouping/internal/scoring"
	"github.com/example/ride-grouping/internal/storage"
)

var (
	base     = models.Coord{Lat: 12.9716, Lon: 77.5946}
	departAt = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recorder) Publish(evts ...events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evts...)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.evts {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	t     *testing.T
	e     *Engine
	clk   *clock.FakeClock
	idx   *index.Index
	store *storage.MemoryStore
	pub   *recorder
}

func newHarness(t *testing.T, cfg Config, dir identity.Directory) *harness {
	t.Helper()
	clk := clock.Fake(departAt.Add(-30 * time.Minute))
	idx := index.New(index.DefaultConfig())
	if dir == nil {
		dir = identity.NewStatic()
	}
	store := storage.NewMemoryStore()
	pub := &recorder{}
	e, err := New(cfg, Deps{
		Clock:       clk,
		Index:       idx,
		Builder:     &matcher.Builder{Scorer: scoring.New(scoring.DefaultConfig()), Directory: dir, Config: matcher.DefaultConfig()},
		Coordinator: coordinator.New(clk, 5*time.Minute),
		Store:       store,
		Publisher:   pub,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{t: t, e: e, clk: clk, idx: idx, store: store, pub: pub}
}

func command(requester string, pickup models.Coord, trust float64) SubmitCommand {
	drop := geo.Offset(pickup, 5000, 0)
	return SubmitCommand{
		RequesterID: requester,
		Pickup:      &pickup,
		Drop:        &drop,
		Window:      models.Window{Earliest: departAt, Latest: departAt.Add(10 * time.Minute)},
		TrustScore:  trust,
	}
}

// submit registers a request one second after the previous one so arrival
// order is well defined.
func (h *harness) submit(cmd SubmitCommand) string {
	h.t.Helper()
	h.clk.Advance(time.Second)
	res, err := h.e.Submit(context.Background(), cmd)
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return res.RequestID
}

func (h *harness) pass() PassResult {
	h.t.Helper()
	res, err := h.e.RunPass(context.Background())
	if err != nil {
		h.t.Fatalf("run pass: %v", err)
	}
	return res
}

func (h *harness) status(id string) StatusView {
	h.t.Helper()
	v, err := h.e.Status(context.Background(), id)
	if err != nil {
		h.t.Fatalf("status %s: %v", id, err)
	}
	return v
}

func (h *harness) decide(groupID, requestID string, d models.Decision) {
	h.t.Helper()
	if err := h.e.Decide(context.Background(), groupID, requestID, d); err != nil {
		h.t.Fatalf("decide %s/%s: %v", groupID, requestID, err)
	}
}

func (h *harness) proposePair() (a, b string, g models.Group) {
	h.t.Helper()
	a = h.submit(command("rider-a", base, 0.9))
	b = h.submit(command("rider-b", geo.Offset(base, 300, 0), 0.95))
	res := h.pass()
	if len(res.Proposed) != 1 {
		h.t.Fatalf("expected 1 group, got %d", len(res.Proposed))
	}
	return a, b, res.Proposed[0]
}

func TestNearbyRequestsAreProposed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a, b, g := h.proposePair()

	if g.FormationScore < 0.6 {
		t.Fatalf("formation score %f below threshold", g.FormationScore)
	}
	for _, id := range []string{a, b} {
		v := h.status(id)
		if v.Status != models.RequestProposed || v.GroupID != g.ID {
			t.Fatalf("%s: got %+v", id, v)
		}
		if h.idx.Contains(id) {
			t.Fatalf("proposed request %s still indexed", id)
		}
	}
	ev := h.pub.ofType(events.GroupProposed)
	if len(ev) != 1 || ev[0].GroupID != g.ID || ev[0].Deadline == nil || !ev[0].Deadline.Equal(g.ConfirmationDeadline) {
		t.Fatalf("unexpected proposed events %+v", ev)
	}
	if _, _, ok := h.store.Group(g.ID); !ok {
		t.Fatal("group was not persisted")
	}
}

func TestDistantRequestsStayPending(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a := h.submit(command("rider-a", base, 0.9))
	b := h.submit(command("rider-b", geo.Offset(base, 5000, 0), 0.95))

	if res := h.pass(); len(res.Proposed) != 0 {
		t.Fatalf("expected no group, got %d", len(res.Proposed))
	}
	for _, id := range []string{a, b} {
		if v := h.status(id); v.Status != models.RequestPending {
			t.Fatalf("%s: status %s", id, v.Status)
		}
	}
}

func TestFemaleOnlyMismatchIsExcluded(t *testing.T) {
	dir := identity.NewStatic(
		models.Profile{UserID: "rider-a", Gender: models.GenderFemale},
		models.Profile{UserID: "rider-b", Gender: models.GenderMale, RiderCapable: true},
	)
	h := newHarness(t, DefaultConfig(), dir)
	cmd := command("rider-a", base, 1)
	cmd.FemaleOnly = true
	h.submit(cmd)
	h.submit(command("rider-b", geo.Offset(base, 50, 0), 1))

	if res := h.pass(); len(res.Proposed) != 0 {
		t.Fatalf("female-only pair must not be proposed")
	}
}

func TestUnmatchableBacklogDoesNotHideCompatibleRequests(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	// Older female-only requests from riders with no known gender fill the
	// candidate cap around base but can never pair with anyone.
	for i := 0; i < index.DefaultConfig().MaxCandidates; i++ {
		cmd := command(fmt.Sprintf("old-%02d", i), base, 0.9)
		cmd.FemaleOnly = true
		h.submit(cmd)
	}
	a := h.submit(command("alice", base, 0.9))
	b := h.submit(command("bob", geo.Offset(base, 100, 0), 0.9))

	res := h.pass()
	if len(res.Proposed) != 1 {
		t.Fatalf("expected 1 group, got %d", len(res.Proposed))
	}
	g := res.Proposed[0]
	if len(g.Members) != 2 || !g.HasMember(a) || !g.HasMember(b) {
		t.Fatalf("members = %v, want alice and bob", g.Members)
	}
}

func TestUnansweredGroupExpiresAndReleasesMembers(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a, b, g := h.proposePair()

	h.clk.Advance(time.Minute)
	h.decide(g.ID, a, models.DecisionAccepted)
	h.clk.Advance(3 * time.Minute)
	h.e.Sweep(context.Background())
	if v := h.status(a); v.Status != models.RequestProposed {
		t.Fatalf("group expired early: %s", v.Status)
	}

	h.clk.Advance(time.Minute)
	h.e.Sweep(context.Background())

	view, err := h.e.Group(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if view.Group.Status != models.GroupExpired {
		t.Fatalf("group status %s, want expired", view.Group.Status)
	}
	for _, cf := range view.Confirmations {
		want := models.DecisionTimedOut
		if cf.RequestID == a {
			want = models.DecisionAccepted
		}
		if cf.Decision != want {
			t.Fatalf("%s decision %s, want %s", cf.RequestID, cf.Decision, want)
		}
	}
	for _, id := range []string{a, b} {
		v := h.status(id)
		if v.Status != models.RequestPending || v.GroupID != "" {
			t.Fatalf("%s: got %+v, want pending", id, v)
		}
		if !h.idx.Contains(id) {
			t.Fatalf("%s not back in the index", id)
		}
	}
	ev := h.pub.ofType(events.GroupExpired)
	if len(ev) != 1 || len(ev[0].Expired) != 1 || ev[0].Expired[0] != b {
		t.Fatalf("unexpected expired events %+v", ev)
	}
}

func TestAllAcceptConfirmsGroup(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a, b, g := h.proposePair()
	h.decide(g.ID, a, models.DecisionAccepted)
	h.decide(g.ID, b, models.DecisionAccepted)

	for _, id := range []string{a, b} {
		if v := h.status(id); v.Status != models.RequestConfirmed || v.GroupID != g.ID {
			t.Fatalf("%s: got %+v", id, v)
		}
	}
	if len(h.pub.ofType(events.GroupConfirmed)) != 1 {
		t.Fatal("expected one confirmed event")
	}
	stored, _, _ := h.store.Group(g.ID)
	if stored.Status != models.GroupConfirmed {
		t.Fatalf("stored status %s", stored.Status)
	}
	h.clk.Advance(time.Hour)
	h.e.Sweep(context.Background())
	if len(h.pub.ofType(events.GroupExpired)) != 0 {
		t.Fatal("confirmed group must never expire")
	}
}

func TestDeclineCancelsGroupAndRequeuesOthers(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a, b, g := h.proposePair()
	h.decide(g.ID, b, models.DecisionDeclined)

	if v := h.status(b); v.Status != models.RequestCancelled {
		t.Fatalf("decliner status %s, want cancelled", v.Status)
	}
	if v := h.status(a); v.Status != models.RequestPending || !h.idx.Contains(a) {
		t.Fatalf("other member should be pending again, got %+v", v)
	}
	ev := h.pub.ofType(events.GroupCancelled)
	if len(ev) != 1 || ev[0].Reason != coordinator.ReasonDeclined {
		t.Fatalf("unexpected cancelled events %+v", ev)
	}
	if err := h.e.Decide(context.Background(), g.ID, a, models.DecisionAccepted); !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("decision on closed group: got %v", err)
	}
}

func TestDecideErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	_, _, g := h.proposePair()
	ctx := context.Background()

	err := h.e.Decide(ctx, "missing", "x", models.DecisionAccepted)
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("unknown group: got %v", err)
	}
	if err := h.e.Decide(ctx, g.ID, "stranger", models.DecisionAccepted); !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("non-member: got %v", err)
	}
	var verr *ValidationError
	if err := h.e.Decide(ctx, g.ID, g.Members[0], models.Decision("maybe")); !errors.As(err, &verr) {
		t.Fatalf("bad decision: got %v", err)
	}
}

func TestLateDecisionExpiresGroup(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a, _, g := h.proposePair()
	h.clk.Advance(6 * time.Minute)

	if err := h.e.Decide(context.Background(), g.ID, a, models.DecisionAccepted); !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("late decision: got %v", err)
	}
	if v := h.status(a); v.Status != models.RequestPending {
		t.Fatalf("member should be released by the expiry, got %s", v.Status)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	id := h.submit(command("rider-a", base, 0.9))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.e.Cancel(ctx, id); err != nil {
			t.Fatalf("cancel #%d: %v", i+1, err)
		}
		if v := h.status(id); v.Status != models.RequestCancelled {
			t.Fatalf("cancel #%d: status %s", i+1, v.Status)
		}
	}
	if h.idx.Contains(id) {
		t.Fatal("cancelled request still indexed")
	}
	if err := h.e.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}
}

func TestCancelProposedWithdrawsFromGroup(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a, b, g := h.proposePair()
	if err := h.e.Cancel(context.Background(), a); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if v := h.status(a); v.Status != models.RequestCancelled {
		t.Fatalf("cancelled member status %s", v.Status)
	}
	if v := h.status(b); v.Status != models.RequestPending {
		t.Fatalf("other member status %s", v.Status)
	}
	view, _ := h.e.Group(context.Background(), g.ID)
	if view.Group.Status != models.GroupCancelled || view.Group.Reason != coordinator.ReasonMemberCancelled {
		t.Fatalf("group %s/%s", view.Group.Status, view.Group.Reason)
	}
}

func TestCancelAfterDeadlineExpiresGroupFirst(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	a, b, g := h.proposePair()
	h.clk.Advance(6 * time.Minute)
	if err := h.e.Cancel(context.Background(), a); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if v := h.status(a); v.Status != models.RequestCancelled {
		t.Fatalf("cancelled request status %s", v.Status)
	}
	if v := h.status(b); v.Status != models.RequestPending || !h.idx.Contains(b) {
		t.Fatalf("other member %+v", v)
	}
	view, _ := h.e.Group(context.Background(), g.ID)
	if view.Group.Status != models.GroupExpired {
		t.Fatalf("group status %s, want expired", view.Group.Status)
	}
	if len(h.pub.ofType(events.GroupExpired)) != 1 || len(h.pub.ofType(events.GroupCancelled)) != 0 {
		t.Fatal("expected one expired event and no cancelled event")
	}
}

func TestProposedRequestsAreNotRegrouped(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.proposePair()
	h.submit(command("rider-c", geo.Offset(base, 100, 0), 0.9))
	if res := h.pass(); len(res.Proposed) != 0 {
		t.Fatalf("members of an open group were grouped again: %+v", res.Proposed)
	}
}

// cancellingDirectory cancels one request the first time its requester is
// looked up, which happens after the pass snapshot was taken.
type cancellingDirectory struct {
	identity.Directory
	requester string
	cancel    func()
	once      sync.Once
}

func (d *cancellingDirectory) Lookup(ctx context.Context, userID string) (models.Profile, error) {
	if userID == d.requester {
		d.once.Do(d.cancel)
	}
	return d.Directory.Lookup(ctx, userID)
}

func TestCancelDuringPassExcludesStaleMember(t *testing.T) {
	dir := &cancellingDirectory{Directory: identity.NewStatic(), requester: "rider-c"}
	h := newHarness(t, DefaultConfig(), dir)
	a := h.submit(command("rider-a", base, 0.9))
	b := h.submit(command("rider-b", geo.Offset(base, 100, 0), 0.9))
	c := h.submit(command("rider-c", geo.Offset(base, 200, 0), 0.9))
	dir.cancel = func() {
		if err := h.e.Cancel(context.Background(), c); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	res := h.pass()
	if len(res.Proposed) != 1 {
		t.Fatalf("expected 1 group, got %d", len(res.Proposed))
	}
	g := res.Proposed[0]
	if g.HasMember(c) || !g.HasMember(a) || !g.HasMember(b) {
		t.Fatalf("members = %v", g.Members)
	}
	if res.Stale != 1 {
		t.Fatalf("stale = %d, want 1", res.Stale)
	}
	if v := h.status(c); v.Status != models.RequestCancelled {
		t.Fatalf("cancelled request status %s", v.Status)
	}
}

func TestProfileOutageDefersRequest(t *testing.T) {
	dir := identity.NewStatic()
	dir.Fail("rider-a", errors.New("identity down"))
	h := newHarness(t, DefaultConfig(), dir)
	a := h.submit(command("rider-a", base, 0.9))
	h.submit(command("rider-b", geo.Offset(base, 100, 0), 0.9))

	res := h.pass()
	if len(res.Proposed) != 0 || len(res.Deferred) != 1 || res.Deferred[0].RequestID != a {
		t.Fatalf("unexpected pass %+v", res)
	}
	if v := h.status(a); v.Status != models.RequestPending {
		t.Fatalf("deferred request status %s", v.Status)
	}

	dir.Fail("rider-a", nil)
	if res := h.pass(); len(res.Proposed) != 1 {
		t.Fatalf("expected a group once identity recovers, got %d", len(res.Proposed))
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	valid := command("rider-a", base, 0.5)
	cases := []struct {
		name  string
		field string
		edit  func(*SubmitCommand)
	}{
		{"missing requester", "requester_id", func(c *SubmitCommand) { c.RequesterID = "" }},
		{"missing pickup", "pickup", func(c *SubmitCommand) { c.Pickup = nil }},
		{"missing drop", "drop", func(c *SubmitCommand) { c.Drop = nil }},
		{"latitude out of range", "pickup", func(c *SubmitCommand) { c.Pickup = &models.Coord{Lat: 91, Lon: 0} }},
		{"inverted window", "window", func(c *SubmitCommand) { c.Window.Latest = c.Window.Earliest.Add(-time.Minute) }},
		{"empty window", "window", func(c *SubmitCommand) { c.Window = models.Window{} }},
		{"past window", "window", func(c *SubmitCommand) {
			c.Window = models.Window{Earliest: departAt.Add(-2 * time.Hour), Latest: departAt.Add(-time.Hour)}
		}},
		{"trust above one", "trust_score", func(c *SubmitCommand) { c.TrustScore = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := valid
			tc.edit(&cmd)
			_, err := h.e.Submit(context.Background(), cmd)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("got %v, want validation error on %s", err, tc.field)
			}
		})
	}
	if h.idx.Len() != 0 {
		t.Fatalf("rejected submissions reached the index: %d", h.idx.Len())
	}
}

func TestSubmitIsIdempotentOnDedupeKey(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	cmd := command("rider-a", base, 0.9)
	cmd.DedupeKey = "client-retry-1"
	first, err := h.e.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := h.e.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.Duplicate || !second.Duplicate || first.RequestID != second.RequestID {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if h.idx.Len() != 1 {
		t.Fatalf("index holds %d requests, want 1", h.idx.Len())
	}
}

func TestAbandonedRequestsExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AbandonAfter = time.Minute
	h := newHarness(t, cfg, nil)
	id := h.submit(command("rider-a", base, 0.9))

	h.clk.Set(departAt.Add(10*time.Minute + 30*time.Second))
	h.e.Sweep(context.Background())
	if v := h.status(id); v.Status != models.RequestPending {
		t.Fatalf("abandoned too early: %s", v.Status)
	}
	h.clk.Advance(time.Minute)
	h.e.Sweep(context.Background())
	if v := h.status(id); v.Status != models.RequestExpired {
		t.Fatalf("status %s, want expired", v.Status)
	}
	if h.idx.Contains(id) {
		t.Fatal("abandoned request still indexed")
	}
	if len(h.pub.ofType(events.RequestExpired)) != 1 {
		t.Fatal("expected a request.expired event")
	}
}

func TestSweepForgetsOldTerminalRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = time.Hour
	h := newHarness(t, cfg, nil)
	id := h.submit(command("rider-a", base, 0.9))
	if err := h.e.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.clk.Advance(2 * time.Hour)
	h.e.Sweep(context.Background())
	if _, err := h.e.Status(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected request to be forgotten, got %v", err)
	}
}

func TestBurstTriggersPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PassInterval = time.Hour
	cfg.SweepInterval = time.Hour
	cfg.BurstSize = 2
	h := newHarness(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	a := h.submit(command("rider-a", base, 0.9))
	h.submit(command("rider-b", geo.Offset(base, 300, 0), 0.9))

	deadline := time.Now().Add(2 * time.Second)
	for h.status(a).Status != models.RequestProposed {
		if time.Now().After(deadline) {
			t.Fatal("burst did not trigger a pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

// blockingDirectory holds lookups for one requester until release is closed.
type blockingDirectory struct {
	identity.Directory
	requester string
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (d *blockingDirectory) Lookup(ctx context.Context, userID string) (models.Profile, error) {
	if userID == d.requester {
		d.once.Do(func() { close(d.entered) })
		select {
		case <-d.release:
		case <-ctx.Done():
			return models.Profile{}, ctx.Err()
		}
	}
	return d.Directory.Lookup(ctx, userID)
}

func TestSweepRunsWhilePassIsBlocked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PassInterval = time.Hour
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.BurstSize = 2
	dir := &blockingDirectory{
		Directory: identity.NewStatic(),
		requester: "rider-c",
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	h := newHarness(t, cfg, dir)
	a, b, g := h.proposePair()
	h.submit(command("rider-c", geo.Offset(base, 100, 0), 0.9))
	h.submit(command("rider-d", geo.Offset(base, 200, 0), 0.9))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	select {
	case <-dir.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pass never started")
	}
	h.clk.Advance(6 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for h.status(a).Status != models.RequestPending {
		if time.Now().After(deadline) {
			t.Fatal("group did not expire while the pass was blocked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v := h.status(b); v.Status != models.RequestPending {
		t.Fatalf("other member status %s", v.Status)
	}
	view, _ := h.e.Group(context.Background(), g.ID)
	if view.Group.Status != models.GroupExpired {
		t.Fatalf("group status %s, want expired", view.Group.Status)
	}

	close(dir.release)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}
