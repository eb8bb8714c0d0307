package matcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/example/ride-grouping/internal/geo"
	"github.com/example/ride-grouping/internal/identity"
	"github.com/example/ride-grouping/internal/index"
	"github.com/example/ride-grouping/internal/models"
	"github.com/example/ride-grouping/internal/scoring"
)

var (
	base     = models.Coord{Lat: 12.9716, Lon: 77.5946}
	departAt = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	idx *index.Index
	dir *identity.Static
	b   *Builder
	seq int
}

func newFixture(cfg Config) *fixture {
	idx := index.New(index.DefaultConfig())
	dir := identity.NewStatic()
	return &fixture{
		idx: idx,
		dir: dir,
		b:   &Builder{Index: idx, Scorer: scoring.New(scoring.DefaultConfig()), Directory: dir, Config: cfg},
	}
}

// add indexes a pending request north-bound from pickup. Requests added later
// are younger.
func (f *fixture) add(id string, pickup models.Coord, trust float64) models.RideRequest {
	f.seq++
	r := models.RideRequest{
		ID:          id,
		RequesterID: "u-" + id,
		Pickup:      pickup,
		Drop:        geo.Offset(pickup, 5000, 0),
		Window:      models.Window{Earliest: departAt, Latest: departAt.Add(10 * time.Minute)},
		TrustScore:  trust,
		Status:      models.RequestPending,
		CreatedAt:   departAt.Add(-time.Hour + time.Duration(f.seq)*time.Second),
	}
	f.idx.Upsert(r)
	return r
}

func (f *fixture) run(t *testing.T) Pass {
	t.Helper()
	pass, err := f.b.FormGroups(context.Background(), f.idx.Snapshot())
	if err != nil {
		t.Fatalf("form groups: %v", err)
	}
	return pass
}

func assertFormation(t *testing.T, p Proposal, threshold float64) {
	t.Helper()
	members := p.Members()
	lowest := 2.0
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			s, ok := p.Pair(members[i], members[j])
			if !ok {
				t.Fatalf("missing pair %s/%s", members[i], members[j])
			}
			if s.Combined < lowest {
				lowest = s.Combined
			}
		}
	}
	if p.FormationScore() != lowest {
		t.Fatalf("formation = %f, want min pairwise %f", p.FormationScore(), lowest)
	}
	if p.FormationScore() < threshold {
		t.Fatalf("formation %f below threshold %f", p.FormationScore(), threshold)
	}
}

func TestNearbyPairIsGrouped(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.add("a", base, 0.9)
	f.add("b", geo.Offset(base, 300, 0), 0.95)

	pass := f.run(t)
	if len(pass.Proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(pass.Proposals))
	}
	p := pass.Proposals[0]
	if got := p.Members(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("members = %v, want [a b]", got)
	}
	assertFormation(t, p, 0.6)
}

func TestDistantPairIsNotGrouped(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.add("a", base, 0.9)
	f.add("b", geo.Offset(base, 5000, 0), 0.95)

	if pass := f.run(t); len(pass.Proposals) != 0 {
		t.Fatalf("expected no proposals, got %d", len(pass.Proposals))
	}
}

func TestFemaleOnlyMismatchIsNotGrouped(t *testing.T) {
	f := newFixture(DefaultConfig())
	a := f.add("a", base, 1)
	a.FemaleOnly = true
	f.idx.Upsert(a)
	f.add("b", geo.Offset(base, 50, 0), 1)
	f.dir.Put(models.Profile{UserID: "u-a", Gender: models.GenderFemale})
	f.dir.Put(models.Profile{UserID: "u-b", Gender: models.GenderMale, RiderCapable: true})

	if pass := f.run(t); len(pass.Proposals) != 0 {
		t.Fatalf("female-only pair must not be grouped, got %v", pass.Proposals[0].Members())
	}
}

func TestLeftoversFormSecondGroup(t *testing.T) {
	f := newFixture(Config{Threshold: 0.6, MaxGroupSize: 3})
	for i := 0; i < 5; i++ {
		f.add(fmt.Sprintf("r%d", i), geo.Offset(base, float64(i*40), 0), 1)
	}
	pass := f.run(t)
	if len(pass.Proposals) != 2 {
		t.Fatalf("expected 2 proposals, got %d", len(pass.Proposals))
	}
	first, second := pass.Proposals[0].Members(), pass.Proposals[1].Members()
	if len(first) != 3 || len(second) != 2 {
		t.Fatalf("sizes = %d,%d want 3,2", len(first), len(second))
	}
	if first[0] != "r0" {
		t.Fatalf("oldest request must seed the first group, got %v", first)
	}
	seen := map[string]bool{}
	for _, p := range pass.Proposals {
		assertFormation(t, p, 0.6)
		for _, m := range p.Members() {
			if seen[m] {
				t.Fatalf("request %s assigned to two groups", m)
			}
			seen[m] = true
		}
	}
}

func TestGreedyPicksClosestThenLowestIDOnTie(t *testing.T) {
	f := newFixture(Config{Threshold: 0.6, MaxGroupSize: 2})
	f.add("seed", base, 1)
	f.add("z-close", geo.Offset(base, 100, 0), 1)
	f.add("b-far", geo.Offset(base, 900, 0), 1)
	f.add("a-far", geo.Offset(base, 900, 0), 1)

	pass := f.run(t)
	if len(pass.Proposals) != 2 {
		t.Fatalf("expected 2 proposals, got %d", len(pass.Proposals))
	}
	if got := pass.Proposals[0].Members(); got[1] != "z-close" {
		t.Fatalf("seed should take the closest candidate, got %v", got)
	}
	if got := pass.Proposals[1].Members(); got[0] != "b-far" || got[1] != "a-far" {
		t.Fatalf("second group = %v, want [b-far a-far]", got)
	}
}

func TestTieBreakLowestID(t *testing.T) {
	f := newFixture(Config{Threshold: 0.6, MaxGroupSize: 2})
	f.add("seed", base, 1)
	f.add("m", geo.Offset(base, 200, 0), 1)
	f.add("k", geo.Offset(base, 200, 0), 1)

	pass := f.run(t)
	if len(pass.Proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(pass.Proposals))
	}
	if got := pass.Proposals[0].Members(); got[1] != "k" {
		t.Fatalf("tie should go to lowest id k, got %v", got)
	}
}

func TestLonelyRequestStaysPending(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.add("alone", base, 1)
	pass := f.run(t)
	if len(pass.Proposals) != 0 || len(pass.Deferred) != 0 {
		t.Fatalf("expected nothing, got %+v", pass)
	}
}

func TestProfileFailureDefersOnlyThatRequest(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.add("a", base, 1)
	f.add("b", geo.Offset(base, 100, 0), 1)
	f.add("c", geo.Offset(base, 200, 0), 1)
	f.dir.Fail("u-a", errors.New("identity unavailable"))

	pass := f.run(t)
	if len(pass.Deferred) != 1 || pass.Deferred[0].RequestID != "a" {
		t.Fatalf("expected a deferred, got %+v", pass.Deferred)
	}
	if len(pass.Proposals) != 1 {
		t.Fatalf("expected b and c grouped, got %d proposals", len(pass.Proposals))
	}
	if got := pass.Proposals[0].Members(); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("members = %v, want [b c]", got)
	}
}

type panickingIndex struct{ inner Candidates }

func (p panickingIndex) CandidatesNear(req models.RideRequest, accept func(models.RideRequest) bool) iter.Seq[models.RideRequest] {
	if req.ID == "boom" {
		panic("corrupt bucket")
	}
	return p.inner.CandidatesNear(req, accept)
}

func TestPanicIsIsolatedToOneRequest(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.add("boom", geo.Offset(base, 0, 8000), 1)
	f.add("a", base, 1)
	f.add("b", geo.Offset(base, 100, 0), 1)
	f.b.Index = panickingIndex{inner: f.idx}

	pass := f.run(t)
	if len(pass.Deferred) != 1 || pass.Deferred[0].RequestID != "boom" {
		t.Fatalf("expected boom deferred, got %+v", pass.Deferred)
	}
	if len(pass.Proposals) != 1 {
		t.Fatalf("expected a and b grouped despite panic, got %d", len(pass.Proposals))
	}
}

func TestNewProposalRejectsSingleMember(t *testing.T) {
	if _, err := NewProposal([]string{"a"}, nil); !errors.Is(err, ErrTooFewMembers) {
		t.Fatalf("expected ErrTooFewMembers, got %v", err)
	}
}

func TestProposalWithoutRecomputesFormation(t *testing.T) {
	scores := []models.PairScore{
		{RequestA: "a", RequestB: "b", Combined: 0.9},
		{RequestA: "a", RequestB: "c", Combined: 0.65},
		{RequestA: "b", RequestB: "c", Combined: 0.7},
	}
	p, err := NewProposal([]string{"a", "b", "c"}, scores)
	if err != nil {
		t.Fatalf("new proposal: %v", err)
	}
	if p.FormationScore() != 0.65 {
		t.Fatalf("formation = %f, want 0.65", p.FormationScore())
	}
	q, err := p.Without(map[string]bool{"c": true})
	if err != nil {
		t.Fatalf("without: %v", err)
	}
	if q.FormationScore() != 0.9 || len(q.Members()) != 2 {
		t.Fatalf("unexpected subset %v %f", q.Members(), q.FormationScore())
	}
	if _, err := p.Without(map[string]bool{"a": true, "b": true}); !errors.Is(err, ErrTooFewMembers) {
		t.Fatalf("expected ErrTooFewMembers, got %v", err)
	}
}
