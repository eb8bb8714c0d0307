package matcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sort"

	"github.com/example/ride-grouping/internal/identity"
	"github.com/example/ride-grouping/internal/models"
	"github.com/example/ride-grouping/internal/observability"
	"github.com/example/ride-grouping/internal/scoring"
)

// Candidates is the lookup the builder needs from the candidate index.
type Candidates interface {
	CandidatesNear(req models.RideRequest, accept func(models.RideRequest) bool) iter.Seq[models.RideRequest]
}

type Config struct {
	Threshold    float64
	MaxGroupSize int
}

func DefaultConfig() Config {
	return Config{Threshold: 0.6, MaxGroupSize: 4}
}

var ErrTooFewMembers = errors.New("a group needs at least two members")

// Proposal is a candidate group handed to the confirmation coordinator. It can
// only be built through NewProposal, so it always has two or more members.
type Proposal struct {
	members        []string
	formationScore float64
	pairs          map[pairKey]models.PairScore
}

type pairKey struct{ a, b string }

func keyOf(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// NewProposal builds a proposal from members and the pair scores between
// them. The formation score is the weakest pair.
func NewProposal(members []string, scores []models.PairScore) (Proposal, error) {
	if len(members) < 2 {
		return Proposal{}, ErrTooFewMembers
	}
	pairs := make(map[pairKey]models.PairScore, len(scores))
	for _, s := range scores {
		pairs[keyOf(s.RequestA, s.RequestB)] = s
	}
	p := Proposal{members: append([]string(nil), members...), pairs: pairs}
	score, err := p.minPairwise(p.members)
	if err != nil {
		return Proposal{}, err
	}
	p.formationScore = score
	return p, nil
}

func (p Proposal) Members() []string { return append([]string(nil), p.members...) }

func (p Proposal) FormationScore() float64 { return p.formationScore }

func (p Proposal) Pair(a, b string) (models.PairScore, bool) {
	s, ok := p.pairs[keyOf(a, b)]
	return s, ok
}

// Without drops members that are no longer matchable. The weakest-link score
// of a subset can only stay equal or rise.
func (p Proposal) Without(stale map[string]bool) (Proposal, error) {
	keep := make([]string, 0, len(p.members))
	for _, m := range p.members {
		if !stale[m] {
			keep = append(keep, m)
		}
	}
	if len(keep) < 2 {
		return Proposal{}, ErrTooFewMembers
	}
	score, err := p.minPairwise(keep)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{members: keep, formationScore: score, pairs: p.pairs}, nil
}

func (p Proposal) minPairwise(members []string) (float64, error) {
	lowest := math.Inf(1)
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			s, ok := p.pairs[keyOf(members[i], members[j])]
			if !ok {
				return 0, fmt.Errorf("missing pair score %s/%s", members[i], members[j])
			}
			lowest = math.Min(lowest, s.Combined)
		}
	}
	return lowest, nil
}

// Deferral records a request skipped for this pass.
type Deferral struct {
	RequestID string
	Err       error
}

type Pass struct {
	Proposals []Proposal
	Deferred  []Deferral
	Scored    int
}

type Builder struct {
	Index     Candidates
	Scorer    *scoring.Scorer
	Directory identity.Directory
	Config    Config
	Logger    *slog.Logger
}

// passState is the per-invocation working set. Nothing survives between
// FormGroups calls.
type passState struct {
	pending  map[string]models.RideRequest
	profiles map[string]models.Profile
	failed   map[string]error
	assigned map[string]bool
	scores   map[pairKey]models.PairScore
	scored   int
}

// FormGroups runs one greedy pass over pending. Requests are seeded oldest
// first; a request that fails (profile lookup, scoring panic) is deferred to
// the next pass without affecting the others.
func (b *Builder) FormGroups(ctx context.Context, pending []models.RideRequest) (Pass, error) {
	cfg := b.Config
	if cfg.MaxGroupSize < 2 {
		cfg.MaxGroupSize = DefaultConfig().MaxGroupSize
	}
	st := &passState{
		pending:  make(map[string]models.RideRequest, len(pending)),
		profiles: make(map[string]models.Profile),
		failed:   make(map[string]error),
		assigned: make(map[string]bool),
		scores:   make(map[pairKey]models.PairScore),
	}
	ordered := append([]models.RideRequest(nil), pending...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, r := range ordered {
		st.pending[r.ID] = r
	}

	var out Pass
	for _, seed := range ordered {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if st.assigned[seed.ID] {
			continue
		}
		if _, failed := st.failed[seed.ID]; failed {
			continue
		}
		prop, ok, err := b.growIsolated(ctx, st, cfg, seed)
		if err != nil {
			st.failed[seed.ID] = err
			continue
		}
		if !ok {
			continue
		}
		for _, m := range prop.members {
			st.assigned[m] = true
		}
		out.Proposals = append(out.Proposals, prop)
	}

	for _, r := range ordered {
		if err, ok := st.failed[r.ID]; ok && !st.assigned[r.ID] {
			out.Deferred = append(out.Deferred, Deferral{RequestID: r.ID, Err: err})
			observability.DeferredRequests.Inc()
			b.logger().Warn("request deferred", "request_id", r.ID, "error", err)
		}
	}
	out.Scored = st.scored
	return out, nil
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

func (b *Builder) growIsolated(ctx context.Context, st *passState, cfg Config, seed models.RideRequest) (p Proposal, ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("grouping %s panicked: %v", seed.ID, rec)
			ok = false
		}
	}()
	return b.grow(ctx, st, cfg, seed)
}

func (b *Builder) grow(ctx context.Context, st *passState, cfg Config, seed models.RideRequest) (Proposal, bool, error) {
	seedP, err := b.participant(ctx, st, seed)
	if err != nil {
		return Proposal{}, false, err
	}
	members := []scoring.Participant{seedP}
	inGroup := map[string]bool{seed.ID: true}
	pool := map[string]scoring.Participant{}
	b.extendPool(ctx, st, cfg, seedP, inGroup, pool)

	for len(members) < cfg.MaxGroupSize && len(pool) > 0 {
		bestID := ""
		bestScore := -1.0
		for _, id := range sortedKeys(pool) {
			cand := pool[id]
			link, fits := b.fit(st, cfg, members, cand)
			if !fits {
				continue
			}
			// strict > keeps the lowest ID on ties because ids are iterated in order
			if link > bestScore {
				bestID, bestScore = id, link
			}
		}
		if bestID == "" {
			break
		}
		chosen := pool[bestID]
		delete(pool, bestID)
		members = append(members, chosen)
		inGroup[bestID] = true
		b.extendPool(ctx, st, cfg, chosen, inGroup, pool)
	}

	if len(members) < 2 {
		return Proposal{}, false, nil
	}
	ids := make([]string, len(members))
	var scores []models.PairScore
	for i, m := range members {
		ids[i] = m.Request.ID
		for j := 0; j < i; j++ {
			scores = append(scores, st.scores[keyOf(members[j].Request.ID, m.Request.ID)])
		}
	}
	prop, err := NewProposal(ids, scores)
	if err != nil {
		return Proposal{}, false, err
	}
	return prop, true, nil
}

// fit reports the candidate's strongest link to the group and whether adding
// it keeps every pair viable, i.e. the group's minimum stays at or above the
// threshold.
func (b *Builder) fit(st *passState, cfg Config, members []scoring.Participant, cand scoring.Participant) (float64, bool) {
	best := -1.0
	for _, m := range members {
		s := b.score(st, m, cand)
		if !s.Viable(cfg.Threshold) {
			return 0, false
		}
		best = math.Max(best, s.Combined)
	}
	return best, true
}

func (b *Builder) score(st *passState, x, y scoring.Participant) models.PairScore {
	k := keyOf(x.Request.ID, y.Request.ID)
	if s, ok := st.scores[k]; ok {
		return s
	}
	s := b.Scorer.Score(x, y)
	st.scores[k] = s
	st.scored++
	return s
}

// extendPool adds around's unassigned neighbours from the index. Only
// candidates that form a viable pair with around are taken, so requests that
// can never match it do not use up the index's candidate cap. Requests not in
// this pass's snapshot (submitted after it was taken) wait for the next pass.
func (b *Builder) extendPool(ctx context.Context, st *passState, cfg Config, around scoring.Participant, inGroup map[string]bool, pool map[string]scoring.Participant) {
	accept := func(c models.RideRequest) bool {
		if inGroup[c.ID] || st.assigned[c.ID] {
			return false
		}
		if _, seen := pool[c.ID]; seen {
			return false
		}
		req, ok := st.pending[c.ID]
		if !ok {
			return false
		}
		if _, failed := st.failed[c.ID]; failed {
			return false
		}
		p, err := b.participant(ctx, st, req)
		if err != nil {
			return false
		}
		return b.score(st, around, p).Viable(cfg.Threshold)
	}
	for c := range b.Index.CandidatesNear(around.Request, accept) {
		if p, err := b.participant(ctx, st, st.pending[c.ID]); err == nil {
			pool[c.ID] = p
		}
	}
}

func (b *Builder) participant(ctx context.Context, st *passState, req models.RideRequest) (scoring.Participant, error) {
	if p, ok := st.profiles[req.RequesterID]; ok {
		return scoring.Participant{Request: req, Profile: p}, nil
	}
	if err, ok := st.failed[req.ID]; ok {
		return scoring.Participant{}, err
	}
	var prof models.Profile
	if b.Directory != nil {
		p, err := b.Directory.Lookup(ctx, req.RequesterID)
		switch {
		case err == nil:
			prof = p
		case errors.Is(err, identity.ErrNotFound):
			prof = models.Profile{UserID: req.RequesterID}
		default:
			err = fmt.Errorf("profile lookup: %w", err)
			st.failed[req.ID] = err
			return scoring.Participant{}, err
		}
	}
	st.profiles[req.RequesterID] = prof
	return scoring.Participant{Request: req, Profile: prof}, nil
}

func sortedKeys(m map[string]scoring.Participant) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
