// Package index holds the pending ride requests that are still matchable,
// bucketed by pickup grid cell and departure slot so candidate lookups never
// scan the whole pool.
package index

import (
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-grouping/internal/geo"
	"github.com/example/ride-grouping/internal/models"
)

type Config struct {
	SearchRadiusMeters float64
	MaxCandidates      int
	SlotWidth          time.Duration
}

func DefaultConfig() Config {
	return Config{SearchRadiusMeters: 2000, MaxCandidates: 32, SlotWidth: 15 * time.Minute}
}

type bucketKey struct {
	cell geo.Cell
	slot int64
}

type entry struct {
	req models.RideRequest
	key bucketKey
}

// Index is safe for concurrent use. Every mutation holds the write lock only
// for the duration of a map update.
type Index struct {
	cfg  Config
	grid geo.Grid

	mu      sync.RWMutex
	entries map[string]entry
	buckets map[bucketKey]map[string]struct{}
	// slots tracks the occupied departure slots per cell so lookups can skip
	// empty time ranges.
	slots map[geo.Cell]map[int64]int
	// windows counts indexed requests per window length. maxWindow is the
	// longest of them: a candidate can start at most this long before a query
	// window and still overlap it.
	windows   map[time.Duration]int
	maxWindow time.Duration
}

func New(cfg Config) *Index {
	def := DefaultConfig()
	if cfg.SearchRadiusMeters <= 0 {
		cfg.SearchRadiusMeters = def.SearchRadiusMeters
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.SlotWidth < time.Second {
		cfg.SlotWidth = def.SlotWidth
	}
	return &Index{
		cfg:     cfg,
		grid:    geo.Grid{EdgeMeters: cfg.SearchRadiusMeters},
		entries: make(map[string]entry),
		buckets: make(map[bucketKey]map[string]struct{}),
		slots:   make(map[geo.Cell]map[int64]int),
		windows: make(map[time.Duration]int),
	}
}

func (x *Index) slotOf(t time.Time) int64 {
	return t.Unix() / int64(x.cfg.SlotWidth/time.Second)
}

// Upsert indexes a pending request. Any other status removes it, which keeps
// proposed or finished requests out of every later lookup.
func (x *Index) Upsert(req models.RideRequest) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(req.ID)
	if req.Status != models.RequestPending {
		return
	}
	key := bucketKey{cell: x.grid.CellOf(req.Pickup), slot: x.slotOf(req.Window.Earliest)}
	x.entries[req.ID] = entry{req: req, key: key}
	d := req.Window.Duration()
	x.windows[d]++
	if d > x.maxWindow {
		x.maxWindow = d
	}
	b, ok := x.buckets[key]
	if !ok {
		b = make(map[string]struct{})
		x.buckets[key] = b
	}
	b[req.ID] = struct{}{}
	s, ok := x.slots[key.cell]
	if !ok {
		s = make(map[int64]int)
		x.slots[key.cell] = s
	}
	s[key.slot]++
}

// Remove drops a request and reports whether it was indexed.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(id)
}

func (x *Index) removeLocked(id string) bool {
	e, ok := x.entries[id]
	if !ok {
		return false
	}
	delete(x.entries, id)
	d := e.req.Window.Duration()
	if x.windows[d]--; x.windows[d] <= 0 {
		delete(x.windows, d)
		if d == x.maxWindow {
			x.maxWindow = 0
			for w := range x.windows {
				x.maxWindow = max(x.maxWindow, w)
			}
		}
	}
	if b := x.buckets[e.key]; b != nil {
		delete(b, id)
		if len(b) == 0 {
			delete(x.buckets, e.key)
		}
	}
	if s := x.slots[e.key.cell]; s != nil {
		s[e.key.slot]--
		if s[e.key.slot] <= 0 {
			delete(s, e.key.slot)
		}
		if len(s) == 0 {
			delete(x.slots, e.key.cell)
		}
	}
	return true
}

func (x *Index) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.entries[id]
	return ok
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Snapshot returns every indexed request, oldest first with the lower ID
// winning ties.
func (x *Index) Snapshot() []models.RideRequest {
	x.mu.RLock()
	out := make([]models.RideRequest, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e.req)
	}
	x.mu.RUnlock()
	SortOldestFirst(out)
	return out
}

func SortOldestFirst(reqs []models.RideRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// CandidatesNear yields indexed requests whose pickup lies within the search
// radius of req's pickup and whose departure window overlaps req's, nearest
// pickup first. Candidates rejected by accept are skipped and do not count
// toward MaxCandidates; a nil accept takes everything. The sequence excludes
// req itself and can be ranged over again for a fresh lookup. Buckets are
// copied under the read lock; the lock is never held while accept or the
// caller runs.
func (x *Index) CandidatesNear(req models.RideRequest, accept func(models.RideRequest) bool) iter.Seq[models.RideRequest] {
	return func(yield func(models.RideRequest) bool) {
		x.mu.RLock()
		reach := x.maxWindow
		x.mu.RUnlock()
		lo := x.slotOf(req.Window.Earliest.Add(-reach))
		hi := x.slotOf(req.Window.Latest)

		type near struct {
			req  models.RideRequest
			dist float64
		}
		var found []near
		for _, cell := range x.grid.Around(req.Pickup, x.cfg.SearchRadiusMeters) {
			for _, c := range x.bucketsIn(cell, lo, hi) {
				if c.ID == req.ID {
					continue
				}
				d := geo.Distance(req.Pickup, c.Pickup)
				if d > x.cfg.SearchRadiusMeters {
					continue
				}
				if c.Window.Latest.Before(req.Window.Earliest) || req.Window.Latest.Before(c.Window.Earliest) {
					continue
				}
				found = append(found, near{req: c, dist: d})
			}
		}
		sort.SliceStable(found, func(i, j int) bool {
			if found[i].dist != found[j].dist {
				return found[i].dist < found[j].dist
			}
			if !found[i].req.CreatedAt.Equal(found[j].req.CreatedAt) {
				return found[i].req.CreatedAt.Before(found[j].req.CreatedAt)
			}
			return found[i].req.ID < found[j].req.ID
		})

		emitted := 0
		for _, n := range found {
			if accept != nil && !accept(n.req) {
				continue
			}
			if !yield(n.req) {
				return
			}
			emitted++
			if emitted >= x.cfg.MaxCandidates {
				return
			}
		}
	}
}

// bucketsIn copies the requests of one cell whose departure slot is in
// [lo, hi].
func (x *Index) bucketsIn(cell geo.Cell, lo, hi int64) []models.RideRequest {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []models.RideRequest
	for slot := range x.slots[cell] {
		if slot < lo || slot > hi {
			continue
		}
		for id := range x.buckets[bucketKey{cell: cell, slot: slot}] {
			out = append(out, x.entries[id].req)
		}
	}
	return out
}
