// Package scoring computes pairwise compatibility between two ride requests.
package scoring

import (
	"math"

	"github.com/example/ride-grouping/internal/geo"
	"github.com/example/ride-grouping/internal/models"
)

// Reasons attached to pairs that fail a hard constraint.
const (
	ReasonSelf       = "self_pair"
	ReasonFemaleOnly = "female_only_mismatch"
	ReasonRiderMode  = "rider_mode_unavailable"
)

// minVectorMeters is the pickup->drop length below which a trip has no
// meaningful direction.
const minVectorMeters = 1.0

type Weights struct {
	Route float64
	Time  float64
	Trust float64
	Misc  float64
}

func DefaultWeights() Weights {
	return Weights{Route: 0.40, Time: 0.30, Trust: 0.20, Misc: 0.10}
}

type Config struct {
	Weights               Weights
	CatchmentRadiusMeters float64
	// NoRiderMisc is the misc component when both profiles are known and
	// neither party can ride.
	NoRiderMisc float64
}

func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), CatchmentRadiusMeters: 2000, NoRiderMisc: 0.5}
}

// Participant is a request together with its requester's profile.
type Participant struct {
	Request models.RideRequest
	Profile models.Profile
}

type Scorer struct {
	cfg Config
}

func New(cfg Config) *Scorer {
	if cfg.CatchmentRadiusMeters <= 0 {
		cfg.CatchmentRadiusMeters = DefaultConfig().CatchmentRadiusMeters
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config { return s.cfg }

// Score is pure and symmetric: the pair is canonicalized on request ID so that
// Score(a, b) and Score(b, a) run the exact same arithmetic.
func (s *Scorer) Score(a, b Participant) models.PairScore {
	if b.Request.ID < a.Request.ID {
		a, b = b, a
	}
	out := models.PairScore{RequestA: a.Request.ID, RequestB: b.Request.ID}
	if a.Request.ID == b.Request.ID {
		out.Reason = ReasonSelf
		return out
	}
	if reason := hardConstraint(a, b); reason != "" {
		out.Reason = reason
		return out
	}

	out.Eligible = true
	out.Route = s.route(a.Request, b.Request)
	out.Time = timeCompatibility(a.Request.Window, b.Request.Window)
	out.Trust = math.Min(clamp01(a.Request.TrustScore), clamp01(b.Request.TrustScore))
	out.Misc = s.misc(a.Profile, b.Profile)

	w := s.cfg.Weights
	out.Combined = clamp01(w.Route*out.Route + w.Time*out.Time + w.Trust*out.Trust + w.Misc*out.Misc)
	return out
}

func hardConstraint(a, b Participant) string {
	if a.Request.FemaleOnly && b.Profile.Gender != models.GenderFemale {
		return ReasonFemaleOnly
	}
	if b.Request.FemaleOnly && a.Profile.Gender != models.GenderFemale {
		return ReasonFemaleOnly
	}
	if a.Request.RiderModeOnly && !b.Profile.RiderCapable {
		return ReasonRiderMode
	}
	if b.Request.RiderModeOnly && !a.Profile.RiderCapable {
		return ReasonRiderMode
	}
	return ""
}

func (s *Scorer) route(a, b models.RideRequest) float64 {
	radius := s.cfg.CatchmentRadiusMeters
	dPickup := geo.Distance(a.Pickup, b.Pickup)
	dDrop := geo.Distance(a.Drop, b.Drop)
	if dPickup > radius || dDrop > radius {
		return 0
	}
	proximity := ((1 - dPickup/radius) + (1 - dDrop/radius)) / 2
	return clamp01(proximity * bearingSimilarity(a, b))
}

func bearingSimilarity(a, b models.RideRequest) float64 {
	if geo.Distance(a.Pickup, a.Drop) < minVectorMeters || geo.Distance(b.Pickup, b.Drop) < minVectorMeters {
		return 1
	}
	diff := geo.Bearing(a.Pickup, a.Drop) - geo.Bearing(b.Pickup, b.Drop)
	return math.Max(0, math.Cos(diff))
}

func timeCompatibility(a, b models.Window) float64 {
	start := max(a.Earliest.Unix(), b.Earliest.Unix())
	end := min(a.Latest.Unix(), b.Latest.Unix())
	if end < start {
		return 0
	}
	union := max(a.Latest.Unix(), b.Latest.Unix()) - min(a.Earliest.Unix(), b.Earliest.Unix())
	if union == 0 {
		return 1
	}
	overlapMin := float64(end-start) / 60
	unionMin := float64(union) / 60
	return clamp01(overlapMin / unionMin)
}

func (s *Scorer) misc(a, b models.Profile) float64 {
	if a.Known && b.Known && !a.RiderCapable && !b.RiderCapable {
		return clamp01(s.cfg.NoRiderMisc)
	}
	return 1
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
