// Package consensus implements Proof of Internet scoring and producer selection.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// NodeMetrics is a validator's measured network performance.
type NodeMetrics struct {
	NodeID           string  `json:"node_id"`
	UploadMbps       float64 `json:"upload_mbps"`
	DownloadMbps     float64 `json:"download_mbps"`
	LatencyMs        float64 `json:"latency_ms"`
	UptimePercent    float64 `json:"uptime_percent"`
	StabilityPercent float64 `json:"stability_percent"`
}

var ErrInvalidMetrics = errors.New("invalid node metrics")

// ValidateMetrics rejects values no honest measurement can produce.
func ValidateMetrics(m NodeMetrics) error {
	if m.NodeID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidMetrics)
	}
	fields := []struct {
		name string
		v    float64
	}{
		{"upload_mbps", m.UploadMbps},
		{"download_mbps", m.DownloadMbps},
		{"latency_ms", m.LatencyMs},
		{"uptime_percent", m.UptimePercent},
		{"stability_percent", m.StabilityPercent},
	}
	for _, f := range fields {
		if !isFiniteNonNegative(f.v) {
			return fmt.Errorf("%w: %s = %v", ErrInvalidMetrics, f.name, f.v)
		}
	}
	if m.UptimePercent > 100 || m.StabilityPercent > 100 {
		return fmt.Errorf("%w: percentage above 100", ErrInvalidMetrics)
	}
	return nil
}

func normalize(v, max float64) float64 {
	if max <= 0 || math.IsNaN(v) {
		return 0
	}
	return clamp01(v / max)
}

// invertNormalize is used for metrics where lower is better.
func invertNormalize(v, max float64) float64 {
	return 1.0 - normalize(v, max)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Scorer computes PoI scores and selects producers for a fixed Config.
type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config {
	return s.cfg
}

// Score returns the weighted PoI score in [0, 1].
func (s *Scorer) Score(m NodeMetrics) float64 {
	w, t := s.cfg.Weights, s.cfg.Thresholds

	up := normalize(m.UploadMbps, t.UploadMbps)
	down := normalize(m.DownloadMbps, t.DownloadMbps)
	lat := invertNormalize(m.LatencyMs, t.LatencyMs)
	upt := normalize(m.UptimePercent, t.UptimePercent)
	stab := normalize(m.StabilityPercent, t.StabilityPercent)

	score := w.Upload*up + w.Download*down + w.Latency*lat + w.Uptime*upt + w.Stability*stab
	if math.IsNaN(score) {
		return 0
	}
	return clamp01(score)
}

// UpdateEpoch recomputes the score of every node in the pool.
func (s *Scorer) UpdateEpoch(pool map[string]NodeMetrics) map[string]float64 {
	scores := make(map[string]float64, len(pool))
	for id, m := range pool {
		scores[id] = s.Score(m)
	}
	return scores
}

// Ranked is one row of a ranked validator pool.
type Ranked struct {
	NodeID      string      `json:"node_id"`
	Score       float64     `json:"score"`
	Probability float64     `json:"probability"`
	Metrics     NodeMetrics `json:"metrics"`
}

// Rank orders the pool by score descending, ties broken by node id.
// Probability is the node's share of total selection weight.
func (s *Scorer) Rank(pool map[string]NodeMetrics) []Ranked {
	ids := make([]string, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Summed in id order so the probabilities are bit-identical across nodes.
	out := make([]Ranked, 0, len(pool))
	total := 0.0
	for _, id := range ids {
		m := pool[id]
		sc := s.Score(m)
		total += sc
		out = append(out, Ranked{NodeID: id, Score: sc, Metrics: m})
	}
	for i := range out {
		if total > epsilon {
			out[i].Probability = out[i].Score / total
		} else if len(out) > 0 {
			// Zero-weight pools fall back to a uniform pick.
			out[i].Probability = 1.0 / float64(len(out))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}
