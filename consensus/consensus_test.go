package consensus

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perfectNode(id string) NodeMetrics {
	return NodeMetrics{
		NodeID:           id,
		UploadMbps:       100,
		DownloadMbps:     1000,
		LatencyMs:        0,
		UptimePercent:    100,
		StabilityPercent: 100,
	}
}

// deadNode scores exactly zero under the default config.
func deadNode(id string) NodeMetrics {
	return NodeMetrics{NodeID: id, LatencyMs: 200}
}

func TestPerfectScoreIsOne(t *testing.T) {
	s := NewScorer(DefaultConfig())
	assert.InDelta(t, 1.0, s.Score(perfectNode("a")), 1e-9)
}

func TestScoreComponents(t *testing.T) {
	s := NewScorer(DefaultConfig())

	assert.Equal(t, 0.0, s.Score(deadNode("a")))

	// Zero latency alone is worth the latency weight.
	assert.InDelta(t, 0.20, s.Score(NodeMetrics{NodeID: "a"}), 1e-12)

	// Half of every threshold, half latency.
	half := NodeMetrics{
		NodeID:           "a",
		UploadMbps:       50,
		DownloadMbps:     500,
		LatencyMs:        100,
		UptimePercent:    50,
		StabilityPercent: 50,
	}
	assert.InDelta(t, 0.5, s.Score(half), 1e-12)
}

func TestScoreClampsAboveThreshold(t *testing.T) {
	s := NewScorer(DefaultConfig())
	m := perfectNode("a")
	m.UploadMbps = 10_000
	m.DownloadMbps = 1e9
	assert.InDelta(t, 1.0, s.Score(m), 1e-9)

	m.LatencyMs = 5000
	assert.InDelta(t, 0.8, s.Score(m), 1e-9)
}

func TestScoreZeroThresholdContributesNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.UploadMbps = 0
	s := NewScorer(cfg)
	assert.InDelta(t, 0.75, s.Score(perfectNode("a")), 1e-9)
}

func TestScoreNaNIsZeroContribution(t *testing.T) {
	s := NewScorer(DefaultConfig())
	m := perfectNode("a")
	m.UploadMbps = math.NaN()
	assert.InDelta(t, 0.75, s.Score(m), 1e-9)
}

func TestSelectValidatorReturnsPoolMember(t *testing.T) {
	s := NewScorer(DefaultConfig())
	pool := map[string]NodeMetrics{
		"A": {NodeID: "A", UploadMbps: 80, DownloadMbps: 900, LatencyMs: 20, UptimePercent: 99, StabilityPercent: 98},
		"B": {NodeID: "B", UploadMbps: 20, DownloadMbps: 100, LatencyMs: 120, UptimePercent: 90, StabilityPercent: 70},
		"C": {NodeID: "C", UploadMbps: 5, DownloadMbps: 50, LatencyMs: 180, UptimePercent: 60, StabilityPercent: 40},
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		id, err := s.SelectValidatorRand(pool, rng)
		require.NoError(t, err)
		assert.Contains(t, []string{"A", "B", "C"}, id)
	}

	var prev [32]byte
	for epoch := uint64(0); epoch < 50; epoch++ {
		id, err := s.SelectValidator(pool, DeriveSeed(prev, epoch))
		require.NoError(t, err)
		assert.Contains(t, []string{"A", "B", "C"}, id)
	}
}

func TestSelectValidatorCumulativeWalk(t *testing.T) {
	s := NewScorer(DefaultConfig())
	// A scores 0.2 (uptime only), B scores 0.3 (uptime + stability).
	pool := map[string]NodeMetrics{
		"B": {NodeID: "B", LatencyMs: 200, UptimePercent: 100, StabilityPercent: 100},
		"A": {NodeID: "A", LatencyMs: 200, UptimePercent: 100},
	}

	quarter := Seed{0x40}
	half := Seed{0x80}
	require.Equal(t, 0.25, quarter.Fraction())
	require.Equal(t, 0.5, half.Fraction())

	id, err := s.SelectValidator(pool, quarter)
	require.NoError(t, err)
	assert.Equal(t, "A", id)

	id, err = s.SelectValidator(pool, half)
	require.NoError(t, err)
	assert.Equal(t, "B", id)
}

func TestSelectValidatorSkipsZeroWeight(t *testing.T) {
	s := NewScorer(DefaultConfig())
	pool := map[string]NodeMetrics{
		"a": deadNode("a"),
		"b": perfectNode("b"),
		"c": deadNode("c"),
	}
	for _, seed := range []Seed{{}, {0x80}, {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}} {
		id, err := s.SelectValidator(pool, seed)
		require.NoError(t, err)
		assert.Equal(t, "b", id)
	}
}

func TestSelectValidatorZeroWeightFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{
		UploadMbps:       0.0001,
		DownloadMbps:     0.0001,
		LatencyMs:        0.0001,
		UptimePercent:    0.0001,
		StabilityPercent: 0.0001,
	}
	s := NewScorer(cfg)
	pool := map[string]NodeMetrics{
		"y": {NodeID: "y", LatencyMs: 1},
		"x": {NodeID: "x", LatencyMs: 1},
	}
	require.Equal(t, 0.0, s.Score(pool["x"]))

	id, err := s.SelectValidator(pool, Seed{15: 3})
	require.NoError(t, err)
	assert.Equal(t, "y", id)

	id, err = s.SelectValidator(pool, Seed{15: 4})
	require.NoError(t, err)
	assert.Equal(t, "x", id)

	id, err = s.SelectValidatorRand(pool, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, "x", id)
}

func TestSelectValidatorEmptyPool(t *testing.T) {
	s := NewScorer(DefaultConfig())
	_, err := s.SelectValidator(nil, Seed{})
	assert.ErrorIs(t, err, ErrEmptyPool)
	_, err = s.SelectValidatorRand(map[string]NodeMetrics{}, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestSelectValidatorDeterministic(t *testing.T) {
	s := NewScorer(DefaultConfig())
	pool := map[string]NodeMetrics{}
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		m := perfectNode(id)
		m.UploadMbps = float64(len(pool)+1) * 15
		pool[id] = m
	}
	prev := [32]byte{1, 2, 3}
	seed := DeriveSlotSeed(prev, 7, 2)

	first, err := s.SelectValidator(pool, seed)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		copyPool := make(map[string]NodeMetrics, len(pool))
		for k, v := range pool {
			copyPool[k] = v
		}
		id, err := s.SelectValidator(copyPool, seed)
		require.NoError(t, err)
		require.Equal(t, first, id)
	}
}

func TestSeedDerivation(t *testing.T) {
	prev := [32]byte{9}
	assert.Equal(t, DeriveSeed(prev, 3), DeriveSlotSeed(prev, 3, 0))
	assert.NotEqual(t, DeriveSeed(prev, 3), DeriveSeed(prev, 4))
	assert.NotEqual(t, DeriveSlotSeed(prev, 3, 0), DeriveSlotSeed(prev, 3, 1))
	assert.Len(t, DeriveSeed(prev, 3).String(), 32)

	max := Seed{}
	for i := range max {
		max[i] = 0xff
	}
	assert.Less(t, max.Fraction(), 1.0)
	assert.Equal(t, 0.0, Seed{}.Fraction())
	assert.Equal(t, uint64(0x0102), Seed{14: 0x01, 15: 0x02}.Low64())
}

func TestRank(t *testing.T) {
	s := NewScorer(DefaultConfig())
	pool := map[string]NodeMetrics{
		"slow": {NodeID: "slow", LatencyMs: 200, UptimePercent: 100},
		"fast": perfectNode("fast"),
		"also": {NodeID: "also", LatencyMs: 200, UptimePercent: 100},
	}
	ranked := s.Rank(pool)
	require.Len(t, ranked, 3)
	assert.Equal(t, "fast", ranked[0].NodeID)
	assert.Equal(t, "also", ranked[1].NodeID)
	assert.Equal(t, "slow", ranked[2].NodeID)

	sum := 0.0
	for _, r := range ranked {
		sum += r.Probability
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	scores := s.UpdateEpoch(pool)
	assert.Len(t, scores, 3)
	assert.InDelta(t, 0.2, scores["slow"], 1e-12)
}

func TestValidateMetrics(t *testing.T) {
	assert.NoError(t, ValidateMetrics(perfectNode("a")))

	bad := perfectNode("a")
	bad.UptimePercent = 101
	assert.ErrorIs(t, ValidateMetrics(bad), ErrInvalidMetrics)

	bad = perfectNode("a")
	bad.LatencyMs = -1
	assert.ErrorIs(t, ValidateMetrics(bad), ErrInvalidMetrics)

	bad = perfectNode("a")
	bad.DownloadMbps = math.Inf(1)
	assert.ErrorIs(t, ValidateMetrics(bad), ErrInvalidMetrics)

	assert.ErrorIs(t, ValidateMetrics(perfectNode("")), ErrInvalidMetrics)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poi.toml")
	require.NoError(t, os.WriteFile(path, []byte("[weights]\nupload = 0.5\n\n[thresholds]\nlatency_ms = 50.0\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Weights.Upload)
	assert.Equal(t, 0.25, cfg.Weights.Download)
	assert.Equal(t, 50.0, cfg.Thresholds.LatencyMs)
	assert.Equal(t, 1000.0, cfg.Thresholds.DownloadMbps)

	require.NoError(t, os.WriteFile(path, []byte("[weights]\nupload = -1.0\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestValidateConfigZeroWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateMetricsReportsFirstBadField(t *testing.T) {
	m := perfectNode("a")
	m.UploadMbps = math.NaN()
	m.LatencyMs = -1
	m.StabilityPercent = math.Inf(1)

	for i := 0; i < 50; i++ {
		err := ValidateMetrics(m)
		require.ErrorIs(t, err, ErrInvalidMetrics)
		assert.Contains(t, err.Error(), "upload_mbps")
	}
}

func TestRankIsStableAcrossCalls(t *testing.T) {
	s := NewScorer(DefaultConfig())
	rng := rand.New(rand.NewSource(7))
	pool := make(map[string]NodeMetrics)
	for i := 0; i < 40; i++ {
		id := string(rune('A'+i%26)) + string(rune('a'+i/26))
		pool[id] = NodeMetrics{
			NodeID:           id,
			UploadMbps:       rng.Float64() * 120,
			DownloadMbps:     rng.Float64() * 1200,
			LatencyMs:        rng.Float64() * 250,
			UptimePercent:    rng.Float64() * 100,
			StabilityPercent: rng.Float64() * 100,
		}
	}

	want := s.Rank(pool)
	for i := 0; i < 50; i++ {
		got := s.Rank(pool)
		require.Len(t, got, len(want))
		for j := range want {
			// Exact float equality: the sum order must not depend on map order.
			require.Equal(t, want[j].NodeID, got[j].NodeID)
			require.Equal(t, want[j].Probability, got[j].Probability)
		}
	}
}
