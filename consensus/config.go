package consensus

import (
	"errors"
	"fmt"
	"math"

	"github.com/BurntSushi/toml"
)

// Weights are the relative contributions of each metric to the PoI score.
type Weights struct {
	Upload    float64 `toml:"upload" json:"upload"`
	Download  float64 `toml:"download" json:"download"`
	Latency   float64 `toml:"latency" json:"latency"`
	Uptime    float64 `toml:"uptime" json:"uptime"`
	Stability float64 `toml:"stability" json:"stability"`
}

// Thresholds are the values at which a metric saturates. Latency is
// inverted: a latency at or above LatencyMs contributes nothing.
type Thresholds struct {
	UploadMbps       float64 `toml:"upload_mbps" json:"upload_mbps"`
	DownloadMbps     float64 `toml:"download_mbps" json:"download_mbps"`
	LatencyMs        float64 `toml:"latency_ms" json:"latency_ms"`
	UptimePercent    float64 `toml:"uptime_percent" json:"uptime_percent"`
	StabilityPercent float64 `toml:"stability_percent" json:"stability_percent"`
}

// Config is the PoI scoring configuration. Every node on a network must use
// the same values or producer selection diverges.
type Config struct {
	Weights    Weights    `toml:"weights" json:"weights"`
	Thresholds Thresholds `toml:"thresholds" json:"thresholds"`
}

// DefaultConfig returns the network default weights and thresholds.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Upload:    0.25,
			Download:  0.25,
			Latency:   0.20,
			Uptime:    0.20,
			Stability: 0.10,
		},
		Thresholds: Thresholds{
			UploadMbps:       100.0,
			DownloadMbps:     1000.0,
			LatencyMs:        200.0,
			UptimePercent:    100.0,
			StabilityPercent: 100.0,
		},
	}
}

// LoadConfig reads a TOML file with [weights] and [thresholds] tables.
// Missing keys keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode poi config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var ErrInvalidConfig = errors.New("invalid poi config")

func (c Config) Validate() error {
	w := c.Weights
	weights := []struct {
		name string
		v    float64
	}{
		{"upload", w.Upload},
		{"download", w.Download},
		{"latency", w.Latency},
		{"uptime", w.Uptime},
		{"stability", w.Stability},
	}
	sum := 0.0
	for _, e := range weights {
		if !isFiniteNonNegative(e.v) {
			return fmt.Errorf("%w: weight %s = %v", ErrInvalidConfig, e.name, e.v)
		}
		sum += e.v
	}
	if sum <= 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidConfig)
	}

	t := c.Thresholds
	thresholds := []struct {
		name string
		v    float64
	}{
		{"upload_mbps", t.UploadMbps},
		{"download_mbps", t.DownloadMbps},
		{"latency_ms", t.LatencyMs},
		{"uptime_percent", t.UptimePercent},
		{"stability_percent", t.StabilityPercent},
	}
	for _, e := range thresholds {
		if !isFiniteNonNegative(e.v) {
			return fmt.Errorf("%w: threshold %s = %v", ErrInvalidConfig, e.name, e.v)
		}
	}
	return nil
}

func isFiniteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
