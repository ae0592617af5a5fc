package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"netchain/consensus"
	"netchain/logging"
	"netchain/p2p"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the contents of netchain.toml.
type Config struct {
	Node      NodeConfig       `toml:"node"`
	API       APIConfig        `toml:"api"`
	SpeedTest SpeedTestConfig  `toml:"speedtest"`
	PoI       consensus.Config `toml:"poi"`
	Log       logging.Config   `toml:"log"`
}

type NodeConfig struct {
	DataDir           string   `toml:"data_dir"`
	Listen            []string `toml:"listen"`
	Seeds             []string `toml:"seeds"`
	AllowPrivateAddrs bool     `toml:"allow_private_addrs"`
	Produce           bool     `toml:"produce"`
	Wallet            string   `toml:"wallet"`
	Genesis           string   `toml:"genesis"`
	// FastSync is accepted for command line compatibility. Sync always
	// downloads and validates full blocks.
	FastSync bool `toml:"fast_sync"`
}

type APIConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type SpeedTestConfig struct {
	// Spec is the cron spec (with seconds) of measurement rounds.
	Spec string `toml:"spec"`
	// UptimeSpec is the cron spec of connectivity samples.
	UptimeSpec     string `toml:"uptime_spec"`
	MaxPeers       int    `toml:"max_peers"`
	Concurrency    int    `toml:"concurrency"`
	Pings          int    `toml:"pings"`
	PayloadBytes   int    `toml:"payload_bytes"`
	PeerTimeoutSec int    `toml:"peer_timeout_sec"`
}

// P2P converts the file settings to the tester's config.
func (c SpeedTestConfig) P2P() p2p.SpeedTestConfig {
	return p2p.SpeedTestConfig{
		MaxPeers:    c.MaxPeers,
		Concurrency: c.Concurrency,
		Pings:       c.Pings,
		PayloadSize: c.PayloadBytes,
		PeerTimeout: time.Duration(c.PeerTimeoutSec) * time.Second,
	}
}

func DefaultConfig() *Config {
	st := p2p.DefaultSpeedTestConfig()
	return &Config{
		Node: NodeConfig{
			DataDir: DefaultDataDir,
			Listen:  []string{DefaultListenAddr},
			Wallet:  DefaultWalletFilename,
			Genesis: DefaultGenesisFilename,
		},
		API: APIConfig{
			Addr: DefaultAPIAddr,
		},
		SpeedTest: SpeedTestConfig{
			Spec:           DefaultSpeedTestSpec,
			UptimeSpec:     DefaultUptimeSampleSpec,
			MaxPeers:       st.MaxPeers,
			Concurrency:    st.Concurrency,
			Pings:          st.Pings,
			PayloadBytes:   st.PayloadSize,
			PeerTimeoutSec: int(st.PeerTimeout / time.Second),
		},
		PoI: consensus.DefaultConfig(),
		Log: logging.Config{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as TOML, refusing to replace an existing file.
func (c *Config) Save(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// ApplyOverrides copies values that were set through flags or NETCHAIN_*
// environment variables on top of the file settings.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if v.IsSet("datadir") {
		c.Node.DataDir = v.GetString("datadir")
	}
	if v.IsSet("listen") {
		c.Node.Listen = splitList(v.GetStringSlice("listen"))
	}
	if v.IsSet("seed") {
		c.Node.Seeds = splitList(v.GetStringSlice("seed"))
	}
	if v.IsSet("allow-private") {
		c.Node.AllowPrivateAddrs = v.GetBool("allow-private")
	}
	if v.IsSet("produce") {
		c.Node.Produce = v.GetBool("produce")
	}
	if v.IsSet("wallet") {
		c.Node.Wallet = v.GetString("wallet")
	}
	if v.IsSet("genesis") {
		c.Node.Genesis = v.GetString("genesis")
	}
	if v.IsSet("fast-sync") {
		c.Node.FastSync = v.GetBool("fast-sync")
	}
	if v.IsSet("api") {
		c.API.Addr = v.GetString("api")
	}
	if v.IsSet("log-level") {
		c.Log.Level = v.GetString("log-level")
	}
}

// splitList accepts both repeated flags and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// resolve makes p relative to the data directory unless it is absolute.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Node.DataDir, p)
}

func (c *Config) WalletPath() string  { return c.resolve(c.Node.Wallet) }
func (c *Config) GenesisPath() string { return c.resolve(c.Node.Genesis) }

// Validate checks the settings a node cannot start without.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir is required")
	}
	if len(c.Node.Listen) == 0 {
		return errors.New("node.listen needs at least one address")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"speedtest.spec":        c.SpeedTest.Spec,
		"speedtest.uptime_spec": c.SpeedTest.UptimeSpec,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := c.PoI.Validate(); err != nil {
		return err
	}
	return nil
}
