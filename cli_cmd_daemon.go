package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netchain/logging"
	"netchain/wallet"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func sectionHead(title string) string {
	return "# " + title
}

func newNodeCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a full node",
		Long: `Run a full node: sync the chain, relay blocks and transactions, measure
peers on a schedule and, with --produce, produce blocks in the slots this
wallet leads.`,
		Example: "  netchain node --listen /ip4/0.0.0.0/tcp/30333 --seed /ip4/203.0.113.7/tcp/30333/p2p/12D3KooW...",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.runNode(cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringSlice("listen", nil, "p2p listen multiaddr (repeatable)")
	f.StringSlice("seed", nil, "seed node multiaddr (repeatable)")
	f.Bool("produce", false, "produce blocks in slots this wallet leads")
	f.Bool("fast-sync", false, "accepted for compatibility; blocks are always fully validated")
	f.String("genesis", "", "genesis file (default <datadir>/"+DefaultGenesisFilename+")")
	f.Bool("allow-private", false, "dial and accept private addresses")
	return cmd
}

func (cc *cliContext) runNode(out io.Writer) error {
	cfg, err := cc.loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.Log)
	defer logger.Sync()

	if cfg.Node.FastSync {
		zap.S().Warn("[node] --fast-sync has no effect; blocks are always fully validated")
	}

	genesis, err := LoadGenesis(cfg.GenesisPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no genesis at %s (run 'netchain init' or pass --genesis)", cfg.GenesisPath())
		}
		return err
	}

	var key *wallet.KeyPair
	if cfg.Node.Produce {
		w, err := cc.openWallet(cfg)
		if err != nil {
			return err
		}
		key = w.KeyPair()
	}

	d, err := NewDaemon(DaemonConfigFromFile(cfg, genesis, key))
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Stop()
		return err
	}

	var api *APIServer
	if cfg.API.Addr != "" {
		api, err = NewAPIServer(d, cfg.API)
		if err == nil {
			err = api.Start()
		}
		if err != nil {
			_ = d.Stop()
			return fmt.Errorf("api: %w", err)
		}
	}

	stats := d.Stats()
	fmt.Fprintf(out, "\n%s\n", sectionHead("netchain "+Version))
	fmt.Fprintf(out, "  Peer ID:   %s\n", stats.PeerID)
	for _, addr := range d.Node().FullMultiaddrs() {
		fmt.Fprintf(out, "  Listening: %s\n", addr)
	}
	fmt.Fprintf(out, "  Height:    %s\n", humanize.Comma(int64(stats.ChainHeight)))
	if api != nil {
		fmt.Fprintf(out, "  API:       http://%s\n", cfg.API.Addr)
	}
	if key != nil {
		fmt.Fprintf(out, "  Validator: %s\n", key.Address())
	}
	fmt.Fprintln(out)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Stop(sig)

	if api != nil {
		api.Stop()
	}
	return d.Stop()
}

func newInitCmd(cc *cliContext) *cobra.Command {
	var (
		allocCoins uint64
		metrics    GenesisValidator
		message    string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config, a wallet and a single-validator genesis",
		Long: `Create <datadir>/netchain.toml, a wallet (unless one exists) and a genesis
in which that wallet is the only validator and holds the initial allocation.
Other nodes join the network with a copy of the genesis file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
				return err
			}
			if fileExists(cfg.GenesisPath()) {
				return fmt.Errorf("genesis already exists at %s", cfg.GenesisPath())
			}

			var w *wallet.Wallet
			if fileExists(cfg.WalletPath()) {
				w, err = cc.openWallet(cfg)
			} else {
				w, err = cc.createWallet(cfg.WalletPath())
			}
			if err != nil {
				return err
			}

			metrics.Address = w.Address()
			genesis := &Genesis{
				Timestamp:  time.Now().Unix(),
				Message:    message,
				Alloc:      []GenesisAlloc{{Address: w.Address(), Balance: allocCoins * Coin}},
				Validators: []GenesisValidator{metrics},
			}
			if err := genesis.Validate(); err != nil {
				return err
			}
			if err := genesis.Save(cfg.GenesisPath()); err != nil {
				return err
			}

			cfgPath := cc.v.GetString("config")
			if cfgPath == "" {
				cfgPath = cfg.resolve(DefaultConfigFilename)
			}
			wroteConfig := false
			if !fileExists(cfgPath) {
				if err := cfg.Save(cfgPath); err != nil {
					return err
				}
				wroteConfig = true
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n%s\n", sectionHead("Init"))
			fmt.Fprintf(out, "  Validator: %s\n", w.Address())
			fmt.Fprintf(out, "  Alloc:     %s\n", formatAmount(allocCoins*Coin))
			fmt.Fprintf(out, "  Genesis:   %s\n", cfg.GenesisPath())
			if wroteConfig {
				fmt.Fprintf(out, "  Config:    %s\n", cfgPath)
			}
			fmt.Fprintln(out, "\n  Start producing with: netchain node --produce")
			return nil
		},
	}
	f := cmd.Flags()
	f.Uint64Var(&allocCoins, "alloc", 1_000_000, "coins allocated to the validator")
	f.StringVar(&message, "message", DefaultGenesisMessage, "genesis message")
	f.Float64Var(&metrics.UploadMbps, "upload", 100, "declared upload Mbps")
	f.Float64Var(&metrics.DownloadMbps, "download", 1000, "declared download Mbps")
	f.Float64Var(&metrics.LatencyMs, "latency", 20, "declared latency ms")
	f.Float64Var(&metrics.UptimePercent, "uptime", 100, "declared uptime percent")
	f.Float64Var(&metrics.StabilityPercent, "stability", 100, "declared stability percent")
	return cmd
}

func newStatusCmd(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			stats, err := cc.apiClient(cfg).Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n%s\n", sectionHead("Node"))
			fmt.Fprintf(out, "  Peer ID:     %s\n", stats.PeerID)
			fmt.Fprintf(out, "  Peers:       %d\n", stats.Peers)
			fmt.Fprintf(out, "  Height:      %s\n", humanize.Comma(int64(stats.ChainHeight)))
			fmt.Fprintf(out, "  Best Hash:   %s\n", stats.BestHash)
			fmt.Fprintf(out, "  Epoch:       %d\n", stats.Epoch)
			fmt.Fprintf(out, "  Syncing:     %v\n", stats.Syncing)
			fmt.Fprintf(out, "  Producing:   %v\n", stats.Producing)
			fmt.Fprintf(out, "  Uptime:      %.1f%%\n", stats.UptimePercent)
			fmt.Fprintf(out, "  Mempool:     %d txs (%s)\n", stats.MempoolSize, humanize.Bytes(uint64(stats.MempoolBytes)))
			fmt.Fprintf(out, "  Proofs:      %d pending\n", stats.PendingProofs)
			return nil
		},
	}
}
