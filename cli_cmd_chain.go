package main

import (
	"fmt"
	"io"

	"netchain/consensus"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newChainCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect the local chain database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Re-validate every stored main-chain block",
		Long: `Re-validate every main-chain block from genesis: hashes, links, producer
selection, signatures and the ledger. The node must be stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			genesis, err := LoadGenesis(cfg.GenesisPath())
			if err != nil {
				return err
			}
			chain, err := NewChain(cfg.Node.DataDir, ChainConfig{
				Genesis: genesis,
				Params:  DefaultChainParams(),
				Scorer:  consensus.NewScorer(cfg.PoI),
			})
			if err != nil {
				return fmt.Errorf("open chain (is a node running?): %w", err)
			}
			defer chain.Close()

			out := cmd.OutOrStdout()
			height := chain.Height()
			fmt.Fprintf(out, "\n%s\n  Checking %s blocks...\n", sectionHead("Verify"), humanize.Comma(int64(height)))

			bar := newProgressBar(int64(height), "Verifying blocks...", cmd.ErrOrStderr())
			err = chain.VerifyChain(func(done, total uint64) {
				_ = bar.Set64(int64(done))
			})
			_ = bar.Finish()
			if err != nil {
				fmt.Fprintf(out, "  %v\n", err)
				fmt.Fprintln(out, "  Consider removing the chain database and re-syncing from trusted peers.")
				return fmt.Errorf("chain verification failed")
			}
			fmt.Fprintf(out, "  Chain is clean. All %s blocks passed.\n", humanize.Comma(int64(height)))
			return nil
		},
	})
	return cmd
}

func newProgressBar(total int64, description string, w io.Writer) *progressbar.ProgressBar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	_ = bar.RenderBlank()
	return bar
}

func newValidatorsCmd(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validators",
		Short: "Show the validator pool of a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			resp, err := cc.apiClient(cfg).Validators()
			if err != nil {
				return err
			}
			return renderValidators(cmd.OutOrStdout(), resp)
		},
	}
}

func renderValidators(out io.Writer, resp *validatorsResponse) error {
	fmt.Fprintf(out, "\n%s (%d)\n", sectionHead("Validators"), len(resp.Validators))
	fmt.Fprintf(out, "  Epoch %d, next block #%s round %d: %s\n\n",
		resp.Epoch, humanize.Comma(int64(resp.NextHeight)), resp.NextRound, resp.NextProducer)

	table := tablewriter.NewTable(out)
	table.Header([]string{"#", "Address", "Score", "Chance", "Up", "Down", "Latency", "Uptime", "Stability"})
	for i, v := range resp.Validators {
		m := v.Metrics
		if err := table.Append([]string{
			humanize.Ordinal(i + 1),
			v.NodeID,
			humanize.FtoaWithDigits(v.Score, 4),
			humanize.FtoaWithDigits(v.Probability*100, 2) + "%",
			humanize.FormatFloat("#,###.#", m.UploadMbps) + " Mbps",
			humanize.FormatFloat("#,###.#", m.DownloadMbps) + " Mbps",
			humanize.FormatFloat("#,###.#", m.LatencyMs) + " ms",
			humanize.FtoaWithDigits(m.UptimePercent, 1) + "%",
			humanize.FtoaWithDigits(m.StabilityPercent, 1) + "%",
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func newScoreCmd(cc *cliContext) *cobra.Command {
	var m consensus.NodeMetrics
	cmd := &cobra.Command{
		Use:     "score",
		Short:   "Compute a PoI score offline with the configured weights",
		Example: "  netchain score --upload 80 --download 500 --latency 35 --uptime 99.5 --stability 97",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			m.NodeID = "local"
			if err := consensus.ValidateMetrics(m); err != nil {
				return err
			}
			scorer := consensus.NewScorer(cfg.PoI)
			w, t := cfg.PoI.Weights, cfg.PoI.Thresholds

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n%s\n", sectionHead("PoI score"))
			fmt.Fprintf(out, "  Upload:    %8.2f Mbps  (weight %.2f, full at %g)\n", m.UploadMbps, w.Upload, t.UploadMbps)
			fmt.Fprintf(out, "  Download:  %8.2f Mbps  (weight %.2f, full at %g)\n", m.DownloadMbps, w.Download, t.DownloadMbps)
			fmt.Fprintf(out, "  Latency:   %8.2f ms    (weight %.2f, zero at %g)\n", m.LatencyMs, w.Latency, t.LatencyMs)
			fmt.Fprintf(out, "  Uptime:    %8.2f %%     (weight %.2f)\n", m.UptimePercent, w.Uptime)
			fmt.Fprintf(out, "  Stability: %8.2f %%     (weight %.2f)\n", m.StabilityPercent, w.Stability)
			fmt.Fprintf(out, "  Score:     %.4f\n", scorer.Score(m))
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&m.UploadMbps, "upload", 0, "upload Mbps")
	f.Float64Var(&m.DownloadMbps, "download", 0, "download Mbps")
	f.Float64Var(&m.LatencyMs, "latency", 0, "latency ms")
	f.Float64Var(&m.UptimePercent, "uptime", 0, "uptime percent")
	f.Float64Var(&m.StabilityPercent, "stability", 0, "stability percent")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "netchain %s\n", Version)
		},
	}
}
