package main

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"netchain/wallet"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// cliContext is shared by every subcommand. Flags are bound into v so
// that NETCHAIN_* environment variables work for any of them.
type cliContext struct {
	v  *viper.Viper
	in *bufio.Reader
}

func newRootCmd() *cobra.Command {
	cc := &cliContext{
		v:  viper.New(),
		in: bufio.NewReader(os.Stdin),
	}
	cc.v.SetEnvPrefix("NETCHAIN")
	cc.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cc.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "netchain",
		Short:         "Proof of Internet blockchain node",
		Long:          "netchain runs a Proof of Internet node: validators are ranked by measured\nbandwidth, latency, uptime and stability, and one is picked per block slot.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cc.v.BindPFlags(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default <datadir>/"+DefaultConfigFilename+")")
	pf.String("datadir", DefaultDataDir, "data directory")
	pf.String("wallet", "", "wallet file (default <datadir>/"+DefaultWalletFilename+")")
	pf.String("api", DefaultAPIAddr, "node API address")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newNodeCmd(cc),
		newInitCmd(cc),
		newStatusCmd(cc),
		newWalletCmd(cc),
		newTxCmd(cc),
		newChainCmd(cc),
		newValidatorsCmd(cc),
		newScoreCmd(cc),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file and applies flag and env overrides.
func (cc *cliContext) loadConfig() (*Config, error) {
	path := cc.v.GetString("config")
	if path == "" {
		path = filepath.Join(cc.v.GetString("datadir"), DefaultConfigFilename)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(cc.v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// apiClient talks to the local node with the cookie token when one exists.
func (cc *cliContext) apiClient(cfg *Config) *apiClient {
	token, _ := readCookie(cfg.Node.DataDir)
	return newAPIClient(cfg.API.Addr, token)
}

// openWallet loads the configured wallet, prompting for its password.
func (cc *cliContext) openWallet(cfg *Config) (*wallet.Wallet, error) {
	path := cfg.WalletPath()
	if !fileExists(path) {
		return nil, fmt.Errorf("no wallet at %s (run 'netchain wallet new' first)", path)
	}
	password, err := cc.promptPassword("Wallet password: ")
	if err != nil {
		return nil, err
	}
	defer wipeBytes(password)
	return wallet.LoadWallet(path, password)
}

// promptPassword reads a password from NETCHAIN_PASSWORD, the terminal with
// echo off, or a plain line when stdin is not a terminal.
func (cc *cliContext) promptPassword(prompt string) ([]byte, error) {
	if pw := os.Getenv(DefaultPasswordEnv); pw != "" {
		return []byte(pw), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr) // newline after hidden input
		return password, err
	}

	line, err := cc.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, err
	}
	return []byte(strings.TrimSpace(line)), nil
}

func (cc *cliContext) promptNewPassword() ([]byte, error) {
	if pw := os.Getenv(DefaultPasswordEnv); pw != "" {
		if len(pw) < 3 {
			return nil, fmt.Errorf("password must be at least 3 characters")
		}
		return []byte(pw), nil
	}

	password, err := cc.promptPassword("Enter new password: ")
	if err != nil {
		return nil, err
	}
	if len(password) < 3 {
		wipeBytes(password)
		return nil, fmt.Errorf("password must be at least 3 characters")
	}

	confirm, err := cc.promptPassword("Confirm password: ")
	if err != nil {
		wipeBytes(password)
		return nil, err
	}
	defer wipeBytes(confirm)
	if subtle.ConstantTimeCompare(password, confirm) != 1 {
		wipeBytes(password)
		return nil, fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// wipeBytes best-effort zeroes a byte slice.
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

const coinDecimals = 8

func formatAmount(units uint64) string {
	whole := units / Coin
	frac := units % Coin
	if frac == 0 {
		return fmt.Sprintf("%d NET", whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", coinDecimals, frac), "0")
	return fmt.Sprintf("%d.%s NET", whole, fracStr)
}

// parseAmount converts a decimal coin amount into base units. Digits past
// the eighth decimal are truncated.
func parseAmount(s string) (uint64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "NET"))

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("invalid amount format")
	}

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}
	if whole > (^uint64(0))/Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * Coin

	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > coinDecimals {
			fracStr = fracStr[:coinDecimals]
		} else {
			fracStr += strings.Repeat("0", coinDecimals-len(fracStr))
		}
		frac, err := strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, err
		}
		if result > (^uint64(0))-frac {
			return 0, fmt.Errorf("amount too large")
		}
		result += frac
	}
	return result, nil
}
