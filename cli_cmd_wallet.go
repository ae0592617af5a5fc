package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"netchain/protocol/params"
	"netchain/wallet"

	"github.com/spf13/cobra"
)

func newWalletCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the local key",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Create a wallet with a fresh key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := cc.loadConfig()
				if err != nil {
					return err
				}
				w, err := cc.createWallet(cfg.WalletPath())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n  File:    %s\n  Address: %s\n", sectionHead("Wallet"), cfg.WalletPath(), w.Address())
				return nil
			},
		},
		&cobra.Command{
			Use:   "address",
			Short: "Print the wallet address",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := cc.loadConfig()
				if err != nil {
					return err
				}
				w, err := cc.openWallet(cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), w.Address())
				return nil
			},
		},
		&cobra.Command{
			Use:   "export",
			Short: "Print the private key in export form",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := cc.loadConfig()
				if err != nil {
					return err
				}
				w, err := cc.openWallet(cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Anyone with this key controls the wallet's funds and validator slot.")
				fmt.Fprintln(cmd.OutOrStdout(), w.ExportKey())
				return nil
			},
		},
		&cobra.Command{
			Use:   "import [key]",
			Short: "Create a wallet from an exported key",
			Long:  "Create a wallet from a key printed by 'wallet export'. The key is read from stdin when not given.",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := cc.loadConfig()
				if err != nil {
					return err
				}
				path := cfg.WalletPath()
				if fileExists(path) {
					return fmt.Errorf("wallet already exists at %s", path)
				}

				var exported string
				if len(args) == 1 {
					exported = args[0]
				} else {
					fmt.Fprint(os.Stderr, "Exported key: ")
					line, err := cc.in.ReadString('\n')
					if err != nil && line == "" {
						return fmt.Errorf("failed to read key: %w", err)
					}
					exported = line
				}
				exported = strings.TrimSpace(exported)
				if _, err := wallet.ParseExportedKey(exported); err != nil {
					return err
				}

				password, err := cc.promptNewPassword()
				if err != nil {
					return err
				}
				defer wipeBytes(password)
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return err
				}
				w, err := wallet.ImportWallet(path, password, exported)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n  File:    %s\n  Address: %s\n", sectionHead("Imported"), path, w.Address())
				return nil
			},
		},
	)
	return cmd
}

// createWallet refuses to replace an existing file.
func (cc *cliContext) createWallet(path string) (*wallet.Wallet, error) {
	if fileExists(path) {
		return nil, fmt.Errorf("wallet already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	password, err := cc.promptNewPassword()
	if err != nil {
		return nil, err
	}
	defer wipeBytes(password)
	return wallet.NewWallet(path, password)
}

func newTxCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Create and submit transactions",
	}

	var to, amountStr, feeStr, memo string
	send := &cobra.Command{
		Use:     "send",
		Short:   "Sign a transfer locally and submit it to the node",
		Example: "  netchain tx send --to <address> --amount 12.5 --fee 0.0001",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			amount, err := parseAmount(amountStr)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			fee, err := parseAmount(feeStr)
			if err != nil {
				return fmt.Errorf("invalid --fee: %w", err)
			}
			w, err := cc.openWallet(cfg)
			if err != nil {
				return err
			}

			var memoPtr *string
			if cmd.Flags().Changed("memo") {
				memoPtr = &memo
			}
			stx, hash, err := sendTransfer(cc.apiClient(cfg), w.KeyPair(), to, amount, fee, memoPtr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n%s\n", sectionHead("Sent"))
			fmt.Fprintf(out, "  To:     %s\n", stx.Tx.Receiver)
			fmt.Fprintf(out, "  Amount: %s\n", formatAmount(stx.Tx.Amount))
			fmt.Fprintf(out, "  Fee:    %s\n", formatAmount(stx.Tx.Fee))
			fmt.Fprintf(out, "  Nonce:  %d\n", stx.Tx.Nonce)
			fmt.Fprintf(out, "  Hash:   %s\n", hash)
			return nil
		},
	}
	f := send.Flags()
	f.StringVar(&to, "to", "", "receiver address")
	f.StringVar(&amountStr, "amount", "", "amount in coins (up to 8 decimals)")
	f.StringVar(&feeStr, "fee", "0.00000001", "fee in coins")
	f.StringVar(&memo, "memo", "", fmt.Sprintf("public memo (max %d bytes)", params.MemoMaxLen))
	_ = send.MarkFlagRequired("to")
	_ = send.MarkFlagRequired("amount")

	cmd.AddCommand(send)
	return cmd
}

// sendTransfer signs a transfer with the sender's next pending nonce and
// submits it.
func sendTransfer(client *apiClient, kp *wallet.KeyPair, to string, amount, fee uint64, memo *string) (*SignedTransaction, string, error) {
	if err := wallet.ValidateAddress(to); err != nil {
		return nil, "", fmt.Errorf("invalid receiver: %w", err)
	}
	if to == kp.Address() {
		return nil, "", fmt.Errorf("cannot send to yourself")
	}
	if memo != nil && len(*memo) > params.MemoMaxLen {
		return nil, "", fmt.Errorf("memo is %d bytes, max %d", len(*memo), params.MemoMaxLen)
	}

	acc, err := client.Account(kp.Address())
	if err != nil {
		return nil, "", err
	}
	if amount+fee < amount || acc.Balance < amount+fee {
		return nil, "", fmt.Errorf("insufficient balance: have %s, need %s", formatAmount(acc.Balance), formatAmount(amount+fee))
	}

	stx := SignTransaction(Transaction{
		Sender:    kp.Address(),
		Receiver:  to,
		Amount:    amount,
		Fee:       fee,
		Nonce:     acc.PendingNonce,
		Timestamp: uint64(time.Now().Unix()),
		Memo:      memo,
	}, kp)
	hash, err := client.SubmitTx(stx)
	if err != nil {
		return nil, "", err
	}
	return stx, hash, nil
}
