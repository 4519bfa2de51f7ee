package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-token-checkout/internal/client"
	"github.com/imrishuroy/go-token-checkout/internal/config"
	"github.com/imrishuroy/go-token-checkout/internal/poller"
)

// app holds what the commands share. Tests replace open and pollCfg.
type app struct {
	apiURL   string
	userID   int64
	logLevel string

	open    poller.Opener
	pollCfg poller.Config
	log     zerolog.Logger
}

func newApp() *app {
	return &app{
		open:    browser.OpenURL,
		pollCfg: poller.DefaultConfig(),
	}
}

func (a *app) client() (*client.Client, error) {
	if a.userID <= 0 {
		return nil, errors.New("--user-id is required")
	}
	return client.New(a.apiURL, a.userID), nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tokens",
		Short:         "Buy and inspect token balances",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.log = config.NewLogger(a.logLevel, true).Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
		},
	}

	apiURL := os.Getenv("TOKENS_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	var userID int64
	if v := os.Getenv("TOKENS_USER_ID"); v != "" {
		userID, _ = strconv.ParseInt(v, 10, 64)
	}
	root.PersistentFlags().StringVar(&a.apiURL, "api-url", apiURL, "Checkout API base URL (env TOKENS_API_URL)")
	root.PersistentFlags().Int64Var(&a.userID, "user-id", userID, "Authenticated user id (env TOKENS_USER_ID)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "Log level")

	root.AddCommand(buyCmd(a))
	root.AddCommand(statusCmd(a))
	root.AddCommand(balanceCmd(a))
	return root
}

func buyCmd(a *app) *cobra.Command {
	var (
		idemKey  string
		timeout  time.Duration
		noBrowse bool
	)
	cmd := &cobra.Command{
		Use:   "buy [tokens]",
		Short: "Start a checkout and wait for the payment to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("invalid token amount %q", args[0])
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			if idemKey == "" {
				idemKey = uuid.NewString()
			}

			ctx := cmd.Context()
			co, err := c.CreateCheckout(ctx, amount, idemKey)
			if err != nil {
				return fmt.Errorf("create checkout: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checkout session %s\n", co.SessionID)

			open := a.open
			if noBrowse {
				open = printURL(out)
			}
			cfg := a.pollCfg
			cfg.Deadline = timeout

			p := poller.New(c, open, cfg, buyHooks(c, out, co.URL), a.log)
			state, err := p.Run(ctx, co)
			if err != nil {
				return fmt.Errorf("payment %s: %w", state, err)
			}
			if state != poller.StateSucceeded {
				return fmt.Errorf("payment %s", state)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&idemKey, "idempotency-key", "k", "", "Reuse a key to replay a previous checkout")
	cmd.Flags().DurationVar(&timeout, "timeout", a.pollCfg.Deadline, "Give up waiting after this long")
	cmd.Flags().BoolVar(&noBrowse, "no-browser", false, "Print the checkout URL instead of opening it")
	return cmd
}

func buyHooks(c *client.Client, out io.Writer, url string) poller.Hooks {
	return poller.Hooks{
		OnSuccess: func(ctx context.Context) {
			b, err := c.Balance(ctx)
			if err != nil {
				fmt.Fprintln(out, "Payment completed.")
				return
			}
			fmt.Fprintf(out, "Payment completed. Balance: %d tokens\n", b.TokenBalance)
		},
		OnFailure: func(context.Context) {
			fmt.Fprintln(out, "Payment failed or expired.")
		},
		OnBlocked: func(err error) {
			fmt.Fprintf(out, "Could not open a browser (%v). Open this URL to pay:\n%s\n", err, url)
		},
		OnTimeout: func() {
			fmt.Fprintln(out, "Still waiting for the payment. Check later with `tokens status`.")
		},
	}
}

func printURL(out io.Writer) poller.Opener {
	return func(url string) error {
		fmt.Fprintf(out, "Open this URL to pay:\n%s\n", url)
		return nil
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show the status of a checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(a.apiURL, a.userID)
			st, err := c.PaymentStatus(cmd.Context(), args[0])
			if errors.Is(err, client.ErrSessionNotFound) {
				return fmt.Errorf("session %s not found", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func balanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the token balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			b, err := c.Balance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", b.TokenBalance)
			return nil
		},
	}
}
