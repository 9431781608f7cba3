package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pipay/internal/config"
	"pipay/internal/gateway"
	"pipay/internal/payments"
	"pipay/internal/presentation"
	"pipay/internal/provider"
	"pipay/internal/session"
	"pipay/internal/telemetry"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:     "payclient",
		Short:   "Donate through the payment gateway with a scripted wallet",
		Version: Version,
	}
	rootCmd.PersistentFlags().String("env-file", ".env", "Optional env file")
	rootCmd.PersistentFlags().String("script", string(provider.ScriptComplete), "Sandbox wallet script (complete, cancel, error, abandon)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(logoutCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the client wiring shared by every command.
type app struct {
	cfg      *config.AppConfig
	logger   *slog.Logger
	console  *presentation.Console
	sandbox  *provider.Sandbox
	gateway  *gateway.Client
	sessions *session.FileStore
	manager  *session.Manager
	engine   *payments.Engine
	outcomes chan payments.Outcome
	shutdown func(context.Context) error
}

func newApp(cmd *cobra.Command) (*app, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	scriptFlag, _ := cmd.Flags().GetString("script")
	script, err := provider.ParseScript(scriptFlag)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "payclient"
	}
	shutdown, err := telemetry.Setup(cmd.Context(), telemetry.Config{
		ServiceName: serviceName,
		LogLevel:    cfg.Telemetry.LogLevel,
		Disabled:    cfg.Telemetry.Disabled,
		Output:      os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	store, err := session.NewFileStore(cfg.Client.SessionPath)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		console:  presentation.NewConsole(cmd.OutOrStdout()),
		sandbox:  provider.NewSandbox(provider.WithScript(script), provider.WithLogger(logger)),
		sessions: store,
		outcomes: make(chan payments.Outcome, 8),
		shutdown: shutdown,
	}
	a.gateway = gateway.New(gateway.Config{
		BaseURL:    cfg.Client.GatewayURL,
		Timeout:    cfg.Client.RequestTimeout,
		HMACSecret: cfg.Service.HMACSecret,
	}, logger)
	a.engine = payments.NewEngine(payments.Deps{
		Provider: a.sandbox,
		Gateway:  a.gateway,
		Sessions: store,
		Sink:     a.console,
	},
		payments.WithLogger(logger),
		payments.WithSDKVersion(cfg.Client.SDKVersion, cfg.Client.Sandbox),
		payments.WithOutcomeHandler(func(o payments.Outcome) {
			select {
			case a.outcomes <- o:
			default:
			}
		}),
	)
	a.manager = session.NewManager(a.sandbox, store, a.engine, logger)
	a.manager.SDKVersion = cfg.Client.SDKVersion
	a.manager.Sandbox = cfg.Client.Sandbox
	return a, nil
}

// close flushes telemetry exporters.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", slog.Any("error", err))
	}
}

// ensureSession refreshes the stored session, signing in when there is none.
func (a *app) ensureSession(ctx context.Context) (session.Session, error) {
	s, err := a.manager.Reauthenticate(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return a.manager.Login(ctx)
	}
	return s, err
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with the wallet and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			s, err := a.manager.Login(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", s.Username)
			return nil
		},
	}
}

func payCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Create a payment and follow it to its outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			amountFlag, _ := cmd.Flags().GetString("amount")
			memo, _ := cmd.Flags().GetString("memo")
			amount, err := decimal.NewFromString(amountFlag)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amountFlag, err)
			}

			ctx := cmd.Context()
			if _, err := a.ensureSession(ctx); err != nil {
				return err
			}

			intent, err := a.engine.CreatePayment(ctx, payments.PaymentIntent{
				Amount:   amount,
				Memo:     memo,
				Metadata: map[string]any{"source": "payclient"},
			})
			if err != nil {
				return err
			}
			return a.follow(ctx, cmd, intent.ID)
		},
	}

	cmd.Flags().String("amount", "1", "Amount to donate")
	cmd.Flags().String("memo", "Donation", "Memo shown in the wallet")
	cmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for an outcome")

	return cmd
}

// follow waits until paymentID reaches an outcome, the wallet goes quiet,
// or a reload is requested.
func (a *app) follow(ctx context.Context, cmd *cobra.Command, paymentID string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	quiet := make(chan struct{})
	go func() {
		a.sandbox.Wait()
		close(quiet)
	}()

	out := cmd.OutOrStdout()
	o, ok, err := awaitOutcome(ctx, paymentID, a.outcomes, a.console.ReloadRequested(), quiet)
	if err != nil {
		return err
	}
	if !ok {
		if p, pending := a.engine.Pending(); pending && p.ID == paymentID {
			fmt.Fprintf(out, "payment %s left incomplete; run recover to resolve it\n", paymentID)
		}
		return nil
	}
	fmt.Fprintln(out, o.String())
	if o.Kind == payments.OutcomeFailed {
		return o.Reason
	}
	return nil
}

// awaitOutcome returns the outcome for paymentID. When quiet closes first,
// outcomes already queued are still checked, since they are delivered
// before the wallet goes quiet.
func awaitOutcome(ctx context.Context, paymentID string, outcomes <-chan payments.Outcome, reload, quiet <-chan struct{}) (payments.Outcome, bool, error) {
	for {
		select {
		case o := <-outcomes:
			if o.PaymentID == paymentID {
				return o, true, nil
			}
		case <-reload:
			return payments.Outcome{}, false, errors.New("payment provider needs a restart")
		case <-quiet:
			for {
				select {
				case o := <-outcomes:
					if o.PaymentID == paymentID {
						return o, true, nil
					}
				default:
					return payments.Outcome{}, false, nil
				}
			}
		case <-ctx.Done():
			return payments.Outcome{}, false, ctx.Err()
		}
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "List payments left unresolved by an earlier session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			s, err := a.ensureSession(ctx)
			if err != nil {
				return err
			}
			list, err := a.gateway.Incomplete(ctx, s.AccessToken)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no incomplete payments")
				return nil
			}
			for _, p := range list {
				if err := a.engine.RecoverIncomplete(ctx, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [paymentId]",
		Short: "Cancel or complete an incomplete payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			choice, _ := cmd.Flags().GetString("choice")
			txID, _ := cmd.Flags().GetString("txid")
			ctx := cmd.Context()
			if _, err := a.ensureSession(ctx); err != nil {
				return err
			}

			p := payments.IncompletePayment{ID: args[0], Status: "pending"}
			if txID != "" {
				p.Transaction = &payments.TransactionRef{TxID: txID}
			}
			if err := a.engine.RecoverIncomplete(ctx, p); err != nil {
				return err
			}
			if err := a.engine.ResolveIncomplete(ctx, args[0], payments.Choice(choice)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.console.Status())
			return nil
		},
	}

	cmd.Flags().String("choice", string(payments.ChoiceCancel), "cancel or complete")
	cmd.Flags().String("txid", "", "Transaction id, required to complete")

	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the stored access token with the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			s, ok, err := a.sessions.Load(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return session.ErrNoSession
			}
			valid, err := a.gateway.Verify(ctx, s.AccessToken)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token valid: %t\n", valid)
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.manager.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}
