package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/config"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/spf13/cobra"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	flagRepair         = "repair"
	flagSubscriptionID = "subscription-id"
	flagUserID         = "user-id"
	flagForceActivate  = "force-activate"
	flagOperator       = "operator"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AdminRole:      cfg.AdminRole,
		Callbacks:      cfg.Callbacks(),
		RequestTimeout: cfg.RequestTimeout,
	}, httpapi.Dependencies{
		Ledger:        rt.ledger,
		Registry:      rt.registry,
		Subscriptions: rt.subscriptions,
		Reconciler:    rt.processor,
	}, sessionValidator, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(logger)))
	grpcserver.RegisterCreditServiceServer(grpcServer, grpcserver.NewServer(rt.ledger))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpapi.Serve(serveCtx, httpServer, cfg.ShutdownTimeout, logger)
	}()
	go func() {
		errCh <- grpcserver.Serve(serveCtx, grpcServer, listener, logger)
	}()

	// The first server to stop takes the other one down with it.
	firstErr := <-errCh
	cancel()
	secondErr := <-errCh
	return errors.Join(firstErr, secondErr)
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			database, err := openStorage(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return database.Close()
		},
	}
}

func newAuditCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare cached balances with ledger sums",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			repair, err := cmd.Flags().GetBool(flagRepair)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			rt, err := newLedgerRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			reports, err := rt.ledger.AuditAll(cmd.Context(), repair)
			if err != nil {
				return err
			}
			drifted := 0
			for _, report := range reports {
				if report.Consistent() && !report.Repaired {
					continue
				}
				drifted++
				logger.Warn("balance drift",
					zap.String("account_id", report.AccountID.String()),
					zap.Int64("cached", report.Cached.Int64()),
					zap.Int64("ledger_sum", report.LedgerSum),
					zap.Int64("drift", report.Drift()),
					zap.Bool("repaired", report.Repaired))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audited %d accounts, %d drifted\n", len(reports), drifted)
			if drifted > 0 && !repair {
				return fmt.Errorf("%d accounts drifted; rerun with --%s", drifted, flagRepair)
			}
			return nil
		},
	}
	cmd.Flags().Bool(flagRepair, false, "reset drifted cached balances to the ledger sum")
	return cmd
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive one subscription from the payment provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			subscriptionID, _ := cmd.Flags().GetString(flagSubscriptionID)
			userID, _ := cmd.Flags().GetString(flagUserID)
			forceActivate, _ := cmd.Flags().GetBool(flagForceActivate)
			operator, _ := cmd.Flags().GetString(flagOperator)

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			rt, err := newRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			result, err := rt.processor.Reconcile(cmd.Context(), reconcile.ReconcileRequest{
				SubscriptionID: subscriptionID,
				AccountID:      userID,
				ForceActivate:  forceActivate,
				Operator:       operator,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "success=%t outcome=%s subscription=%s status=%s: %s\n",
				result.Success, result.Outcome, result.Subscription.ID, result.Subscription.Status, result.Message)
			return nil
		},
	}
	cmd.Flags().String(flagSubscriptionID, "", "subscription to reconcile")
	cmd.Flags().String(flagUserID, "", "account whose open subscription to reconcile")
	cmd.Flags().Bool(flagForceActivate, false, "activate without a provider payment")
	cmd.Flags().String(flagOperator, "", "administrator performing the reconciliation (required)")
	return cmd
}
