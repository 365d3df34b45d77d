package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/internal/config"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/notifygate"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/provider/mercadopago"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/provider/paddle"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/creditmeter/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
	"go.uber.org/zap"
)

const redisKeyPrefix = "creditmeter:"

// paymentGateway is a provider adapter that also parses its own webhooks.
type paymentGateway interface {
	reconcile.PaymentProvider
	reconcile.NotificationParser
}

// runtime holds the wired domain services for one process.
type runtime struct {
	database      *gormstore.Database
	registry      *ledger.Registry
	ledger        *ledger.Service
	subscriptions *subscription.Service
	processor     *reconcile.Processor
	closers       []func() error
}

func (rt *runtime) Close() {
	for index := len(rt.closers) - 1; index >= 0; index-- {
		_ = rt.closers[index]()
	}
}

func clock() time.Time {
	return time.Now().UTC()
}

// openStorage opens the database and brings its schema up to date.
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gormstore.Database, error) {
	database, err := gormstore.OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := migrations.Apply(ctx, database, logger); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// newLedgerRuntime wires the registry and ledger only.
func newLedgerRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	database, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{database: database, closers: []func() error{database.Close}}
	operationLogger := oplog.New(logger)
	rt.registry, err = ledger.NewRegistry(gormstore.NewRegistryStore(database.DB), ledger.WithRegistryLogger(operationLogger))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("registry init: %w", err)
	}
	ledgerStore, err := newLedgerStore(ctx, cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.ledger, err = ledger.NewService(ledgerStore, rt.registry, clock, ledger.WithOperationLogger(operationLogger))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return rt, nil
}

// newRuntime wires every service, including the payment provider and the
// notification gate.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	gateway, err := newPaymentGateway(cfg)
	if err != nil {
		return nil, err
	}
	rt, err := newLedgerRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	operationLogger := oplog.New(logger)
	rt.subscriptions, err = subscription.NewService(
		gormstore.NewSubscriptionStore(rt.database.DB),
		rt.ledger,
		clock,
		subscription.WithCheckoutProvider(gateway),
		subscription.WithTransitionLogger(operationLogger),
	)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("subscription service init: %w", err)
	}

	gate, err := newNotificationGate(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.processor, err = reconcile.NewProcessor(
		rt.subscriptions,
		gateway,
		gateway,
		reconcile.WithReconciliationLogger(operationLogger),
		reconcile.WithNotificationGate(gate, cfg.NotificationTTL),
		reconcile.WithProviderTimeout(cfg.ProviderTimeout),
	)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("processor init: %w", err)
	}
	return rt, nil
}

// newLedgerStore serves the ledger hot path from a pgx pool on Postgres and
// from GORM everywhere else.
func newLedgerStore(ctx context.Context, cfg *config.Config, rt *runtime) (ledger.Store, error) {
	if rt.database.Driver != gormstore.DriverPostgres {
		return gormstore.New(rt.database.DB), nil
	}
	pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		pool.Close()
		return nil
	})
	return pgstore.New(pool), nil
}

func newPaymentGateway(cfg *config.Config) (paymentGateway, error) {
	switch cfg.Provider {
	case config.ProviderPaddle:
		return paddle.New(paddle.Config{
			APIKey:        cfg.ProviderToken,
			WebhookSecret: cfg.ProviderWebhookSecret,
			Environment:   cfg.PaddleEnvironment,
		})
	case config.ProviderMercadoPago:
		return mercadopago.New(mercadopago.Config{
			AccessToken:   cfg.ProviderToken,
			BaseURL:       cfg.ProviderBaseURL,
			WebhookSecret: cfg.ProviderWebhookSecret,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

func newNotificationGate(ctx context.Context, cfg *config.Config, logger *zap.Logger, rt *runtime) (reconcile.NotificationGate, error) {
	if cfg.RedisURL == "" {
		logger.Info("notification gate: in-process")
		return notifygate.NewMemoryGate(clock), nil
	}
	client, err := notifygate.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	rt.closers = append(rt.closers, client.Close)
	logger.Info("notification gate: redis")
	return notifygate.NewRedisGate(client, redisKeyPrefix), nil
}
