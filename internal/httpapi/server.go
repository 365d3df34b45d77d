package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	maxWebhookBody   = 1 << 20
)

// LedgerService is the ledger surface used by the handlers.
type LedgerService interface {
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error)
	Consume(ctx context.Context, accountID ledger.AccountID, featureID ledger.FeatureID, description string) (ledger.ConsumeResult, error)
	Grant(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, reason string, idempotencyKey ledger.IdempotencyKey) (ledger.Credits, error)
	History(ctx context.Context, accountID ledger.AccountID, page int, limit int) (ledger.HistoryPage, error)
}

// FeatureRegistry is the admin surface over feature costs.
type FeatureRegistry interface {
	Upsert(ctx context.Context, featureID ledger.FeatureID, name string, cost int64, active bool) (ledger.FeatureCost, error)
	SetActive(ctx context.Context, featureID ledger.FeatureID, active bool) error
	List(ctx context.Context) ([]ledger.FeatureCost, error)
}

// SubscriptionService is the subscription surface used by the handlers.
type SubscriptionService interface {
	Create(ctx context.Context, accountID ledger.AccountID, planID string, callbacks subscription.Callbacks) (subscription.CreateResult, error)
	CancelCurrent(ctx context.Context, accountID ledger.AccountID) (subscription.Subscription, error)
	GetCurrent(ctx context.Context, accountID ledger.AccountID) (*subscription.Subscription, error)
	Plans(ctx context.Context, activeOnly bool) ([]subscription.Plan, error)
	UpsertPlan(ctx context.Context, plan subscription.Plan) (subscription.Plan, error)
}

// Reconciler handles provider notifications and manual fixes.
type Reconciler interface {
	HandleNotification(ctx context.Context, request reconcile.NotificationRequest) reconcile.Result
	Reconcile(ctx context.Context, request reconcile.ReconcileRequest) (reconcile.ReconcileResult, error)
}

// Config carries the HTTP-level settings.
type Config struct {
	AllowedOrigins []string
	AdminRole      string
	Callbacks      subscription.Callbacks
	RequestTimeout time.Duration
}

// Dependencies are the domain services behind the routes.
type Dependencies struct {
	Ledger        LedgerService
	Registry      FeatureRegistry
	Subscriptions SubscriptionService
	Reconciler    Reconciler
}

type httpHandler struct {
	logger *zap.Logger
	deps   Dependencies
	cfg    Config
}

// NewRouter builds the gin engine. Session-protected routes live under /api,
// admin routes additionally require cfg.AdminRole.
func NewRouter(cfg Config, deps Dependencies, validator *sessionvalidator.Validator, logger *zap.Logger) (*gin.Engine, error) {
	if deps.Ledger == nil || deps.Registry == nil || deps.Subscriptions == nil || deps.Reconciler == nil {
		return nil, errors.New("httpapi: all dependencies are required")
	}
	if validator == nil {
		return nil, errors.New("httpapi: session validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	handler := &httpHandler{logger: logger, deps: deps, cfg: cfg}
	return setupRouter(cfg, handler, validator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhook/payment", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/consume", handler.handleConsume)
	api.GET("/balance", handler.handleBalance)
	api.GET("/plans", handler.handlePlans)
	api.GET("/subscribe", handler.handleCurrentSubscription)
	api.POST("/subscribe", handler.handleSubscribe)
	api.PATCH("/subscribe", handler.handleCancel)

	admin := api.Group("/admin")
	admin.Use(handler.requireRole(cfg.AdminRole))
	admin.POST("/fix", handler.handleFix)
	admin.POST("/credits", handler.handleGrant)
	admin.GET("/features", handler.handleListFeatures)
	admin.PUT("/features/:featureId", handler.handleUpsertFeature)
	admin.PATCH("/features/:featureId", handler.handleToggleFeature)
	admin.GET("/plans", handler.handleListAllPlans)
	admin.PUT("/plans/:planId", handler.handleUpsertPlan)

	return router
}

// Serve runs server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("listen_addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleWebhook always acknowledges: processing failures are logged and left
// for manual reconciliation so the provider does not redeliver in a loop.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBody))
	if err != nil {
		handler.logger.Warn("webhook body read failed", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result := handler.deps.Reconciler.HandleNotification(requestCtx, reconcile.NotificationRequest{
		Header: ctx.Request.Header.Clone(),
		Query:  ctx.Request.URL.Query(),
		Body:   body,
	})
	if result.Err != nil {
		handler.logger.Warn("webhook processing failed",
			zap.String("payment_id", result.PaymentID),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(result.Err))
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func (handler *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if granted == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "administrator role required"))
	}
}

// accountID resolves the session's account or writes a 401.
func (handler *httpHandler) accountID(ctx *gin.Context) (ledger.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.AccountID{}, false
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user id"))
		return ledger.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
