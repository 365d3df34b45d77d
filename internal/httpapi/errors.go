package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: ledger.ErrFeatureNotConfigured, status: http.StatusNotFound, code: "feature_not_configured"},
	{target: subscription.ErrPlanNotFound, status: http.StatusNotFound, code: "plan_not_found"},
	{target: subscription.ErrSubscriptionNotFound, status: http.StatusNotFound, code: "subscription_not_found"},
	{target: ledger.ErrUnknownAccount, status: http.StatusNotFound, code: "unknown_account"},
	{target: ledger.ErrFeatureInactive, status: http.StatusBadRequest, code: "feature_inactive"},
	{target: subscription.ErrPlanInactive, status: http.StatusBadRequest, code: "plan_inactive"},
	{target: subscription.ErrInvalidPlan, status: http.StatusBadRequest, code: "invalid_plan"},
	{target: subscription.ErrInvalidSubscriptionID, status: http.StatusBadRequest, code: "invalid_subscription_id"},
	{target: ledger.ErrInvalidAccountID, status: http.StatusBadRequest, code: "invalid_user_id"},
	{target: ledger.ErrInvalidFeatureID, status: http.StatusBadRequest, code: "invalid_feature_id"},
	{target: ledger.ErrInvalidFeatureName, status: http.StatusBadRequest, code: "invalid_feature_name"},
	{target: ledger.ErrInvalidIdempotencyKey, status: http.StatusBadRequest, code: "invalid_idempotency_key"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
	{target: ledger.ErrInvalidCost, status: http.StatusBadRequest, code: "invalid_cost"},
	{target: reconcile.ErrInvalidRequest, status: http.StatusBadRequest, code: "invalid_request"},
	{target: subscription.ErrSubscriptionExists, status: http.StatusConflict, code: "subscription_exists"},
	{target: subscription.ErrInvalidTransition, status: http.StatusConflict, code: "invalid_transition"},
	{target: ledger.ErrDuplicateIdempotencyKey, status: http.StatusConflict, code: "duplicate_idempotency_key"},
	{target: reconcile.ErrUnauthorized, status: http.StatusForbidden, code: "forbidden"},
	{target: subscription.ErrCheckoutFailed, status: http.StatusBadGateway, code: "checkout_failed"},
	{target: reconcile.ErrProviderUnavailable, status: http.StatusBadGateway, code: "provider_unavailable"},
}

// respondError maps domain errors to status codes. Insufficient credits carry
// the required and available amounts so the caller can render the shortfall.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var insufficient ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":    "insufficient_credits",
				"message": insufficient.Error(),
			},
			"creditsNeeded":    insufficient.Required.Int64(),
			"creditsAvailable": insufficient.Available.Int64(),
		})
		return
	}
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error()))
			return
		}
	}
	handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
}
