package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type consumeRequest struct {
	FeatureID   string `json:"featureId"`
	Description string `json:"description"`
}

type subscribeRequest struct {
	PlanID string `json:"planId"`
}

type fixRequest struct {
	UserID         string `json:"userId"`
	SubscriptionID string `json:"subscriptionId"`
	ForceActivate  bool   `json:"forceActivate"`
}

type grantRequest struct {
	UserID         string `json:"userId"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type featureRequest struct {
	Name   string `json:"name"`
	Cost   int64  `json:"cost"`
	Active *bool  `json:"active"`
}

type planRequest struct {
	Name            string   `json:"name"`
	Price           int64    `json:"price"`
	Currency        string   `json:"currency"`
	Credits         int64    `json:"credits"`
	Features        []string `json:"features"`
	ProviderPriceID string   `json:"providerPriceId"`
	Active          *bool    `json:"active"`
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	featureID, err := ledger.NewFeatureID(request.FeatureID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.deps.Ledger.Consume(requestCtx, accountID, featureID, request.Description)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"remainingCredits": result.Remaining.Int64(),
		"consumed":         result.Consumed.Int64(),
		"featureName":      result.FeatureName,
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.deps.Ledger.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{"credits": balance.Int64()}
	includeHistory, _ := strconv.ParseBool(ctx.DefaultQuery("includeHistory", "false"))
	if includeHistory {
		page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(ledger.DefaultHistoryLimit)))
		history, err := handler.deps.Ledger.History(requestCtx, accountID, page, limit)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		entries := make([]entryPayload, 0, len(history.Entries))
		for _, entry := range history.Entries {
			entries = append(entries, newEntryPayload(entry))
		}
		response["history"] = entries
		response["pagination"] = gin.H{
			"page":  history.Page,
			"limit": history.Limit,
			"total": history.Total,
			"pages": history.Pages(),
		}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handlePlans(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	plans, err := handler.deps.Subscriptions.Plans(requestCtx, true)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"plans": newPlanPayloads(plans)})
}

func (handler *httpHandler) handleCurrentSubscription(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	current, err := handler.deps.Subscriptions.GetCurrent(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if current == nil {
		ctx.JSON(http.StatusOK, gin.H{"subscription": nil})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"subscription": newSubscriptionPayload(*current)})
}

func (handler *httpHandler) handleSubscribe(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	var request subscribeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PlanID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "planId is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.deps.Subscriptions.Create(requestCtx, accountID, request.PlanID, handler.cfg.Callbacks)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{
		"subscription": newSubscriptionPayload(result.Subscription),
		"isFree":       result.IsFree,
	}
	if result.PaymentURL != "" {
		response["paymentUrl"] = result.PaymentURL
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	accountID, ok := handler.accountID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	cancelled, err := handler.deps.Subscriptions.CancelCurrent(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"subscription": newSubscriptionPayload(cancelled)})
}

func (handler *httpHandler) handleFix(ctx *gin.Context) {
	var request fixRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.deps.Reconciler.Reconcile(requestCtx, reconcile.ReconcileRequest{
		SubscriptionID: request.SubscriptionID,
		AccountID:      request.UserID,
		ForceActivate:  request.ForceActivate,
		Operator:       getClaims(ctx).GetUserID(),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{
		"success": result.Success,
		"message": result.Message,
		"outcome": string(result.Outcome),
	}
	if result.Subscription.ID != "" {
		response["subscription"] = newSubscriptionPayload(result.Subscription)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	rawKey := strings.TrimSpace(request.IdempotencyKey)
	if rawKey == "" {
		rawKey = "admin:" + uuid.NewString()
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		reason = "Administrative grant"
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.deps.Ledger.Grant(requestCtx, accountID, amount, reason, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"credits": balance.Int64(), "idempotencyKey": idempotencyKey.String()})
}

func (handler *httpHandler) handleListFeatures(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	costs, err := handler.deps.Registry.List(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	features := make([]featurePayload, 0, len(costs))
	for _, cost := range costs {
		features = append(features, newFeaturePayload(cost))
	}
	ctx.JSON(http.StatusOK, gin.H{"features": features})
}

func (handler *httpHandler) handleUpsertFeature(ctx *gin.Context) {
	featureID, err := ledger.NewFeatureID(ctx.Param("featureId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request featureRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	active := true
	if request.Active != nil {
		active = *request.Active
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	cost, err := handler.deps.Registry.Upsert(requestCtx, featureID, request.Name, request.Cost, active)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"feature": newFeaturePayload(cost)})
}

func (handler *httpHandler) handleToggleFeature(ctx *gin.Context) {
	featureID, err := ledger.NewFeatureID(ctx.Param("featureId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request featureRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Active == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "active is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.deps.Registry.SetActive(requestCtx, featureID, *request.Active); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"featureId": featureID.String(), "active": *request.Active})
}

func (handler *httpHandler) handleListAllPlans(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	plans, err := handler.deps.Subscriptions.Plans(requestCtx, false)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"plans": newPlanPayloads(plans)})
}

func (handler *httpHandler) handleUpsertPlan(ctx *gin.Context) {
	var request planRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	active := true
	if request.Active != nil {
		active = *request.Active
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	plan, err := handler.deps.Subscriptions.UpsertPlan(requestCtx, subscription.Plan{
		ID:              ctx.Param("planId"),
		Name:            request.Name,
		Price:           request.Price,
		Currency:        request.Currency,
		Credits:         request.Credits,
		Features:        request.Features,
		ProviderPriceID: request.ProviderPriceID,
		Active:          active,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"plan": newPlanPayload(plan)})
}

type entryPayload struct {
	EntryID     string `json:"id"`
	Kind        string `json:"kind"`
	Amount      int64  `json:"amount"`
	FeatureID   string `json:"featureId,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:     entry.EntryID,
		Kind:        entry.Kind.String(),
		Amount:      entry.Amount.Int64(),
		FeatureID:   entry.FeatureID.String(),
		Description: entry.Description,
		CreatedAt:   entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type featurePayload struct {
	FeatureID string `json:"featureId"`
	Name      string `json:"name"`
	Cost      int64  `json:"cost"`
	Active    bool   `json:"active"`
}

func newFeaturePayload(cost ledger.FeatureCost) featurePayload {
	return featurePayload{
		FeatureID: cost.FeatureID.String(),
		Name:      cost.Name,
		Cost:      cost.Cost.Int64(),
		Active:    cost.Active,
	}
}

type planPayload struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Price    int64    `json:"price"`
	Currency string   `json:"currency,omitempty"`
	Credits  int64    `json:"credits"`
	Features []string `json:"features"`
	Active   bool     `json:"active"`
}

func newPlanPayload(plan subscription.Plan) planPayload {
	features := plan.Features
	if features == nil {
		features = []string{}
	}
	return planPayload{
		ID:       plan.ID,
		Name:     plan.Name,
		Price:    plan.Price,
		Currency: plan.Currency,
		Credits:  plan.Credits,
		Features: features,
		Active:   plan.Active,
	}
}

func newPlanPayloads(plans []subscription.Plan) []planPayload {
	payloads := make([]planPayload, 0, len(plans))
	for _, plan := range plans {
		payloads = append(payloads, newPlanPayload(plan))
	}
	return payloads
}

type paymentPayload struct {
	ProviderPaymentID string `json:"providerPaymentId"`
	Amount            int64  `json:"amount"`
	Status            string `json:"status"`
	Date              string `json:"date"`
}

type subscriptionPayload struct {
	ID                string           `json:"id"`
	PlanID            string           `json:"planId"`
	Status            string           `json:"status"`
	ProviderPaymentID string           `json:"providerPaymentId,omitempty"`
	StartDate         *string          `json:"startDate"`
	EndDate           *string          `json:"endDate"`
	RenewalDate       *string          `json:"renewalDate"`
	Payments          []paymentPayload `json:"payments"`
}

func newSubscriptionPayload(current subscription.Subscription) subscriptionPayload {
	payments := make([]paymentPayload, 0, len(current.Payments))
	for _, payment := range current.Payments {
		payments = append(payments, paymentPayload{
			ProviderPaymentID: payment.ProviderPaymentID,
			Amount:            payment.Amount,
			Status:            payment.Status,
			Date:              payment.Date.UTC().Format(time.RFC3339),
		})
	}
	return subscriptionPayload{
		ID:                current.ID,
		PlanID:            current.PlanID,
		Status:            string(current.Status),
		ProviderPaymentID: current.ProviderPaymentID,
		StartDate:         formatOptionalTime(current.StartDate),
		EndDate:           formatOptionalTime(current.EndDate),
		RenewalDate:       formatOptionalTime(current.RenewalDate),
		Payments:          payments,
	}
}

func formatOptionalTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(time.RFC3339)
	return &formatted
}
