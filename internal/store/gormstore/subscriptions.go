package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/subscription"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectPlan         = "plan"
	errorSubjectSubscription = "subscription"
	errorSubjectPayment      = "payment"
	errorCodeCreate          = "create"
	errorCodeClaim           = "claim"
	errorCodeRelease         = "release"
	errorCodeUpdateStatus    = "update_status"
	errorCodeUpdateRenewal   = "update_renewal"
	emptyFeaturesJSON        = "[]"
)

// SubscriptionStore implements subscription.Store using GORM.
type SubscriptionStore struct {
	db *gorm.DB
}

// NewSubscriptionStore returns a SubscriptionStore backed by gorm.DB.
func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *SubscriptionStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore subscription.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &SubscriptionStore{db: transaction})
	})
}

// Ledger returns a ledger store sharing the same connection or transaction.
func (store *SubscriptionStore) Ledger() ledger.Store {
	return &Store{db: store.db}
}

func (store *SubscriptionStore) GetPlan(ctx context.Context, planID string) (subscription.Plan, error) {
	var model Plan
	err := store.db.WithContext(ctx).Where("plan_id = ?", planID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return subscription.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, subscription.ErrPlanNotFound)
		}
		return subscription.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	plan, err := mapPlan(model)
	if err != nil {
		return subscription.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	return plan, nil
}

func (store *SubscriptionStore) UpsertPlan(ctx context.Context, plan subscription.Plan) error {
	features := plan.Features
	if features == nil {
		features = []string{}
	}
	encodedFeatures, err := json.Marshal(features)
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	now := time.Now().UTC()
	model := Plan{
		PlanID:          plan.ID,
		Name:            plan.Name,
		Price:           plan.Price,
		Currency:        plan.Currency,
		Credits:         plan.Credits,
		Features:        datatypes.JSON(encodedFeatures),
		ProviderPriceID: plan.ProviderPriceID,
		Active:          plan.Active,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "plan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "price", "currency", "credits", "features", "provider_price_id", "active", "updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeUpsert, err)
	}
	return nil
}

func (store *SubscriptionStore) ListPlans(ctx context.Context, activeOnly bool) ([]subscription.Plan, error) {
	query := store.db.WithContext(ctx).Order("price ASC").Order("plan_id ASC")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var rows []Plan
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, err)
	}
	plans := make([]subscription.Plan, 0, len(rows))
	for _, row := range rows {
		plan, err := mapPlan(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (store *SubscriptionStore) CreateSubscription(ctx context.Context, created subscription.Subscription) error {
	model := Subscription{
		SubscriptionID:    created.ID,
		AccountID:         created.AccountID.String(),
		PlanID:            created.PlanID,
		Status:            string(created.Status),
		ProviderPaymentID: created.ProviderPaymentID,
		StartDate:         utcPointer(created.StartDate),
		EndDate:           utcPointer(created.EndDate),
		RenewalDate:       utcPointer(created.RenewalDate),
		CreatedAt:         created.CreatedAt.UTC(),
		UpdatedAt:         created.UpdatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeCreate, err)
	}
	return nil
}

func (store *SubscriptionStore) GetSubscription(ctx context.Context, subscriptionID string) (subscription.Subscription, error) {
	return store.findOne(ctx, store.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID))
}

// FindByProviderPaymentID matches the current provider payment first, then any
// recorded payment.
func (store *SubscriptionStore) FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (subscription.Subscription, error) {
	found, err := store.findOne(ctx, store.db.WithContext(ctx).Where("provider_payment_id = ?", providerPaymentID))
	if err == nil || !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return found, err
	}
	paymentQuery := store.db.WithContext(ctx).
		Model(&SubscriptionPayment{}).
		Select("subscription_id").
		Where("provider_payment_id = ?", providerPaymentID)
	return store.findOne(ctx, store.db.WithContext(ctx).Where("subscription_id IN (?)", paymentQuery))
}

func (store *SubscriptionStore) FindOpenByAccount(ctx context.Context, accountID ledger.AccountID) (subscription.Subscription, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID.String(), []string{string(subscription.StatusPending), string(subscription.StatusActive)}).
		Order("created_at DESC")
	return store.findOne(ctx, query)
}

func (store *SubscriptionStore) UpdateStatus(ctx context.Context, change subscription.StatusChange) (bool, error) {
	from := make([]string, 0, len(change.From))
	for _, status := range change.From {
		from = append(from, string(status))
	}
	updates := map[string]interface{}{
		"status":     string(change.To),
		"updated_at": change.UpdatedAt.UTC(),
	}
	if change.ProviderPaymentID != "" {
		updates["provider_payment_id"] = change.ProviderPaymentID
	}
	if change.StartDate != nil {
		updates["start_date"] = change.StartDate.UTC()
	}
	if change.EndDate != nil {
		updates["end_date"] = change.EndDate.UTC()
	}
	if change.RenewalDate != nil {
		updates["renewal_date"] = change.RenewalDate.UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("subscription_id = ? AND status IN ?", change.SubscriptionID, from).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectSubscription, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	if err := store.requireSubscription(ctx, change.SubscriptionID, errorCodeUpdateStatus); err != nil {
		return false, err
	}
	return false, nil
}

func (store *SubscriptionStore) UpdateRenewal(ctx context.Context, subscriptionID string, renewalDate time.Time, providerPaymentID string, updatedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("subscription_id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"renewal_date":        renewalDate.UTC(),
			"provider_payment_id": providerPaymentID,
			"updated_at":          updatedAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdateRenewal, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdateRenewal, subscription.ErrSubscriptionNotFound)
	}
	return nil
}

func (store *SubscriptionStore) InsertPayment(ctx context.Context, subscriptionID string, payment subscription.PaymentRecord) error {
	paidAt := payment.Date.UTC()
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	model := SubscriptionPayment{
		ProviderPaymentID: payment.ProviderPaymentID,
		SubscriptionID:    subscriptionID,
		Amount:            payment.Amount,
		Status:            payment.Status,
		PaidAt:            paidAt,
		CreatedAt:         time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintPaymentPrimary) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, subscription.ErrPaymentAlreadyRecorded)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store *SubscriptionStore) ClaimAccountSubscription(ctx context.Context, accountID ledger.AccountID, subscriptionID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND (current_subscription_id IS NULL OR current_subscription_id = '')", accountID.String()).
		Updates(map[string]interface{}{"current_subscription_id": subscriptionID, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeClaim, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	if _, err := store.Ledger().GetAccount(ctx, accountID); err != nil {
		return false, err
	}
	return false, nil
}

func (store *SubscriptionStore) ReleaseAccountSubscription(ctx context.Context, accountID ledger.AccountID, subscriptionID string) error {
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND current_subscription_id = ?", accountID.String(), subscriptionID).
		Updates(map[string]interface{}{"current_subscription_id": gorm.Expr("NULL"), "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeRelease, err)
	}
	return nil
}

func (store *SubscriptionStore) findOne(ctx context.Context, query *gorm.DB) (subscription.Subscription, error) {
	var model Subscription
	if err := query.Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return subscription.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, subscription.ErrSubscriptionNotFound)
		}
		return subscription.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	found, err := mapSubscription(model)
	if err != nil {
		return subscription.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
	}
	var payments []SubscriptionPayment
	err = store.db.WithContext(ctx).
		Where("subscription_id = ?", model.SubscriptionID).
		Order("paid_at ASC").
		Order("created_at ASC").
		Find(&payments).Error
	if err != nil {
		return subscription.Subscription{}, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	for _, payment := range payments {
		found.Payments = append(found.Payments, subscription.PaymentRecord{
			ProviderPaymentID: payment.ProviderPaymentID,
			Amount:            payment.Amount,
			Status:            payment.Status,
			Date:              payment.PaidAt.UTC(),
		})
	}
	return found, nil
}

func (store *SubscriptionStore) requireSubscription(ctx context.Context, subscriptionID string, code string) error {
	var count int64
	err := store.db.WithContext(ctx).Model(&Subscription{}).Where("subscription_id = ?", subscriptionID).Count(&count).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, code, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectSubscription, code, subscription.ErrSubscriptionNotFound)
	}
	return nil
}

func mapPlan(model Plan) (subscription.Plan, error) {
	features := []string{}
	raw := string(model.Features)
	if raw == "" {
		raw = emptyFeaturesJSON
	}
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		return subscription.Plan{}, err
	}
	return subscription.Plan{
		ID:              model.PlanID,
		Name:            model.Name,
		Price:           model.Price,
		Currency:        model.Currency,
		Credits:         model.Credits,
		Features:        features,
		ProviderPriceID: model.ProviderPriceID,
		Active:          model.Active,
	}, nil
}

func mapSubscription(model Subscription) (subscription.Subscription, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	status, err := subscription.ParseStatus(model.Status)
	if err != nil {
		return subscription.Subscription{}, err
	}
	return subscription.Subscription{
		ID:                model.SubscriptionID,
		AccountID:         accountID,
		PlanID:            model.PlanID,
		Status:            status,
		ProviderPaymentID: model.ProviderPaymentID,
		StartDate:         utcPointer(model.StartDate),
		EndDate:           utcPointer(model.EndDate),
		RenewalDate:       utcPointer(model.RenewalDate),
		CreatedAt:         model.CreatedAt.UTC(),
		UpdatedAt:         model.UpdatedAt.UTC(),
	}, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
