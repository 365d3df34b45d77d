package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Registry holds the per-feature credit cost configuration.
type Registry struct {
	store  RegistryStore
	logger OperationLogger
}

// RegistryOption configures a Registry instance.
type RegistryOption func(*Registry)

// WithRegistryLogger wires a logger for cost changes.
func WithRegistryLogger(logger OperationLogger) RegistryOption {
	return func(registry *Registry) {
		registry.logger = logger
	}
}

// NewRegistry wires a Registry.
func NewRegistry(store RegistryStore, options ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: registry store dependency is nil", ErrInvalidServiceConfig)
	}
	registry := &Registry{store: store}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry, nil
}

// GetCost returns the feature record whether it is active or not.
func (registry *Registry) GetCost(ctx context.Context, featureID FeatureID) (FeatureCost, error) {
	if featureID.IsZero() {
		return FeatureCost{}, fmt.Errorf("%w: empty value", ErrInvalidFeatureID)
	}
	return registry.store.GetFeatureCost(ctx, featureID)
}

// Upsert creates or replaces a feature cost.
func (registry *Registry) Upsert(ctx context.Context, featureID FeatureID, name string, cost int64, active bool) (FeatureCost, error) {
	var featureCost FeatureCost
	operationError := func() error {
		if featureID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidFeatureID)
		}
		if cost < 0 {
			return fmt.Errorf("%w: must not be negative", ErrInvalidCost)
		}
		trimmedName := strings.TrimSpace(name)
		if trimmedName == "" {
			trimmedName = featureID.String()
		}
		featureCost = FeatureCost{FeatureID: featureID, Name: trimmedName, Cost: Credits(cost), Active: active}
		return registry.store.UpsertFeatureCost(ctx, featureCost)
	}()
	emitOperation(ctx, registry.logger, OperationLog{
		Operation: operationUpsertFeature,
		FeatureID: featureID,
		Amount:    cost,
		Error:     operationError,
	})
	if operationError != nil {
		return FeatureCost{}, operationError
	}
	return featureCost, nil
}

// SetActive toggles a feature without touching its cost or any ledger data.
func (registry *Registry) SetActive(ctx context.Context, featureID FeatureID, active bool) error {
	var operationError error
	if featureID.IsZero() {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidFeatureID)
	} else {
		operationError = registry.store.SetFeatureActive(ctx, featureID, active)
	}
	emitOperation(ctx, registry.logger, OperationLog{
		Operation: operationToggleFeature,
		FeatureID: featureID,
		Error:     operationError,
	})
	return operationError
}

// List returns every configured feature ordered by id.
func (registry *Registry) List(ctx context.Context) ([]FeatureCost, error) {
	return registry.store.ListFeatureCosts(ctx)
}
