package marketplace

import (
	"context"
	"errors"
	"fmt"

	"github.com/vipul43/marketsync/internal/logger"
)

// WithFallback tries the primary endpoint first and falls back to the
// legacy one when the primary fails or comes back empty. If both fail the
// primary's partial records (if any) are kept.
func WithFallback[T any](ctx context.Context, log logger.Logger, resource string, primary, legacy func(context.Context) ([]T, error)) ([]T, error) {
	items, primaryErr := primary(ctx)
	if primaryErr == nil && len(items) > 0 {
		return items, nil
	}
	if primaryErr != nil {
		if errors.Is(primaryErr, context.Canceled) || errors.Is(primaryErr, context.DeadlineExceeded) {
			return items, primaryErr
		}
		log.Warnf(ctx, "%s: primary endpoint failed, trying legacy: %v", resource, primaryErr)
	} else {
		log.Debugf(ctx, "%s: primary endpoint returned nothing, trying legacy", resource)
	}

	legacyItems, legacyErr := legacy(ctx)
	if legacyErr == nil {
		return legacyItems, nil
	}
	if primaryErr == nil {
		return legacyItems, fmt.Errorf("%s legacy endpoint: %w", resource, legacyErr)
	}
	if len(items) > 0 {
		return items, primaryErr
	}
	return legacyItems, fmt.Errorf("%s: primary and legacy endpoints failed: %w", resource, errors.Join(primaryErr, legacyErr))
}

// OptionalScope turns a 401/403 on a resource the seller token may not
// cover into an empty result.
func OptionalScope[T any](ctx context.Context, log logger.Logger, resource string, items []T, err error) ([]T, error) {
	if err != nil && IsAuthError(err) {
		log.Warnf(ctx, "%s: access denied, returning empty result: %v", resource, err)
		return []T{}, nil
	}
	return items, err
}
