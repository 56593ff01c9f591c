package dispatch

import (
	"context"
	"fmt"

	"github.com/mbc-dms/notification-service/internal/db"
)

// RecipientResolver turns an audience selector into a concrete, immutable
// recipient id set. Resolution happens once, at dispatch or schedule-fire
// time; the dispatcher itself never knows about roles.
type RecipientResolver interface {
	Resolve(ctx context.Context, audience db.Audience) ([]string, error)
}

// StoreResolver resolves role audiences against the mirrored recipient
// directory.
type StoreResolver struct {
	store db.Store
}

func NewStoreResolver(store db.Store) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) Resolve(ctx context.Context, audience db.Audience) ([]string, error) {
	switch audience.Kind {
	case db.AudienceKindIDs:
		if len(audience.IDs) == 0 {
			return nil, fmt.Errorf("audience of kind %q has no ids", audience.Kind)
		}
		return dedupe(audience.IDs), nil

	case db.AudienceKindRole:
		if audience.Role == "" {
			return nil, fmt.Errorf("audience of kind %q has no role", audience.Kind)
		}
		ids, err := r.store.ListRecipientIDsByRole(ctx, audience.Role)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve role %q: %w", audience.Role, err)
		}
		return ids, nil
	}

	return nil, fmt.Errorf("unknown audience kind %q", audience.Kind)
}
