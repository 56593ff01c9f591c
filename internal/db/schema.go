package db

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// InitSchema applies the service schema. Statements are idempotent so the
// call is safe on every startup.
func (store *SQLStore) InitSchema(ctx context.Context) error {
	if _, err := store.connPool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
