package records

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// ProvisionSchema executes the embedded current-schema DDL. Statements are
// idempotent so this runs on every boot and on fresh-start migration.
func (s *Store) ProvisionSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("provision schema: %w", err)
	}
	return nil
}
