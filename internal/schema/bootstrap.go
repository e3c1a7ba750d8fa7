package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// bootstrapDDL creates the engine's own fixed tables. These predate any
// dynamic entity and are never managed by the differ.
var bootstrapDDL = []string{
	`create schema if not exists ` + DataSchema,
	`create table if not exists tabula_descriptors (
	  name text not null,
	  tenant_scope text not null default '',
	  label text not null default '',
	  fields jsonb not null,
	  version bigint not null,
	  created_at timestamp with time zone not null default now(),
	  updated_at timestamp with time zone not null default now(),
	  primary key (name, tenant_scope)
	)`,
	`create table if not exists tabula_schema_versions (
	  entity_name text not null,
	  tenant_scope text not null default '',
	  applied_version bigint not null default 0,
	  applied_fields jsonb not null default '[]',
	  attempted_version bigint,
	  last_error text,
	  updated_at timestamp with time zone not null default now(),
	  primary key (entity_name, tenant_scope)
	)`,
}

// Bootstrap creates the descriptor and version-marker tables. Idempotent.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range bootstrapDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: bootstrap failed: %w", err)
		}
	}
	return nil
}
