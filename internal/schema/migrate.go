package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tabula/internal/descriptor"
)

// MigrationError wraps a DDL failure. The schema is left at the last
// consistent version; the failing operation is carried for diagnostics.
type MigrationError struct {
	Entity  string
	Tenant  string
	Version int64
	Op      DdlOp
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema: migrating %s to version %d failed at %s (%s): %v",
		descriptor.Key(e.Entity, e.Tenant), e.Version, e.Op.Kind, e.Op.Column, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Marker is the per-entity applied-version record. AppliedVersion trails the
// descriptor version until the executor catches up; the stored field snapshot
// is what the differ compares the next target against.
type Marker struct {
	Entity           string
	Tenant           string
	AppliedVersion   int64
	AppliedFields    []descriptor.FieldDescriptor
	AttemptedVersion int64
	LastError        string
	UpdatedAt        time.Time
}

// AppliedDescriptor reconstructs the descriptor shape at the applied version,
// or nil when no version has ever been applied (table absent).
func (m *Marker) AppliedDescriptor(name, tenant string) *descriptor.EntityDescriptor {
	if m == nil || m.AppliedVersion == 0 {
		return nil
	}
	return &descriptor.EntityDescriptor{
		Name:        name,
		TenantScope: tenant,
		Fields:      m.AppliedFields,
		Version:     m.AppliedVersion,
	}
}

const (
	applyAttempts = 3
	retryBackoff  = 250 * time.Millisecond
	lockTimeout   = "5s" // per-statement bound so migrations never hang request threads
)

// Executor applies DDL batches transactionally and keeps the version marker
// in step. It is the only mutator of the physical schema.
type Executor struct {
	db      *sql.DB
	timeout time.Duration
}

func NewExecutor(db *sql.DB, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{db: db, timeout: timeout}
}

// Marker loads the version marker for one entity. A zero-valued marker (no
// row) means no DDL has ever been applied.
func (e *Executor) Marker(ctx context.Context, name, tenant string) (*Marker, error) {
	m := &Marker{Entity: strings.ToLower(name), Tenant: strings.ToLower(tenant)}
	var fieldsJSON []byte
	var attempted sql.NullInt64
	var lastErr sql.NullString
	err := e.db.QueryRowContext(ctx,
		`select applied_version, applied_fields, attempted_version, last_error, updated_at
		 from tabula_schema_versions where entity_name = $1 and tenant_scope = $2`,
		m.Entity, m.Tenant,
	).Scan(&m.AppliedVersion, &fieldsJSON, &attempted, &lastErr, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schema: read marker %s: %w", descriptor.Key(name, tenant), err)
	}
	m.AttemptedVersion = attempted.Int64
	m.LastError = lastErr.String
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &m.AppliedFields); err != nil {
			return nil, fmt.Errorf("schema: unmarshal marker snapshot %s: %w", descriptor.Key(name, tenant), err)
		}
	}
	return m, nil
}

// Markers loads every version marker, keyed like descriptor.Key.
func (e *Executor) Markers(ctx context.Context) (map[string]*Marker, error) {
	rows, err := e.db.QueryContext(ctx,
		`select entity_name, tenant_scope, applied_version, attempted_version, last_error, updated_at
		 from tabula_schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("schema: list markers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Marker)
	for rows.Next() {
		var m Marker
		var attempted sql.NullInt64
		var lastErr sql.NullString
		if err := rows.Scan(&m.Entity, &m.Tenant, &m.AppliedVersion, &attempted, &lastErr, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("schema: scan marker: %w", err)
		}
		m.AttemptedVersion = attempted.Int64
		m.LastError = lastErr.String
		out[descriptor.Key(m.Entity, m.Tenant)] = &m
	}
	return out, rows.Err()
}

// Apply executes all operations inside one transaction guarded by a
// per-entity advisory lock, then writes the new marker in the same
// transaction. Unrelated entities migrate concurrently; the same entity is
// totally ordered. Transient database errors are retried with backoff up to
// a fixed bound; structural errors surface as *MigrationError.
func (e *Executor) Apply(ctx context.Context, target *descriptor.EntityDescriptor, ops []DdlOp, targetVersion int64) error {
	if len(ops) == 0 {
		return e.recordApplied(ctx, target, targetVersion)
	}

	var lastErr error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		err := e.applyOnce(ctx, target, ops, targetVersion)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		log.Printf("schema: transient failure migrating %s to v%d (attempt %d/%d): %v",
			target.Key(), targetVersion, attempt, applyAttempts, err)
		select {
		case <-time.After(retryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.recordFailure(target, targetVersion, lastErr)
	return lastErr
}

func (e *Executor) applyOnce(ctx context.Context, target *descriptor.EntityDescriptor, ops []DdlOp, targetVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "set local lock_timeout = '"+lockTimeout+"'"); err != nil {
		return fmt.Errorf("schema: set lock_timeout: %w", err)
	}
	// entity-scoped lock: unrelated entities may migrate in parallel
	if _, err := tx.ExecContext(ctx, "select pg_advisory_xact_lock($1)", lockKey(target.Key())); err != nil {
		return fmt.Errorf("schema: advisory lock %s: %w", target.Key(), err)
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.SQL); err != nil {
			if isTransient(err) {
				return fmt.Errorf("schema: %s on %s: %w", op.Kind, target.Key(), err)
			}
			return &MigrationError{
				Entity: target.Name, Tenant: target.TenantScope,
				Version: targetVersion, Op: op, Err: err,
			}
		}
	}

	if err := upsertMarker(ctx, tx, target, targetVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema: commit migration of %s: %w", target.Key(), err)
	}
	log.Printf("schema: %s migrated to version %d (%d ops)", target.Key(), targetVersion, len(ops))
	return nil
}

func upsertMarker(ctx context.Context, tx *sql.Tx, target *descriptor.EntityDescriptor, version int64) error {
	snapshot, err := json.Marshal(target.Fields)
	if err != nil {
		return fmt.Errorf("schema: marshal snapshot of %s: %w", target.Key(), err)
	}
	_, err = tx.ExecContext(ctx,
		`insert into tabula_schema_versions (entity_name, tenant_scope, applied_version, applied_fields, attempted_version, last_error, updated_at)
		 values ($1, $2, $3, $4, null, null, now())
		 on conflict (entity_name, tenant_scope) do update
		 set applied_version = excluded.applied_version,
		     applied_fields = excluded.applied_fields,
		     attempted_version = null,
		     last_error = null,
		     updated_at = now()`,
		strings.ToLower(target.Name), strings.ToLower(target.TenantScope), version, snapshot)
	if err != nil {
		return fmt.Errorf("schema: write marker %s: %w", target.Key(), err)
	}
	return nil
}

// recordApplied covers the no-op diff: the shapes already converged, only the
// marker version needs to catch up with the descriptor version.
func (e *Executor) recordApplied(ctx context.Context, target *descriptor.EntityDescriptor, version int64) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: begin marker update: %w", err)
	}
	defer tx.Rollback()
	if err := upsertMarker(ctx, tx, target, version); err != nil {
		return err
	}
	return tx.Commit()
}

// recordFailure leaves an auditable trace next to the still-consistent
// marker. Best effort on a fresh context: the original one may be dead.
func (e *Executor) recordFailure(target *descriptor.EntityDescriptor, attempted int64, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.db.ExecContext(ctx,
		`insert into tabula_schema_versions (entity_name, tenant_scope, applied_version, applied_fields, attempted_version, last_error, updated_at)
		 values ($1, $2, 0, '[]', $3, $4, now())
		 on conflict (entity_name, tenant_scope) do update
		 set attempted_version = excluded.attempted_version,
		     last_error = excluded.last_error,
		     updated_at = now()`,
		strings.ToLower(target.Name), strings.ToLower(target.TenantScope), attempted, cause.Error())
	if err != nil {
		log.Printf("schema: could not record migration failure for %s: %v", target.Key(), err)
	}
}

// Drop removes the physical table and the marker. Only reachable through an
// explicit drop request.
func (e *Executor) Drop(ctx context.Context, target *descriptor.EntityDescriptor) error {
	if err := e.Apply(ctx, target, DropOps(target), target.Version); err != nil {
		return err
	}
	_, err := e.db.ExecContext(ctx,
		`delete from tabula_schema_versions where entity_name = $1 and tenant_scope = $2`,
		strings.ToLower(target.Name), strings.ToLower(target.TenantScope))
	if err != nil {
		return fmt.Errorf("schema: delete marker %s: %w", target.Key(), err)
	}
	return nil
}

func lockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("tabula:" + key))
	return int64(h.Sum64())
}

// transient: lock timeout, serialization failure, deadlock, connection loss.
// Everything else (bad cast, dependent objects, syntax) is structural.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01", "57014":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof")
}
