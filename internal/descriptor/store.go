package descriptor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConcurrentModification is returned when a concurrent writer changed the
// descriptor between the caller's read and its save. Retryable: re-read the
// latest descriptor, re-diff, resubmit.
var ErrConcurrentModification = errors.New("descriptor: concurrent modification, re-read and retry")

// ErrNotFound is returned by FindByName when no descriptor exists.
var ErrNotFound = errors.New("descriptor: not found")

// Store persists entity descriptors in the engine's own fixed table. The
// relational database itself is the single source of truth for what dynamic
// entities exist.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Save inserts or updates the descriptor under a row-level lock keyed by
// (name, tenant_scope). Field-affecting changes bump Version; cosmetic label
// changes do not. The caller must have run Validate first.
//
// baseVersion is the version the caller read and diffed against. If the
// stored row has moved past it, the save loses and gets
// ErrConcurrentModification.
func (s *Store) Save(ctx context.Context, d *EntityDescriptor, baseVersion int64) (*EntityDescriptor, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("descriptor: begin save: %w", err)
	}
	defer tx.Rollback()

	fieldsJSON, err := json.Marshal(d.Fields)
	if err != nil {
		return nil, fmt.Errorf("descriptor: marshal fields: %w", err)
	}

	name := strings.ToLower(d.Name)
	tenant := strings.ToLower(d.TenantScope)
	now := time.Now().UTC()

	var curVersion int64
	var curFieldsJSON []byte
	var curLabel string
	var curCreatedAt time.Time
	err = tx.QueryRowContext(ctx,
		`select version, fields, label, created_at from tabula_descriptors
		 where name = $1 and tenant_scope = $2 for update`,
		name, tenant,
	).Scan(&curVersion, &curFieldsJSON, &curLabel, &curCreatedAt)

	switch {
	case err == sql.ErrNoRows:
		if baseVersion != 0 {
			return nil, ErrConcurrentModification
		}
		d.Version = 1
		d.CreatedAt, d.UpdatedAt = now, now
		_, err = tx.ExecContext(ctx,
			`insert into tabula_descriptors (name, tenant_scope, label, fields, version, created_at, updated_at)
			 values ($1, $2, $3, $4, $5, $6, $6)`,
			name, tenant, d.Label, fieldsJSON, d.Version, now)
		if err != nil {
			if isUniqueViolation(err) {
				// lost the insert race to another instance
				return nil, ErrConcurrentModification
			}
			return nil, fmt.Errorf("descriptor: insert %s: %w", d.Key(), err)
		}
	case err != nil:
		return nil, fmt.Errorf("descriptor: lock %s: %w", d.Key(), err)
	default:
		if curVersion != baseVersion {
			return nil, ErrConcurrentModification
		}
		var curFields []FieldDescriptor
		if err := json.Unmarshal(curFieldsJSON, &curFields); err != nil {
			return nil, fmt.Errorf("descriptor: unmarshal stored fields of %s: %w", d.Key(), err)
		}
		d.Version = curVersion
		d.CreatedAt = curCreatedAt
		if !FieldsEqual(curFields, d.Fields) {
			d.Version = curVersion + 1
		} else if curLabel == d.Label {
			// nothing changed at all, keep the row untouched
			d.UpdatedAt = now
			return d, tx.Commit()
		}
		d.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`update tabula_descriptors set label = $3, fields = $4, version = $5, updated_at = $6
			 where name = $1 and tenant_scope = $2`,
			name, tenant, d.Label, fieldsJSON, d.Version, now)
		if err != nil {
			return nil, fmt.Errorf("descriptor: update %s: %w", d.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("descriptor: commit %s: %w", d.Key(), err)
	}
	return d, nil
}

// FindByName loads one descriptor. Returns ErrNotFound when absent.
func (s *Store) FindByName(ctx context.Context, name, tenant string) (*EntityDescriptor, error) {
	row := s.db.QueryRowContext(ctx,
		`select name, tenant_scope, label, fields, version, created_at, updated_at
		 from tabula_descriptors where name = $1 and tenant_scope = $2`,
		strings.ToLower(name), strings.ToLower(tenant))
	d, err := scanDescriptor(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("descriptor: find %s: %w", Key(name, tenant), err)
	}
	return d, nil
}

// ListAll returns every descriptor ordered by tenant then name.
func (s *Store) ListAll(ctx context.Context) ([]*EntityDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`select name, tenant_scope, label, fields, version, created_at, updated_at
		 from tabula_descriptors order by tenant_scope, name`)
	if err != nil {
		return nil, fmt.Errorf("descriptor: list: %w", err)
	}
	defer rows.Close()

	var out []*EntityDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("descriptor: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes the descriptor row. The physical table is dropped separately
// by the migration executor, and only on an explicit drop request.
func (s *Store) Delete(ctx context.Context, name, tenant string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from tabula_descriptors where name = $1 and tenant_scope = $2`,
		strings.ToLower(name), strings.ToLower(tenant))
	if err != nil {
		return fmt.Errorf("descriptor: delete %s: %w", Key(name, tenant), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDescriptor(row rowScanner) (*EntityDescriptor, error) {
	var d EntityDescriptor
	var fieldsJSON []byte
	if err := row.Scan(&d.Name, &d.TenantScope, &d.Label, &fieldsJSON, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &d.Fields); err != nil {
		return nil, err
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
