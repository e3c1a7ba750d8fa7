// Package repo executes generic CRUD against any registered dynamic entity,
// driven entirely by the runtime mapping. Entity and column identifiers come
// only from the mapping itself; every value travels as a bind parameter, so
// dynamically named fields cannot be used for injection.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"tabula/internal/descriptor"
	"tabula/internal/runtime"
)

// ErrRecordNotFound is returned for unknown or deleted row ids.
var ErrRecordNotFound = errors.New("repo: record not found")

// ErrVersionConflict is returned when an optimistic update loses: the row
// moved past the expected version.
var ErrVersionConflict = errors.New("repo: version conflict")

// Resolver yields the current ACTIVE mapping for an entity, self-healing a
// stale schema on the way (implemented by the engine).
type Resolver interface {
	EnsureCurrent(ctx context.Context, name, tenant string) (*runtime.Mapping, error)
}

// Repository serves CRUD for every dynamic entity through one code path.
type Repository struct {
	db       *sql.DB
	resolver Resolver
	entropy  *ulid.MonotonicEntropy
}

func New(db *sql.DB, resolver Resolver) *Repository {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Repository{
		db:       db,
		resolver: resolver,
		entropy:  ulid.Monotonic(src, 0),
	}
}

func (r *Repository) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

// Save validates the values against the current descriptor and inserts a new
// row. Fields left out fall back to their column defaults. Returns the new id.
func (r *Repository) Save(ctx context.Context, entity, tenant string, values map[string]any) (string, error) {
	m, err := r.resolver.EnsureCurrent(ctx, entity, tenant)
	if err != nil {
		return "", err
	}
	cols, ferrs := r.encodeValues(ctx, m, values, false)
	if len(ferrs) > 0 {
		return "", &ValidationError{Errors: ferrs}
	}

	id := r.newID()
	now := time.Now().UTC()
	names := []string{`"id"`, `"version"`, `"created_at"`, `"updated_at"`}
	args := []any{id, int64(1), now, now}
	// mapping order keeps the statement deterministic
	for i := range m.Columns {
		col := &m.Columns[i]
		v, ok := cols[col.Name]
		if !ok {
			continue
		}
		names = append(names, `"`+col.Name+`"`)
		args = append(args, v)
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("insert into %s (%s) values (%s)",
		m.Table(), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("repo: insert into %s: %w", m.Entity.Key(), err)
	}
	return id, nil
}

// Update applies a partial update guarded by an optimistic version check.
func (r *Repository) Update(ctx context.Context, entity, tenant, id string, values map[string]any, expectedVersion int64) error {
	m, err := r.resolver.EnsureCurrent(ctx, entity, tenant)
	if err != nil {
		return err
	}
	cols, ferrs := r.encodeValues(ctx, m, values, true)
	if len(ferrs) > 0 {
		return &ValidationError{Errors: ferrs}
	}
	if len(cols) == 0 {
		return nil
	}

	sets := []string{`"version" = "version" + 1`, `"updated_at" = $1`}
	args := []any{time.Now().UTC()}
	for i := range m.Columns {
		col := &m.Columns[i]
		v, ok := cols[col.Name]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(`"%s" = $%d`, col.Name, len(args)))
	}
	args = append(args, id, expectedVersion)
	query := fmt.Sprintf(`update %s set %s where "id" = $%d and "version" = $%d`,
		m.Table(), strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("repo: update %s/%s: %w", m.Entity.Key(), id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// distinguish a stale version from a missing row
		if _, err := r.Get(ctx, entity, tenant, id); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

// Get loads one row as a flat field-name → value map.
func (r *Repository) Get(ctx context.Context, entity, tenant, id string) (map[string]any, error) {
	m, err := r.resolver.EnsureCurrent(ctx, entity, tenant)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`select %s from %s where "id" = $1`, selectList(m), m.Table())
	row := r.db.QueryRowContext(ctx, query, id)
	rec, err := scanRecord(m, row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: get %s/%s: %w", m.Entity.Key(), id, err)
	}
	return rec, nil
}

// Find lists rows with filters, ordering and paging, plus the unpaged total.
func (r *Repository) Find(ctx context.Context, entity, tenant string, params ListParams) ([]map[string]any, int64, error) {
	m, err := r.resolver.EnsureCurrent(ctx, entity, tenant)
	if err != nil {
		return nil, 0, err
	}

	where, args, ferrs := buildWhere(m, params.Filters)
	if len(ferrs) > 0 {
		return nil, 0, &ValidationError{Errors: ferrs}
	}

	var total int64
	countQuery := fmt.Sprintf("select count(*) from %s%s", m.Table(), where)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("repo: count %s: %w", m.Entity.Key(), err)
	}

	orderBy, ferrs := buildOrderBy(m, params.Sort)
	if len(ferrs) > 0 {
		return nil, 0, &ValidationError{Errors: ferrs}
	}

	args = append(args, params.Limit, params.Offset)
	query := fmt.Sprintf("select %s from %s%s%s limit $%d offset $%d",
		selectList(m), m.Table(), where, orderBy, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("repo: find %s: %w", m.Entity.Key(), err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0, params.Limit)
	for rows.Next() {
		rec, err := scanRecord(m, rows)
		if err != nil {
			return nil, 0, fmt.Errorf("repo: scan %s: %w", m.Entity.Key(), err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// Count returns the number of rows matching the filters.
func (r *Repository) Count(ctx context.Context, entity, tenant string, params ListParams) (int64, error) {
	m, err := r.resolver.EnsureCurrent(ctx, entity, tenant)
	if err != nil {
		return 0, err
	}
	where, args, ferrs := buildWhere(m, params.Filters)
	if len(ferrs) > 0 {
		return 0, &ValidationError{Errors: ferrs}
	}
	var total int64
	query := fmt.Sprintf("select count(*) from %s%s", m.Table(), where)
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("repo: count %s: %w", m.Entity.Key(), err)
	}
	return total, nil
}

// Delete removes one row.
func (r *Repository) Delete(ctx context.Context, entity, tenant, id string) error {
	m, err := r.resolver.EnsureCurrent(ctx, entity, tenant)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where "id" = $1`, m.Table()), id)
	if err != nil {
		return fmt.Errorf("repo: delete %s/%s: %w", m.Entity.Key(), id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func selectList(m *runtime.Mapping) string {
	names := []string{`"id"`, `"version"`, `"created_at"`, `"updated_at"`}
	for i := range m.Columns {
		names = append(names, `"`+m.Columns[i].Name+`"`)
	}
	return strings.Join(names, ", ")
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(m *runtime.Mapping, row rowScanner) (map[string]any, error) {
	dests := make([]any, 4+len(m.Columns))
	var id string
	var version int64
	var createdAt, updatedAt time.Time
	dests[0], dests[1], dests[2], dests[3] = &id, &version, &createdAt, &updatedAt
	raw := make([]any, len(m.Columns))
	for i := range m.Columns {
		dests[4+i] = &raw[i]
	}
	if err := row.Scan(dests...); err != nil {
		return nil, err
	}

	rec := map[string]any{
		"id":         id,
		"version":    version,
		"created_at": createdAt.UTC().Format(time.RFC3339),
		"updated_at": updatedAt.UTC().Format(time.RFC3339),
	}
	for i := range m.Columns {
		col := &m.Columns[i]
		v, err := col.Decode(raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		rec[col.Field.Name] = v
	}
	return rec, nil
}

// buildWhere renders "where c1 = $1 and c2 in ($2, $3)" strictly from mapping
// column names; filter values are encoded per column type first. Keys match
// fields case-insensitively, like every other field lookup. System columns
// are rejected rather than silently dropped.
func buildWhere(m *runtime.Mapping, filters map[string][]string) (string, []any, []descriptor.FieldError) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	var errs []descriptor.FieldError

	byColumn := make(map[string][]string, len(filters))
	for name, vals := range filters {
		low := strings.ToLower(name)
		if _, sys := systemFields[low]; sys {
			errs = append(errs, ferr(ErrUnknownField, name, "cannot filter on system field '"+name+"'"))
			continue
		}
		col, ok := m.Column(name)
		if !ok {
			errs = append(errs, ferr(ErrUnknownField, name, "entity has no field '"+name+"'"))
			continue
		}
		byColumn[col.Name] = append(byColumn[col.Name], vals...)
	}

	var conds []string
	var args []any
	// mapping order keeps the clause deterministic across calls
	for i := range m.Columns {
		col := &m.Columns[i]
		vals, ok := byColumn[col.Name]
		if !ok {
			continue
		}
		var ph []string
		for _, v := range vals {
			arg, err := col.Encode(coerceFilterValue(col, v))
			if err != nil {
				errs = append(errs, ferr(ErrTypeMismatch, col.Field.Name, "filter on '"+col.Field.Name+"' "+err.Error()))
				continue
			}
			args = append(args, arg)
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		if len(ph) == 1 {
			conds = append(conds, fmt.Sprintf(`"%s" = %s`, col.Name, ph[0]))
		} else if len(ph) > 1 {
			conds = append(conds, fmt.Sprintf(`"%s" in (%s)`, col.Name, strings.Join(ph, ", ")))
		}
	}
	if len(errs) > 0 {
		return "", nil, errs
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " where " + strings.Join(conds, " and "), args, nil
}

func isSystemFilter(name string) bool {
	_, ok := systemFields[strings.ToLower(name)]
	return ok
}

func buildOrderBy(m *runtime.Mapping, keys []SortKey) (string, []descriptor.FieldError) {
	if len(keys) == 0 {
		return ` order by "created_at", "id"`, nil
	}
	var terms []string
	var errs []descriptor.FieldError
	for _, k := range keys {
		col, ok := m.Column(k.Field)
		if !ok {
			if isSystemFilter(k.Field) {
				name := strings.ToLower(k.Field)
				terms = append(terms, `"`+name+`"`+direction(k.Desc))
				continue
			}
			errs = append(errs, ferr(ErrUnknownField, k.Field, "entity has no field '"+k.Field+"'"))
			continue
		}
		terms = append(terms, `"`+col.Name+`"`+direction(k.Desc))
	}
	if len(errs) > 0 {
		return "", errs
	}
	return " order by " + strings.Join(terms, ", "), nil
}

func direction(desc bool) string {
	if desc {
		return " desc nulls last"
	}
	return " asc nulls last"
}

// filters arrive as query-string text; numbers and booleans need to be
// pre-parsed so the column codec accepts them.
func coerceFilterValue(col *runtime.Column, v string) any {
	switch col.Field.Type {
	case descriptor.TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return v
}
