package repo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"tabula/internal/descriptor"
	"tabula/internal/runtime"
)

// Write-path error codes, rendered to API clients as structured field errors.
const (
	ErrRequired     = "required"
	ErrTypeMismatch = "type_mismatch"
	ErrEnumInvalid  = "enum_invalid"
	ErrUnknownField = "unknown_field"
	ErrReadOnly     = "readonly_field"
	ErrMaxLength    = "max_length_exceeded"
	ErrOutOfRange   = "out_of_range"
	ErrPattern      = "pattern_mismatch"
	ErrRefNotFound  = "ref_not_found"
	ErrNotNull      = "not_null"
)

// ValidationError collects the field errors of a rejected write.
type ValidationError struct {
	Errors []descriptor.FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("repo: write rejected with %d field errors", len(e.Errors))
}

var systemFields = map[string]struct{}{
	"id": {}, "version": {}, "created_at": {}, "updated_at": {},
}

// encodeValues validates values against the mapping's descriptor and encodes
// them into column → driver-argument pairs. partial skips the required check
// for absent fields (PATCH-style updates).
func (r *Repository) encodeValues(ctx context.Context, m *runtime.Mapping, values map[string]any, partial bool) (map[string]any, []descriptor.FieldError) {
	var errs []descriptor.FieldError
	args := make(map[string]any, len(values))

	for name, raw := range values {
		if _, sys := systemFields[strings.ToLower(name)]; sys {
			errs = append(errs, ferr(ErrReadOnly, name, "field '"+name+"' is read-only"))
			continue
		}
		col, ok := m.Column(name)
		if !ok {
			errs = append(errs, ferr(ErrUnknownField, name, "entity has no field '"+name+"'"))
			continue
		}
		if raw == nil {
			if !col.Field.Nullable {
				errs = append(errs, ferr(ErrNotNull, name, "field '"+name+"' must not be null"))
				continue
			}
			args[col.Name] = nil
			continue
		}
		arg, err := col.Encode(raw)
		if err != nil {
			errs = append(errs, ferr(ErrTypeMismatch, name, "field '"+name+"' "+err.Error()))
			continue
		}
		if ferrs := r.checkConstraints(ctx, m, col, raw); len(ferrs) > 0 {
			errs = append(errs, ferrs...)
			continue
		}
		args[col.Name] = arg
	}

	if !partial {
		provided := make(map[string]struct{}, len(values))
		for name := range values {
			provided[strings.ToLower(name)] = struct{}{}
		}
		for i := range m.Columns {
			col := &m.Columns[i]
			if col.Field.Nullable || col.Field.Default != nil {
				continue
			}
			// col.Name is the lowercased field name, matching provided keys.
			if _, ok := provided[col.Name]; !ok {
				errs = append(errs, ferr(ErrRequired, col.Field.Name, "field '"+col.Field.Name+"' is required"))
			}
		}
	}

	return args, errs
}

func (r *Repository) checkConstraints(ctx context.Context, m *runtime.Mapping, col *runtime.Column, raw any) []descriptor.FieldError {
	f := &col.Field
	name := f.Name
	var errs []descriptor.FieldError

	switch f.Type {
	case descriptor.TypeText:
		s, _ := raw.(string)
		if f.Constraints.MaxLength > 0 && len([]rune(s)) > f.Constraints.MaxLength {
			errs = append(errs, ferr(ErrMaxLength, name,
				fmt.Sprintf("field '%s' exceeds max length %d", name, f.Constraints.MaxLength)))
		}
		if f.Constraints.Pattern != "" {
			if re, err := regexp.Compile(f.Constraints.Pattern); err == nil && !re.MatchString(s) {
				errs = append(errs, ferr(ErrPattern, name, "field '"+name+"' does not match the required pattern"))
			}
		}
	case descriptor.TypeInteger, descriptor.TypeDecimal:
		n, ok := numeric(raw)
		if ok {
			if f.Constraints.Min != nil && n < *f.Constraints.Min {
				errs = append(errs, ferr(ErrOutOfRange, name,
					fmt.Sprintf("field '%s' must be >= %v", name, *f.Constraints.Min)))
			}
			if f.Constraints.Max != nil && n > *f.Constraints.Max {
				errs = append(errs, ferr(ErrOutOfRange, name,
					fmt.Sprintf("field '%s' must be <= %v", name, *f.Constraints.Max)))
			}
		}
	case descriptor.TypeEnum:
		s, _ := raw.(string)
		if !containsString(f.EnumValues, s) {
			errs = append(errs, ferr(ErrEnumInvalid, name, "invalid value for '"+name+"'"))
		}
	case descriptor.TypeRef:
		id, _ := raw.(string)
		if id == "" || !r.refExists(ctx, m.Entity.TenantScope, f.RefTarget, id) {
			errs = append(errs, ferr(ErrRefNotFound, name,
				fmt.Sprintf("referenced '%s' record not found", f.RefTarget)))
		}
	}
	return errs
}

// refExists resolves the target entity (tenant scope first, then global) and
// probes the row. The target lookup runs the same self-healing resolve as any
// other access, so a ref can point at an entity that was just migrated.
func (r *Repository) refExists(ctx context.Context, tenant, target, id string) bool {
	tm, err := r.resolver.EnsureCurrent(ctx, target, tenant)
	if err != nil && tenant != "" && errors.Is(err, descriptor.ErrNotFound) {
		tm, err = r.resolver.EnsureCurrent(ctx, target, "")
	}
	if err != nil {
		return false
	}
	var exists bool
	err = r.db.QueryRowContext(ctx,
		`select exists (select 1 from `+tm.Table()+` where "id" = $1)`, id,
	).Scan(&exists)
	return err == nil && exists
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

func containsString(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func ferr(code, field, msg string) descriptor.FieldError {
	return descriptor.FieldError{Code: code, Field: field, Message: msg}
}
