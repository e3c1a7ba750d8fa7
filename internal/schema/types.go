package schema

import (
	"fmt"
	"strconv"
	"strings"

	"tabula/internal/descriptor"
)

// DataSchema is the Postgres schema holding global dynamic tables. Tenant
// scoped entities get their own schema so two tenants can both define an
// "invoice" without colliding.
const DataSchema = "tabula_data"

// Ident quotes an identifier for DDL/DML. Identifiers are always lowercased
// first so quoted and unquoted references agree.
func Ident(s string) string { return `"` + strings.ToLower(s) + `"` }

// SchemaFor maps a tenant scope to its physical Postgres schema.
func SchemaFor(tenant string) string {
	if tenant == "" {
		return DataSchema
	}
	return "tenant_" + strings.ToLower(tenant)
}

// TableFor derives the physical table name deterministically from the entity
// name. Reserved names are prefixed rather than rejected here; the validator
// has its own say about what the user may call an entity.
func TableFor(name string) string {
	t := strings.ToLower(name)
	if descriptor.IsReserved(t) {
		t = "e_" + t
	}
	return t
}

// QualifiedTable returns the fully qualified, quoted table reference.
func QualifiedTable(d *descriptor.EntityDescriptor) string {
	return Ident(SchemaFor(d.TenantScope)) + "." + Ident(TableFor(d.Name))
}

// ColumnName maps a field to its physical column. Lowercased so lookups stay
// case-insensitive end to end.
func ColumnName(f *descriptor.FieldDescriptor) string { return strings.ToLower(f.Name) }

// ColumnType maps a semantic field type to its Postgres column type.
func ColumnType(f *descriptor.FieldDescriptor) string {
	switch f.Type {
	case descriptor.TypeText:
		if f.Constraints.MaxLength > 0 {
			return fmt.Sprintf("varchar(%d)", f.Constraints.MaxLength)
		}
		return "text"
	case descriptor.TypeInteger:
		return "bigint"
	case descriptor.TypeDecimal:
		return "numeric(18,6)"
	case descriptor.TypeBoolean:
		return "boolean"
	case descriptor.TypeTimestamp:
		return "timestamp with time zone"
	case descriptor.TypeEnum:
		return "text"
	case descriptor.TypeRef:
		return "text" // id of the target row
	default:
		return "text"
	}
}

// defaultLiteral renders a field default as a DDL literal. Numeric and
// boolean defaults are re-parsed and re-rendered so only a canonical literal
// ever reaches a statement, even if an unvalidated value slips through;
// string-ish values are quoted and escaped.
func defaultLiteral(f *descriptor.FieldDescriptor) (string, bool) {
	if f.Default == nil {
		return "", false
	}
	v := strings.TrimSpace(*f.Default)
	switch f.Type {
	case descriptor.TypeInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	case descriptor.TypeDecimal:
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", false
		}
		return strconv.FormatFloat(d, 'f', -1, 64), true
	case descriptor.TypeBoolean:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", false
		}
		return strconv.FormatBool(b), true
	default:
		return "'" + strings.ReplaceAll(*f.Default, "'", "''") + "'", true
	}
}
