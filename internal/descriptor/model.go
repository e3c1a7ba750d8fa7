package descriptor

import (
	"strings"
	"time"
)

// FieldType is the fixed set of semantic field types an entity may declare.
// The physical column type is derived from it by the schema package.
type FieldType string

const (
	TypeText      FieldType = "text"
	TypeInteger   FieldType = "integer" // 64-bit
	TypeDecimal   FieldType = "decimal"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeEnum      FieldType = "enum"
	TypeRef       FieldType = "ref" // id of a row in another dynamic entity
)

// KnownType reports whether t is one of the declared field types.
func KnownType(t FieldType) bool {
	switch t {
	case TypeText, TypeInteger, TypeDecimal, TypeBoolean, TypeTimestamp, TypeEnum, TypeRef:
		return true
	}
	return false
}

// Constraints are optional per-field validation rules checked on every write.
type Constraints struct {
	MaxLength int      `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// FieldDescriptor is the logical definition of a single entity field.
type FieldDescriptor struct {
	Name        string      `json:"name" yaml:"name"`
	Type        FieldType   `json:"type" yaml:"type"`
	Nullable    bool        `json:"nullable" yaml:"nullable"`
	Default     *string     `json:"default,omitempty" yaml:"default,omitempty"`
	EnumValues  []string    `json:"enumValues,omitempty" yaml:"enumValues,omitempty"`
	RefTarget   string      `json:"refTarget,omitempty" yaml:"refTarget,omitempty"`
	Constraints Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// EntityDescriptor is the logical definition of a dynamic entity. It is the
// single source of truth for what the entity looks like; the physical table
// trails it by at most one migration (tracked by the schema version marker).
type EntityDescriptor struct {
	Name        string            `json:"name" yaml:"name"`
	TenantScope string            `json:"tenantScope,omitempty" yaml:"tenantScope,omitempty"` // "" = global
	Label       string            `json:"label,omitempty" yaml:"label,omitempty"`             // cosmetic, never bumps Version
	Fields      []FieldDescriptor `json:"fields" yaml:"fields"`
	Version     int64             `json:"version" yaml:"-"`
	CreatedAt   time.Time         `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty" yaml:"-"`
}

// Key identifies the descriptor within the store and the runtime registry.
func (d *EntityDescriptor) Key() string { return Key(d.Name, d.TenantScope) }

// Key builds the canonical "tenant|name" identity, lowercased.
func Key(name, tenant string) string {
	return strings.ToLower(tenant) + "|" + strings.ToLower(name)
}

// Field returns the field with the given name (case-insensitive) or nil.
func (d *EntityDescriptor) Field(name string) *FieldDescriptor {
	for i := range d.Fields {
		if strings.EqualFold(d.Fields[i].Name, name) {
			return &d.Fields[i]
		}
	}
	return nil
}

// FieldsEqual reports whether two field lists are structurally identical
// (order-sensitive). Used by the store to decide whether a save is
// field-affecting and must bump Version.
func FieldsEqual(a, b []FieldDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !fieldEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func fieldEqual(a, b FieldDescriptor) bool {
	if a.Name != b.Name || a.Type != b.Type || a.Nullable != b.Nullable {
		return false
	}
	if (a.Default == nil) != (b.Default == nil) {
		return false
	}
	if a.Default != nil && *a.Default != *b.Default {
		return false
	}
	if a.RefTarget != b.RefTarget {
		return false
	}
	if len(a.EnumValues) != len(b.EnumValues) {
		return false
	}
	for i := range a.EnumValues {
		if a.EnumValues[i] != b.EnumValues[i] {
			return false
		}
	}
	ca, cb := a.Constraints, b.Constraints
	if ca.MaxLength != cb.MaxLength || ca.Pattern != cb.Pattern {
		return false
	}
	if (ca.Min == nil) != (cb.Min == nil) || (ca.Min != nil && *ca.Min != *cb.Min) {
		return false
	}
	if (ca.Max == nil) != (cb.Max == nil) || (ca.Max != nil && *ca.Max != *cb.Max) {
		return false
	}
	return true
}
