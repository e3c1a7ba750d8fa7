// Package runtime builds the in-process representation of a dynamic entity:
// a data-driven mapping from semantic fields to physical columns with
// encode/decode functions. No code generation, no reflection: a dynamic
// entity is just data plus an ordered column list.
package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tabula/internal/descriptor"
	"tabula/internal/schema"
)

// Column is one physical column accessor of a mapping.
type Column struct {
	Field   descriptor.FieldDescriptor
	Name    string // physical column name, unquoted
	SQLType string
}

// Mapping is the immutable per-version mapping the dynamic repository reads.
// It is never mutated after Build; reloads swap the whole pointer.
type Mapping struct {
	Entity  *descriptor.EntityDescriptor
	Version int64
	Columns []Column // descriptor order
	byName  map[string]int
}

// Build produces the mapping for one descriptor version.
func Build(d *descriptor.EntityDescriptor) (*Mapping, error) {
	m := &Mapping{
		Entity:  d,
		Version: d.Version,
		Columns: make([]Column, 0, len(d.Fields)),
		byName:  make(map[string]int, len(d.Fields)),
	}
	for i := range d.Fields {
		f := d.Fields[i]
		if !descriptor.KnownType(f.Type) {
			return nil, fmt.Errorf("runtime: entity %s field %q has unknown type %q", d.Key(), f.Name, f.Type)
		}
		m.Columns = append(m.Columns, Column{
			Field:   f,
			Name:    schema.ColumnName(&d.Fields[i]),
			SQLType: schema.ColumnType(&d.Fields[i]),
		})
		m.byName[strings.ToLower(f.Name)] = len(m.Columns) - 1
	}
	return m, nil
}

// Table returns the fully qualified, quoted table reference.
func (m *Mapping) Table() string { return schema.QualifiedTable(m.Entity) }

// Column looks a column up by field name, case-insensitively.
func (m *Mapping) Column(field string) (*Column, bool) {
	i, ok := m.byName[strings.ToLower(field)]
	if !ok {
		return nil, false
	}
	return &m.Columns[i], true
}

// Encode converts a JSON-decoded value into a driver argument for this
// column. Strict: wrong-typed values are errors, not coercion targets.
// nil passes through; null rules are the validation layer's business.
func (c *Column) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Field.Type {
	case descriptor.TypeText, descriptor.TypeEnum, descriptor.TypeRef:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		return s, nil
	case descriptor.TypeInteger:
		return encodeInteger(v)
	case descriptor.TypeDecimal:
		return encodeDecimal(v)
	case descriptor.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean")
		}
		return b, nil
	case descriptor.TypeTimestamp:
		return encodeTimestamp(v)
	}
	return nil, fmt.Errorf("unsupported type %q", c.Field.Type)
}

// Decode converts a scanned database value back into its JSON representation.
func (c *Column) Decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Field.Type {
	case descriptor.TypeText, descriptor.TypeEnum, descriptor.TypeRef:
		return decodeString(v)
	case descriptor.TypeInteger:
		switch t := v.(type) {
		case int64:
			return t, nil
		case []byte:
			return strconv.ParseInt(string(t), 10, 64)
		case string:
			return strconv.ParseInt(t, 10, 64)
		}
	case descriptor.TypeDecimal:
		switch t := v.(type) {
		case float64:
			return t, nil
		case []byte:
			return strconv.ParseFloat(string(t), 64)
		case string:
			return strconv.ParseFloat(t, 64)
		}
	case descriptor.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case descriptor.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, fmt.Errorf("unexpected database value %T for %s column", v, c.Field.Type)
}

func encodeInteger(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		// JSON numbers arrive as float64; only integral values pass
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("must be an integer")
		}
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("must be an integer")
		}
		return n, nil
	default:
		return 0, fmt.Errorf("must be an integer")
	}
}

// decimals travel as strings to the driver so no float formatting surprises
// reach the numeric column.
func encodeDecimal(v any) (string, error) {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case string:
		if _, err := strconv.ParseFloat(t, 64); err != nil {
			return "", fmt.Errorf("must be a decimal number")
		}
		return t, nil
	default:
		return "", fmt.Errorf("must be a decimal number")
	}
}

func encodeTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		if t, isTime := v.(time.Time); isTime {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("must be an RFC3339 timestamp or YYYY-MM-DD date")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be an RFC3339 timestamp or YYYY-MM-DD date")
}

func decodeString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("unexpected database value %T for text column", v)
	}
}
