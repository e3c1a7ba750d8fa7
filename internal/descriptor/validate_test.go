package descriptor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func fp(v float64) *float64 { return &v }

func entity(name string, fields ...FieldDescriptor) *EntityDescriptor {
	return &EntityDescriptor{Name: name, Fields: fields}
}

func codes(res ValidationResult) []string {
	out := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestValidateNewEntity(t *testing.T) {
	d := entity("invoice",
		FieldDescriptor{Name: "number", Type: TypeText, Constraints: Constraints{MaxLength: 32}},
		FieldDescriptor{Name: "amount", Type: TypeDecimal, Nullable: true},
		FieldDescriptor{Name: "status", Type: TypeEnum, EnumValues: []string{"draft", "sent"}, Default: strp("draft")},
	)
	res := Validate(d, nil, false)
	require.True(t, res.OK(), "errors: %v", res.Errors)
	require.Len(t, res.Changes, 3)
	for _, ch := range res.Changes {
		assert.Equal(t, ChangeAdd, ch.Kind)
	}
}

func TestValidateNaming(t *testing.T) {
	cases := []struct {
		name   string
		entity string
		field  string
		want   string
	}{
		{"entity starts with digit", "1invoice", "a", ErrNameInvalid},
		{"entity with dash", "in-voice", "a", ErrNameInvalid},
		{"entity reserved", "select", "a", ErrNameReserved},
		{"entity too long", strings.Repeat("x", 64), "a", ErrNameTooLong},
		{"field reserved system column", "invoice", "created_at", ErrNameReserved},
		{"field reserved keyword", "invoice", "where", ErrNameReserved},
		{"field empty", "invoice", "", ErrNameInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := entity(tc.entity, FieldDescriptor{Name: tc.field, Type: TypeText})
			res := Validate(d, nil, false)
			assert.Contains(t, codes(res), tc.want)
		})
	}
}

func TestValidateDuplicateFieldCaseInsensitive(t *testing.T) {
	d := entity("invoice",
		FieldDescriptor{Name: "Amount", Type: TypeDecimal},
		FieldDescriptor{Name: "amount", Type: TypeDecimal},
	)
	res := Validate(d, nil, false)
	assert.Contains(t, codes(res), ErrNameDuplicate)
}

func TestValidateFieldRules(t *testing.T) {
	cases := []struct {
		name  string
		field FieldDescriptor
		want  string
	}{
		{"unknown type", FieldDescriptor{Name: "a", Type: "blob"}, ErrTypeUnknown},
		{"enum without values", FieldDescriptor{Name: "a", Type: TypeEnum}, ErrEnumEmpty},
		{"ref without target", FieldDescriptor{Name: "a", Type: TypeRef}, ErrRefTargetMissing},
		{"bad pattern", FieldDescriptor{Name: "a", Type: TypeText, Constraints: Constraints{Pattern: "("}}, ErrConstraintInvalid},
		{"min above max", FieldDescriptor{Name: "a", Type: TypeInteger, Constraints: Constraints{Min: fp(10), Max: fp(1)}}, ErrConstraintInvalid},
		{"maxLength on integer", FieldDescriptor{Name: "a", Type: TypeInteger, Constraints: Constraints{MaxLength: 10}}, ErrConstraintInvalid},
		{"default outside enum", FieldDescriptor{Name: "a", Type: TypeEnum, EnumValues: []string{"x"}, Default: strp("y")}, ErrDefaultInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(entity("invoice", tc.field), nil, false)
			assert.Contains(t, codes(res), tc.want)
		})
	}
}

func TestValidateDefaultLiterals(t *testing.T) {
	cases := []struct {
		name  string
		field FieldDescriptor
		ok    bool
	}{
		{"integer default", FieldDescriptor{Name: "a", Type: TypeInteger, Default: strp("42")}, true},
		{"integer garbage", FieldDescriptor{Name: "a", Type: TypeInteger, Default: strp("abc")}, false},
		{"integer with trailing expression", FieldDescriptor{Name: "a", Type: TypeInteger, Default: strp("0 union select pg_sleep(10)")}, false},
		{"decimal default", FieldDescriptor{Name: "a", Type: TypeDecimal, Default: strp("19.99")}, true},
		{"decimal garbage", FieldDescriptor{Name: "a", Type: TypeDecimal, Default: strp("1.5.6")}, false},
		{"boolean default", FieldDescriptor{Name: "a", Type: TypeBoolean, Default: strp("true")}, true},
		{"boolean garbage", FieldDescriptor{Name: "a", Type: TypeBoolean, Default: strp("maybe")}, false},
		{"timestamp default", FieldDescriptor{Name: "a", Type: TypeTimestamp, Default: strp("2026-01-01T00:00:00Z")}, true},
		{"timestamp date default", FieldDescriptor{Name: "a", Type: TypeTimestamp, Default: strp("2026-01-01")}, true},
		{"timestamp garbage", FieldDescriptor{Name: "a", Type: TypeTimestamp, Default: strp("tomorrow")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(entity("invoice", tc.field), nil, false)
			if tc.ok {
				assert.NotContains(t, codes(res), ErrDefaultInvalid)
			} else {
				assert.Contains(t, codes(res), ErrDefaultInvalid)
			}
		})
	}
}

func TestClassifyKinds(t *testing.T) {
	prev := []FieldDescriptor{
		{Name: "note", Type: TypeText, Constraints: Constraints{MaxLength: 100}},
		{Name: "count", Type: TypeInteger},
		{Name: "status", Type: TypeEnum, EnumValues: []string{"a", "b"}},
		{Name: "gone", Type: TypeBoolean},
	}
	cand := []FieldDescriptor{
		{Name: "note", Type: TypeText, Constraints: Constraints{MaxLength: 200}}, // widen
		{Name: "count", Type: TypeDecimal},                                       // widen (int -> decimal)
		{Name: "status", Type: TypeEnum, EnumValues: []string{"a", "b", "c"}},    // widen (superset)
		{Name: "fresh", Type: TypeText, Nullable: true},                          // add
	}
	changes := Classify(prev, cand)
	byField := map[string]ChangeKind{}
	for _, ch := range changes {
		byField[ch.Field] = ch.Kind
	}
	assert.Equal(t, ChangeWiden, byField["note"])
	assert.Equal(t, ChangeWiden, byField["count"])
	assert.Equal(t, ChangeWiden, byField["status"])
	assert.Equal(t, ChangeAdd, byField["fresh"])
	assert.Equal(t, ChangeRemove, byField["gone"])
}

func TestClassifyNarrowAndRetype(t *testing.T) {
	prev := []FieldDescriptor{
		{Name: "note", Type: TypeText, Nullable: true},
		{Name: "count", Type: TypeText},
	}
	cand := []FieldDescriptor{
		{Name: "note", Type: TypeText}, // nullable -> not null
		{Name: "count", Type: TypeInteger},
	}
	changes := Classify(prev, cand)
	byField := map[string]ChangeKind{}
	for _, ch := range changes {
		byField[ch.Field] = ch.Kind
	}
	assert.Equal(t, ChangeNarrow, byField["note"])
	assert.Equal(t, ChangeRetype, byField["count"])
}

func TestClassifyUnchangedFieldProducesNoEntry(t *testing.T) {
	fields := []FieldDescriptor{{Name: "note", Type: TypeText, Constraints: Constraints{MaxLength: 50}}}
	assert.Empty(t, Classify(fields, fields))
}

func TestIsWideningStorageUntouched(t *testing.T) {
	from := &FieldDescriptor{Name: "n", Type: TypeInteger, Constraints: Constraints{Min: fp(0)}}
	to := &FieldDescriptor{Name: "n", Type: TypeInteger, Constraints: Constraints{Min: fp(5)}, Default: strp("7")}
	assert.True(t, IsWidening(from, to), "validation-only constraint changes never touch rows")
}

func TestIsWideningTextBounds(t *testing.T) {
	bounded := func(n int) *FieldDescriptor {
		return &FieldDescriptor{Name: "t", Type: TypeText, Constraints: Constraints{MaxLength: n}}
	}
	assert.True(t, IsWidening(bounded(10), bounded(20)))
	assert.True(t, IsWidening(bounded(10), bounded(0)), "bounded to unbounded")
	assert.False(t, IsWidening(bounded(20), bounded(10)))
	assert.False(t, IsWidening(bounded(0), bounded(10)), "unbounded to bounded")
}

func TestValidateDestructiveGate(t *testing.T) {
	prev := entity("invoice", FieldDescriptor{Name: "amount", Type: TypeDecimal, Nullable: true})
	cand := entity("invoice", FieldDescriptor{Name: "amount", Type: TypeText, Nullable: true})

	res := Validate(cand, prev, false)
	require.False(t, res.OK())
	assert.True(t, res.HasDestructive())

	res = Validate(cand, prev, true)
	assert.True(t, res.OK(), "errors: %v", res.Errors)
}

func TestValidateNewRequiredFieldNeedsDefault(t *testing.T) {
	prev := entity("invoice", FieldDescriptor{Name: "number", Type: TypeText})
	cand := entity("invoice",
		FieldDescriptor{Name: "number", Type: TypeText},
		FieldDescriptor{Name: "currency", Type: TypeText},
	)
	res := Validate(cand, prev, false)
	assert.Contains(t, codes(res), ErrRequiredNeedDefault)

	cand.Fields[1].Default = strp("EUR")
	res = Validate(cand, prev, false)
	assert.True(t, res.OK(), "errors: %v", res.Errors)
}
