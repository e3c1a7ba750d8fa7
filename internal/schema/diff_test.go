package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabula/internal/descriptor"
)

func strp(s string) *string { return &s }

func invoiceV1() *descriptor.EntityDescriptor {
	return &descriptor.EntityDescriptor{
		Name: "invoice",
		Fields: []descriptor.FieldDescriptor{
			{Name: "number", Type: descriptor.TypeText, Constraints: descriptor.Constraints{MaxLength: 32}},
			{Name: "amount", Type: descriptor.TypeDecimal, Nullable: true},
		},
	}
}

func TestDiffCreate(t *testing.T) {
	ops := Diff(nil, invoiceV1())
	require.Len(t, ops, 2)
	assert.Equal(t, OpCreateSchema, ops[0].Kind)
	assert.Equal(t, OpCreateTable, ops[1].Kind)
	assert.Contains(t, ops[0].SQL, `"tabula_data"`)
	assert.Contains(t, ops[1].SQL, `"tabula_data"."invoice"`)
	for _, col := range []string{`"id" text primary key`, `"version" bigint not null`, `"created_at"`, `"updated_at"`, `"number" varchar(32) not null`, `"amount" numeric(18,6)`} {
		assert.Contains(t, ops[1].SQL, col)
	}
}

func TestDiffCreateTenantSchema(t *testing.T) {
	d := invoiceV1()
	d.TenantScope = "Acme"
	ops := Diff(nil, d)
	require.Len(t, ops, 2)
	assert.Contains(t, ops[0].SQL, `"tenant_acme"`)
	assert.Contains(t, ops[1].SQL, `"tenant_acme"."invoice"`)
}

func TestDiffConvergedIsEmpty(t *testing.T) {
	d := invoiceV1()
	assert.Empty(t, Diff(d, d))
}

func TestDiffAddColumnWithDefaultBackfills(t *testing.T) {
	prev := invoiceV1()
	next := invoiceV1()
	next.Fields = append(next.Fields, descriptor.FieldDescriptor{
		Name: "currency", Type: descriptor.TypeText, Default: strp("EUR"),
	})
	ops := Diff(prev, next)
	require.Len(t, ops, 1)
	assert.Equal(t, OpAddColumn, ops[0].Kind)
	assert.Equal(t, "currency", ops[0].Column)
	assert.Contains(t, ops[0].SQL, `add column if not exists "currency" text not null default 'EUR'`)
}

func TestDiffWidenTextLength(t *testing.T) {
	prev := invoiceV1()
	next := invoiceV1()
	next.Fields[0].Constraints.MaxLength = 64
	ops := Diff(prev, next)
	require.Len(t, ops, 1)
	assert.Equal(t, OpAlterColumnType, ops[0].Kind)
	assert.Contains(t, ops[0].SQL, `alter column "number" type varchar(64)`)
	assert.NotContains(t, ops[0].SQL, "using", "widening casts implicitly")
}

func TestDiffRetypeUsesExplicitCast(t *testing.T) {
	prev := invoiceV1()
	next := invoiceV1()
	next.Fields[0].Type = descriptor.TypeInteger
	next.Fields[0].Constraints.MaxLength = 0
	ops := Diff(prev, next)
	require.Len(t, ops, 1)
	assert.Contains(t, ops[0].SQL, `type bigint using ("number"::bigint)`)
}

func TestDiffNullabilityAndDefault(t *testing.T) {
	prev := invoiceV1()
	next := invoiceV1()
	next.Fields[1].Nullable = false                  // set not null
	next.Fields[1].Default = strp("0")               // set default
	next.Fields[0].Nullable = true                   // drop not null
	ops := Diff(prev, next)
	kinds := map[OpKind]bool{}
	for _, op := range ops {
		kinds[op.Kind] = true
	}
	assert.True(t, kinds[OpSetNotNull])
	assert.True(t, kinds[OpDropNotNull])
	assert.True(t, kinds[OpSetDefault])
}

func TestDiffAddsBeforeDrops(t *testing.T) {
	prev := invoiceV1()
	next := &descriptor.EntityDescriptor{
		Name: "invoice",
		Fields: []descriptor.FieldDescriptor{
			{Name: "number", Type: descriptor.TypeText, Constraints: descriptor.Constraints{MaxLength: 32}},
			{Name: "total", Type: descriptor.TypeDecimal, Nullable: true},
		},
	}
	ops := Diff(prev, next)
	require.Len(t, ops, 2)
	assert.Equal(t, OpAddColumn, ops[0].Kind, "new columns land before old ones go")
	assert.Equal(t, OpDropColumn, ops[1].Kind)
}

func TestDropOps(t *testing.T) {
	ops := DropOps(invoiceV1())
	require.Len(t, ops, 1)
	assert.Equal(t, OpDropTable, ops[0].Kind)
	assert.Equal(t, `drop table if exists "tabula_data"."invoice"`, ops[0].SQL)
}

func TestTableForReservedName(t *testing.T) {
	assert.Equal(t, "e_order", TableFor("Order"))
	assert.Equal(t, "invoice", TableFor("Invoice"))
}

func TestDefaultLiteralEscapes(t *testing.T) {
	f := &descriptor.FieldDescriptor{Name: "note", Type: descriptor.TypeText, Default: strp("it's")}
	lit, ok := defaultLiteral(f)
	require.True(t, ok)
	assert.Equal(t, "'it''s'", lit)

	n := &descriptor.FieldDescriptor{Name: "qty", Type: descriptor.TypeInteger, Default: strp(" 042")}
	lit, ok = defaultLiteral(n)
	require.True(t, ok)
	assert.Equal(t, "42", lit, "numeric defaults render canonically, unquoted")
}

func TestDefaultLiteralRejectsNonLiterals(t *testing.T) {
	cases := []descriptor.FieldDescriptor{
		{Name: "qty", Type: descriptor.TypeInteger, Default: strp("0 union select pg_sleep(10)")},
		{Name: "qty", Type: descriptor.TypeInteger, Default: strp("abc")},
		{Name: "amount", Type: descriptor.TypeDecimal, Default: strp("1.5; drop table x")},
		{Name: "paid", Type: descriptor.TypeBoolean, Default: strp("maybe")},
	}
	for _, f := range cases {
		_, ok := defaultLiteral(&f)
		assert.False(t, ok, "default %q for %s must not render", *f.Default, f.Type)
	}

	// a non-literal default never makes it into rendered DDL either
	d := invoiceV1()
	d.Fields[1].Default = strp("0 union select pg_sleep(10)")
	ops := Diff(nil, d)
	require.Len(t, ops, 2)
	assert.NotContains(t, ops[1].SQL, "pg_sleep")
}
