package schema

import (
	"fmt"
	"sort"
	"strings"

	"tabula/internal/descriptor"
)

// OpKind identifies one DDL operation in a migration batch.
type OpKind string

const (
	OpCreateSchema    OpKind = "CREATE_SCHEMA"
	OpCreateTable     OpKind = "CREATE_TABLE"
	OpAddColumn       OpKind = "ADD_COLUMN"
	OpAlterColumnType OpKind = "ALTER_COLUMN_TYPE"
	OpDropNotNull     OpKind = "DROP_NOT_NULL"
	OpSetNotNull      OpKind = "SET_NOT_NULL"
	OpSetDefault      OpKind = "SET_DEFAULT"
	OpDropDefault     OpKind = "DROP_DEFAULT"
	OpDropColumn      OpKind = "DROP_COLUMN"
	OpDropTable       OpKind = "DROP_TABLE"
)

// order within one batch: creates, then adds, then alters, then drops, so a
// mid-batch rollback never leaves in-flight data without its column.
var opRank = map[OpKind]int{
	OpCreateSchema: 0, OpCreateTable: 1, OpAddColumn: 2,
	OpAlterColumnType: 3, OpDropNotNull: 3, OpSetNotNull: 3, OpSetDefault: 3, OpDropDefault: 3,
	OpDropColumn: 4, OpDropTable: 5,
}

// DdlOp is one rendered DDL statement plus metadata for diagnostics.
type DdlOp struct {
	Kind   OpKind
	Column string // empty for table-level ops
	SQL    string
}

// Diff computes the ordered DDL delta between the last applied shape and the
// target descriptor. previousApplied nil means the table does not exist yet.
// Deterministic and idempotent: diffing a converged schema yields no ops.
func Diff(previousApplied *descriptor.EntityDescriptor, target *descriptor.EntityDescriptor) []DdlOp {
	if previousApplied == nil {
		return createOps(target)
	}

	table := QualifiedTable(target)
	var ops []DdlOp
	for _, ch := range descriptor.Classify(previousApplied.Fields, target.Fields) {
		switch ch.Kind {
		case descriptor.ChangeAdd:
			ops = append(ops, DdlOp{
				Kind:   OpAddColumn,
				Column: ch.Field,
				SQL:    fmt.Sprintf("alter table %s add column if not exists %s", table, columnDef(ch.To)),
			})
		case descriptor.ChangeRemove:
			ops = append(ops, DdlOp{
				Kind:   OpDropColumn,
				Column: ch.Field,
				SQL:    fmt.Sprintf("alter table %s drop column if exists %s", table, Ident(ch.Field)),
			})
		case descriptor.ChangeWiden, descriptor.ChangeNarrow, descriptor.ChangeRetype:
			ops = append(ops, alterOps(table, ch)...)
		}
	}

	sort.SliceStable(ops, func(i, j int) bool { return opRank[ops[i].Kind] < opRank[ops[j].Kind] })
	return ops
}

// DropOps renders the explicit-drop batch for an entity.
func DropOps(d *descriptor.EntityDescriptor) []DdlOp {
	return []DdlOp{{
		Kind: OpDropTable,
		SQL:  fmt.Sprintf("drop table if exists %s", QualifiedTable(d)),
	}}
}

func createOps(d *descriptor.EntityDescriptor) []DdlOp {
	cols := []string{
		`"id" text primary key`,
		`"version" bigint not null`,
		`"created_at" timestamp with time zone not null`,
		`"updated_at" timestamp with time zone not null`,
	}
	for i := range d.Fields {
		cols = append(cols, columnDef(&d.Fields[i]))
	}
	return []DdlOp{
		{
			Kind: OpCreateSchema,
			SQL:  fmt.Sprintf("create schema if not exists %s", Ident(SchemaFor(d.TenantScope))),
		},
		{
			Kind: OpCreateTable,
			SQL: fmt.Sprintf("create table if not exists %s (\n  %s\n)",
				QualifiedTable(d), strings.Join(cols, ",\n  ")),
		},
	}
}

// columnDef renders "name type [not null] [default ...]" for CREATE/ADD.
// ADD COLUMN with a default backfills existing rows, which is exactly what a
// new defaulted field needs.
func columnDef(f *descriptor.FieldDescriptor) string {
	var b strings.Builder
	b.WriteString(Ident(ColumnName(f)))
	b.WriteByte(' ')
	b.WriteString(ColumnType(f))
	if !f.Nullable {
		b.WriteString(" not null")
	}
	if lit, ok := defaultLiteral(f); ok {
		b.WriteString(" default ")
		b.WriteString(lit)
	}
	return b.String()
}

// alterOps renders the statements for an in-place field mutation. Widening
// conversions cast implicitly; destructive retypes carry an explicit USING so
// the database attempts the conversion and fails the batch when row data
// cannot be converted.
func alterOps(table string, ch descriptor.FieldChange) []DdlOp {
	from, to := ch.From, ch.To
	col := Ident(ColumnName(to))
	var ops []DdlOp

	if fromType, toType := ColumnType(from), ColumnType(to); fromType != toType {
		sql := fmt.Sprintf("alter table %s alter column %s type %s", table, col, toType)
		if ch.Kind == descriptor.ChangeNarrow || ch.Kind == descriptor.ChangeRetype {
			sql += fmt.Sprintf(" using (%s::%s)", col, toType)
		}
		ops = append(ops, DdlOp{Kind: OpAlterColumnType, Column: ch.Field, SQL: sql})
	}

	if from.Nullable != to.Nullable {
		if to.Nullable {
			ops = append(ops, DdlOp{Kind: OpDropNotNull, Column: ch.Field,
				SQL: fmt.Sprintf("alter table %s alter column %s drop not null", table, col)})
		} else {
			ops = append(ops, DdlOp{Kind: OpSetNotNull, Column: ch.Field,
				SQL: fmt.Sprintf("alter table %s alter column %s set not null", table, col)})
		}
	}

	if !defaultEqual(from, to) {
		if lit, ok := defaultLiteral(to); ok {
			ops = append(ops, DdlOp{Kind: OpSetDefault, Column: ch.Field,
				SQL: fmt.Sprintf("alter table %s alter column %s set default %s", table, col, lit)})
		} else {
			ops = append(ops, DdlOp{Kind: OpDropDefault, Column: ch.Field,
				SQL: fmt.Sprintf("alter table %s alter column %s drop default", table, col)})
		}
	}
	return ops
}

func defaultEqual(a, b *descriptor.FieldDescriptor) bool {
	if (a.Default == nil) != (b.Default == nil) {
		return false
	}
	return a.Default == nil || *a.Default == *b.Default
}
