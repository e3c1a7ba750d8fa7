package schema

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tabula/internal/descriptor"
)

// genFields produces a field list with unique synthetic names so the diff
// never sees two fields competing for one column.
func genFields() gopter.Gen {
	genOne := gopter.CombineGens(
		gen.OneConstOf(
			descriptor.TypeText, descriptor.TypeInteger, descriptor.TypeDecimal,
			descriptor.TypeBoolean, descriptor.TypeTimestamp,
		),
		gen.Bool(),
		gen.IntRange(0, 128),
	).Map(func(vals []interface{}) descriptor.FieldDescriptor {
		f := descriptor.FieldDescriptor{
			Type:     vals[0].(descriptor.FieldType),
			Nullable: vals[1].(bool),
		}
		if f.Type == descriptor.TypeText {
			f.Constraints.MaxLength = vals[2].(int)
		}
		return f
	})
	return gen.IntRange(0, 8).FlatMap(func(n interface{}) gopter.Gen {
		return gen.SliceOfN(n.(int), genOne).Map(func(fields []descriptor.FieldDescriptor) []descriptor.FieldDescriptor {
			for i := range fields {
				fields[i].Name = fmt.Sprintf("f%d", i)
			}
			return fields
		})
	}, reflect.TypeOf([]descriptor.FieldDescriptor{}))
}

func TestProperty_DiffDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a converged schema diffs to zero operations", prop.ForAll(
		func(fields []descriptor.FieldDescriptor) bool {
			d := &descriptor.EntityDescriptor{Name: "sample", Fields: fields}
			return len(Diff(d, d)) == 0
		},
		genFields(),
	))

	properties.Property("the same pair always renders the same batch", prop.ForAll(
		func(prev, next []descriptor.FieldDescriptor) bool {
			a := &descriptor.EntityDescriptor{Name: "sample", Fields: prev}
			b := &descriptor.EntityDescriptor{Name: "sample", Fields: next}
			return reflect.DeepEqual(Diff(a, b), Diff(a, b))
		},
		genFields(),
		genFields(),
	))

	properties.Property("column additions always precede drops", prop.ForAll(
		func(prev, next []descriptor.FieldDescriptor, offset int) bool {
			// shift candidate names so adds and drops show up in one batch
			for i := range next {
				next[i].Name = fmt.Sprintf("f%d", i+offset)
			}
			a := &descriptor.EntityDescriptor{Name: "sample", Fields: prev}
			b := &descriptor.EntityDescriptor{Name: "sample", Fields: next}
			lastAdd, firstDrop := -1, -1
			for i, op := range Diff(a, b) {
				if op.Kind == OpAddColumn {
					lastAdd = i
				}
				if op.Kind == OpDropColumn && firstDrop == -1 {
					firstDrop = i
				}
			}
			return firstDrop == -1 || lastAdd < firstDrop
		},
		genFields(),
		genFields(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
