package descriptor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FieldError is a structured validation error. Errors are data: the caller
// decides whether to render them, retry, or abort its transaction.
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	ErrNameInvalid         = "name_invalid"
	ErrNameReserved        = "name_reserved"
	ErrNameTooLong         = "name_too_long"
	ErrNameDuplicate       = "name_duplicate"
	ErrTypeUnknown         = "type_unknown"
	ErrEnumEmpty           = "enum_empty"
	ErrRefTargetMissing    = "ref_target_missing"
	ErrDefaultInvalid      = "default_invalid"
	ErrConstraintInvalid   = "constraint_invalid"
	ErrDestructiveChange   = "destructive_change_rejected"
	ErrRequiredNeedDefault = "required_needs_default"
)

// ChangeKind classifies a per-field difference between two descriptor versions.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "ADD"
	ChangeRemove ChangeKind = "REMOVE"
	ChangeWiden  ChangeKind = "WIDEN"
	ChangeNarrow ChangeKind = "NARROW"
	ChangeRetype ChangeKind = "RETYPE"
)

// FieldChange is one entry of the diff between previous and candidate fields.
type FieldChange struct {
	Field string
	Kind  ChangeKind
	From  *FieldDescriptor // nil for ADD
	To    *FieldDescriptor // nil for REMOVE
}

// ValidationResult carries errors plus the classified change set. An empty
// Errors slice means the candidate may be saved and diffed.
type ValidationResult struct {
	Errors  []FieldError
	Changes []FieldChange
}

func (r ValidationResult) OK() bool { return len(r.Errors) == 0 }

// HasDestructive reports whether any rejection was a NARROW/RETYPE/REMOVE
// submitted without the explicit destructive flag.
func (r ValidationResult) HasDestructive() bool {
	for _, e := range r.Errors {
		if e.Code == ErrDestructiveChange {
			return true
		}
	}
	return false
}

const maxIdentLen = 63 // postgres identifier limit

var identRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// SQL keywords plus the engine's own system column names. A field may not
// shadow any of these even though identifiers are always quoted in DDL.
var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
	"id": {}, "version": {}, "created_at": {}, "updated_at": {},
}

// IsReserved reports whether s collides with a reserved identifier.
func IsReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

// Validate checks a candidate descriptor against the naming and typing rules
// and, when previous is non-nil, classifies the mutation field by field.
// NARROW, RETYPE and REMOVE changes are rejected unless allowDestructive is
// set. Pure function: no locks, no I/O.
func Validate(candidate *EntityDescriptor, previous *EntityDescriptor, allowDestructive bool) ValidationResult {
	var res ValidationResult

	res.Errors = append(res.Errors, checkEntityName(candidate.Name)...)

	seen := make(map[string]struct{}, len(candidate.Fields))
	for i := range candidate.Fields {
		f := &candidate.Fields[i]
		res.Errors = append(res.Errors, checkField(f)...)
		low := strings.ToLower(f.Name)
		if _, dup := seen[low]; dup {
			res.Errors = append(res.Errors, FieldError{
				Code: ErrNameDuplicate, Field: f.Name,
				Message: fmt.Sprintf("field %q duplicates another field (names are case-insensitive)", f.Name),
			})
		}
		seen[low] = struct{}{}
	}

	if previous != nil {
		res.Changes = Classify(previous.Fields, candidate.Fields)
		for _, ch := range res.Changes {
			switch ch.Kind {
			case ChangeNarrow, ChangeRetype, ChangeRemove:
				if !allowDestructive {
					res.Errors = append(res.Errors, FieldError{
						Code: ErrDestructiveChange, Field: ch.Field,
						Message: fmt.Sprintf("change %s on field %q may lose data; resubmit with allowDestructive=true", ch.Kind, ch.Field),
					})
				}
			case ChangeAdd:
				// a new NOT NULL field on an existing table needs a default
				// so pre-existing rows stay valid
				if ch.To != nil && !ch.To.Nullable && ch.To.Default == nil {
					res.Errors = append(res.Errors, FieldError{
						Code: ErrRequiredNeedDefault, Field: ch.Field,
						Message: fmt.Sprintf("new non-nullable field %q requires a default value", ch.Field),
					})
				}
			}
		}
	} else {
		for i := range candidate.Fields {
			f := candidate.Fields[i]
			res.Changes = append(res.Changes, FieldChange{Field: f.Name, Kind: ChangeAdd, To: &candidate.Fields[i]})
		}
	}

	return res
}

func checkEntityName(name string) []FieldError {
	var errs []FieldError
	switch {
	case !identRe.MatchString(name):
		errs = append(errs, FieldError{Code: ErrNameInvalid, Field: "name",
			Message: fmt.Sprintf("entity name %q must start with a letter and contain only letters, digits and underscores", name)})
	case len(name) > maxIdentLen:
		errs = append(errs, FieldError{Code: ErrNameTooLong, Field: "name",
			Message: fmt.Sprintf("entity name %q exceeds %d characters", name, maxIdentLen)})
	case IsReserved(name):
		errs = append(errs, FieldError{Code: ErrNameReserved, Field: "name",
			Message: fmt.Sprintf("entity name %q is a reserved identifier", name)})
	}
	return errs
}

func checkField(f *FieldDescriptor) []FieldError {
	var errs []FieldError
	switch {
	case !identRe.MatchString(f.Name):
		errs = append(errs, FieldError{Code: ErrNameInvalid, Field: f.Name,
			Message: fmt.Sprintf("field name %q must start with a letter and contain only letters, digits and underscores", f.Name)})
	case len(f.Name) > maxIdentLen:
		errs = append(errs, FieldError{Code: ErrNameTooLong, Field: f.Name,
			Message: fmt.Sprintf("field name %q exceeds %d characters", f.Name, maxIdentLen)})
	case IsReserved(f.Name):
		errs = append(errs, FieldError{Code: ErrNameReserved, Field: f.Name,
			Message: fmt.Sprintf("field name %q is a reserved identifier", f.Name)})
	}

	if !KnownType(f.Type) {
		errs = append(errs, FieldError{Code: ErrTypeUnknown, Field: f.Name,
			Message: fmt.Sprintf("unknown field type %q", f.Type)})
		return errs
	}
	if f.Type == TypeEnum && len(f.EnumValues) == 0 {
		errs = append(errs, FieldError{Code: ErrEnumEmpty, Field: f.Name,
			Message: "enum field needs at least one value"})
	}
	if f.Type == TypeRef && strings.TrimSpace(f.RefTarget) == "" {
		errs = append(errs, FieldError{Code: ErrRefTargetMissing, Field: f.Name,
			Message: "ref field needs a target entity"})
	}
	if f.Constraints.MaxLength < 0 {
		errs = append(errs, FieldError{Code: ErrConstraintInvalid, Field: f.Name,
			Message: "maxLength must be >= 0"})
	}
	if f.Constraints.MaxLength > 0 && f.Type != TypeText {
		errs = append(errs, FieldError{Code: ErrConstraintInvalid, Field: f.Name,
			Message: "maxLength only applies to text fields"})
	}
	if f.Constraints.Min != nil && f.Constraints.Max != nil && *f.Constraints.Min > *f.Constraints.Max {
		errs = append(errs, FieldError{Code: ErrConstraintInvalid, Field: f.Name,
			Message: "min must not exceed max"})
	}
	if f.Constraints.Pattern != "" {
		if _, err := regexp.Compile(f.Constraints.Pattern); err != nil {
			errs = append(errs, FieldError{Code: ErrConstraintInvalid, Field: f.Name,
				Message: fmt.Sprintf("invalid pattern: %v", err)})
		}
	}
	if f.Default != nil {
		errs = append(errs, checkDefault(f)...)
	}
	return errs
}

// checkDefault makes sure the declared default parses as a literal of the
// field's type. The schema layer renders defaults into DDL, so anything that
// is not a clean literal is rejected here and never reaches a statement.
func checkDefault(f *FieldDescriptor) []FieldError {
	v := strings.TrimSpace(*f.Default)
	bad := func(want string) []FieldError {
		return []FieldError{{Code: ErrDefaultInvalid, Field: f.Name,
			Message: fmt.Sprintf("default %q is not a valid %s", *f.Default, want)}}
	}
	switch f.Type {
	case TypeInteger:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return bad("integer")
		}
	case TypeDecimal:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return bad("decimal")
		}
	case TypeBoolean:
		if _, err := strconv.ParseBool(v); err != nil {
			return bad("boolean")
		}
	case TypeTimestamp:
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			if _, err := time.Parse("2006-01-02", v); err != nil {
				return bad("RFC3339 timestamp or YYYY-MM-DD date")
			}
		}
	case TypeEnum:
		if !contains(f.EnumValues, *f.Default) {
			return []FieldError{{Code: ErrDefaultInvalid, Field: f.Name,
				Message: fmt.Sprintf("default %q is not one of the enum values", *f.Default)}}
		}
	}
	return nil
}

// Classify walks both field lists by (case-insensitive) name and labels every
// difference. Unchanged fields produce no entry.
func Classify(previous, candidate []FieldDescriptor) []FieldChange {
	var changes []FieldChange
	prevByName := make(map[string]*FieldDescriptor, len(previous))
	for i := range previous {
		prevByName[strings.ToLower(previous[i].Name)] = &previous[i]
	}
	seen := make(map[string]struct{}, len(candidate))

	for i := range candidate {
		f := &candidate[i]
		low := strings.ToLower(f.Name)
		seen[low] = struct{}{}
		old, ok := prevByName[low]
		if !ok {
			changes = append(changes, FieldChange{Field: f.Name, Kind: ChangeAdd, To: f})
			continue
		}
		if fieldEqual(*old, *f) {
			continue
		}
		changes = append(changes, FieldChange{Field: f.Name, Kind: classifyMutation(old, f), From: old, To: f})
	}
	for i := range previous {
		old := &previous[i]
		if _, ok := seen[strings.ToLower(old.Name)]; !ok {
			changes = append(changes, FieldChange{Field: old.Name, Kind: ChangeRemove, From: old})
		}
	}
	return changes
}

func classifyMutation(from, to *FieldDescriptor) ChangeKind {
	if from.Type != to.Type {
		if IsWidening(from, to) {
			return ChangeWiden
		}
		return ChangeRetype
	}
	if IsWidening(from, to) {
		return ChangeWiden
	}
	return ChangeNarrow
}

// IsWidening reports whether from→to can never lose information. The
// allow-list is deliberately explicit rather than inferred from database
// behaviour:
//
//   - text: maxLength increase, or bounded → unbounded
//   - integer → decimal
//   - enum: candidate value set is a superset of the previous one
//   - NOT NULL → nullable
//
// Changes that leave storage untouched (default value, pattern, numeric
// range) are widening too: they only affect validation of future writes,
// never existing rows.
func IsWidening(from, to *FieldDescriptor) bool {
	// nullability: relaxing is safe, tightening can reject existing nulls
	if from.Nullable && !to.Nullable {
		return false
	}
	if from.Type != to.Type {
		return from.Type == TypeInteger && to.Type == TypeDecimal
	}
	switch from.Type {
	case TypeText:
		fl, tl := from.Constraints.MaxLength, to.Constraints.MaxLength
		if fl == tl {
			return true
		}
		return fl > 0 && (tl == 0 || tl > fl)
	case TypeEnum:
		return isSuperset(to.EnumValues, from.EnumValues)
	default:
		return true
	}
}

func isSuperset(super, sub []string) bool {
	set := make(map[string]struct{}, len(super))
	for _, v := range super {
		set[v] = struct{}{}
	}
	for _, v := range sub {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

func contains(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
