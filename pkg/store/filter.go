package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Filter is an LDAP-shape boolean tree over indexed record fields. A nil
// Filter matches every record.
type Filter interface {
	// Match evaluates the filter against a decoded record.
	Match(record map[string]interface{}) bool
	// Fields returns every field name the filter references.
	Fields() []string
	// String renders the tree in LDAP filter syntax, for logs.
	String() string
}

// Eq matches records whose field equals the value. The wildcard value
// "*" matches any present field (LDAP presence filter).
type Eq struct {
	Field string
	Value interface{}
}

func (f Eq) Match(record map[string]interface{}) bool {
	v, ok := record[f.Field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := f.Value.(string); isStr && s == "*" {
		return true
	}
	return compareValues(v, f.Value) == 0
}

func (f Eq) Fields() []string { return []string{f.Field} }

func (f Eq) String() string {
	return fmt.Sprintf("(%s=%s)", f.Field, renderValue(f.Value))
}

// Ne matches records whose field is absent or differs from the value.
type Ne struct {
	Field string
	Value interface{}
}

func (f Ne) Match(record map[string]interface{}) bool {
	return !(Eq{Field: f.Field, Value: f.Value}).Match(record)
}

func (f Ne) Fields() []string { return []string{f.Field} }

func (f Ne) String() string {
	return fmt.Sprintf("(!(%s=%s))", f.Field, renderValue(f.Value))
}

// Present matches records that carry the field at all.
type Present struct {
	Field string
}

func (f Present) Match(record map[string]interface{}) bool {
	v, ok := record[f.Field]
	return ok && v != nil
}

func (f Present) Fields() []string { return []string{f.Field} }

func (f Present) String() string { return fmt.Sprintf("(%s=*)", f.Field) }

// Lte matches records whose field is <= the value.
type Lte struct {
	Field string
	Value interface{}
}

func (f Lte) Match(record map[string]interface{}) bool {
	v, ok := record[f.Field]
	if !ok || v == nil {
		return false
	}
	return compareValues(v, f.Value) <= 0
}

func (f Lte) Fields() []string { return []string{f.Field} }

func (f Lte) String() string {
	return fmt.Sprintf("(%s<=%s)", f.Field, renderValue(f.Value))
}

// Gte matches records whose field is >= the value.
type Gte struct {
	Field string
	Value interface{}
}

func (f Gte) Match(record map[string]interface{}) bool {
	v, ok := record[f.Field]
	if !ok || v == nil {
		return false
	}
	return compareValues(v, f.Value) >= 0
}

func (f Gte) Fields() []string { return []string{f.Field} }

func (f Gte) String() string {
	return fmt.Sprintf("(%s>=%s)", f.Field, renderValue(f.Value))
}

// And matches when every subfilter matches.
type And []Filter

func (f And) Match(record map[string]interface{}) bool {
	for _, sub := range f {
		if !sub.Match(record) {
			return false
		}
	}
	return true
}

func (f And) Fields() []string { return collectFields(f) }

func (f And) String() string { return renderComposite("&", f) }

// Or matches when any subfilter matches.
type Or []Filter

func (f Or) Match(record map[string]interface{}) bool {
	for _, sub := range f {
		if sub.Match(record) {
			return true
		}
	}
	return false
}

func (f Or) Fields() []string { return collectFields(f) }

func (f Or) String() string { return renderComposite("|", f) }

// Not inverts a filter.
type Not struct {
	Sub Filter
}

func (f Not) Match(record map[string]interface{}) bool { return !f.Sub.Match(record) }

func (f Not) Fields() []string { return f.Sub.Fields() }

func (f Not) String() string { return "(!" + f.Sub.String() + ")" }

// validateFilter rejects filters referencing fields the bucket does not
// index. Unindexed fields must never reach a query.
func validateFilter(b *Bucket, f Filter) error {
	if f == nil {
		return nil
	}
	for _, field := range f.Fields() {
		if !b.HasIndex(field) {
			return invalidQuery(b.Name, fmt.Errorf("field %q is not indexed", field))
		}
	}
	return nil
}

func collectFields(subs []Filter) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, sub := range subs {
		for _, f := range sub.Fields() {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

func renderComposite(op string, subs []Filter) string {
	var sb strings.Builder
	sb.WriteString("(" + op)
	for _, sub := range subs {
		sb.WriteString(sub.String())
	}
	sb.WriteString(")")
	return sb.String()
}

func renderValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// compareValues orders two scalar values, coercing numerics so that a
// JSON-decoded float64 compares equal to the int it round-trips from.
// Mixed non-numeric types compare unequal (returns nonzero).
func compareValues(a, b interface{}) int {
	if an, aok := toFloat(a); aok {
		if bn, bok := toFloat(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
		return 1
	}
	switch at := a.(type) {
	case string:
		if bt, ok := b.(string); ok {
			return strings.Compare(at, bt)
		}
	case bool:
		if bt, ok := b.(bool); ok {
			if at == bt {
				return 0
			}
			return 1
		}
	}
	return 1
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
