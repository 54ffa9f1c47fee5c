// Package extract turns raw JSON payloads into normalized rows according
// to a pipeline spec. Individual tags and fields that are absent or not
// castable to their declared type are omitted from the row; JSON parse
// failures and unresolvable timestamps fail the whole row.
package extract

import (
	"encoding/json"
	"strconv"
)

// FieldKind discriminates the FieldValue union.
type FieldKind int

// Field value kinds.
const (
	KindFloat FieldKind = iota
	KindInt
	KindBool
	KindText
)

// FieldValue is a closed sum over the four scalar types a field can
// carry. The kind is decided by the pipeline spec at load time.
type FieldValue struct {
	Kind  FieldKind
	Float float64
	Int   int64
	Bool  bool
	Text  string
}

// FloatValue builds a float field value.
func FloatValue(v float64) FieldValue {
	return FieldValue{Kind: KindFloat, Float: v}
}

// IntValue builds an integer field value.
func IntValue(v int64) FieldValue {
	return FieldValue{Kind: KindInt, Int: v}
}

// BoolValue builds a boolean field value.
func BoolValue(v bool) FieldValue {
	return FieldValue{Kind: KindBool, Bool: v}
}

// TextValue builds a text field value.
func TextValue(v string) FieldValue {
	return FieldValue{Kind: KindText, Text: v}
}

// Any returns the wrapped value as an interface for parameter binding.
func (v FieldValue) Any() any {
	switch v.Kind {
	case KindFloat:
		return v.Float
	case KindInt:
		return v.Int
	case KindBool:
		return v.Bool
	default:
		return v.Text
	}
}

// String renders the value in its canonical text form.
func (v FieldValue) String() string {
	switch v.Kind {
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Text
	}
}

// MarshalJSON renders the wrapped scalar directly, so field maps
// serialize as {"name": 42.5} rather than a tagged envelope.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// Row is the extraction result: a timestamp in Unix milliseconds (UTC),
// text-valued tags and typed fields. Tags and fields share the column
// namespace at write time but are extracted independently.
type Row struct {
	Timestamp int64
	Tags      map[string]string
	Fields    map[string]FieldValue
}
