package extract

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bokristoffersson/telemetry-ingest/errors"
	"github.com/bokristoffersson/telemetry-ingest/pipeline"
	"github.com/bokristoffersson/telemetry-ingest/pkg/timestamp"
)

// nowMs is swapped in tests.
var nowMs = timestamp.Now

// Extract builds a Row from a raw JSON payload per the given spec.
// A parse failure or an unresolvable timestamp fails the row; individual
// tags and fields are omitted when absent or uncastable.
func Extract(spec *pipeline.Spec, payload []byte) (*Row, error) {
	if !gjson.ValidBytes(payload) {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed,
			"Extract", "Extract", fmt.Sprintf("parse payload for pipeline %s", spec.Name))
	}
	doc := gjson.ParseBytes(payload)

	ts, err := resolveTimestamp(spec, doc)
	if err != nil {
		return nil, err
	}

	row := &Row{
		Timestamp: ts,
		Tags:      make(map[string]string, len(spec.Tags)),
		Fields:    make(map[string]FieldValue, len(spec.Fields)),
	}

	for name, path := range spec.Tags {
		value := doc.Get(normalizePath(path))
		if !value.Exists() {
			continue
		}
		row.Tags[name] = stringify(value)
	}

	for name, field := range spec.Fields {
		value := doc.Get(normalizePath(field.Path))
		if !value.Exists() {
			continue
		}
		if len(field.Attributes) > 0 {
			extractNested(row, value, field.Attributes)
			continue
		}
		if cast, ok := castScalar(value, field.Type); ok {
			row.Fields[name] = cast
		}
	}

	for _, group := range spec.BitFlags {
		extractBitFlags(row, doc.Get(normalizePath(group.Path)), group.Bits)
	}

	return row, nil
}

func resolveTimestamp(spec *pipeline.Spec, doc gjson.Result) (int64, error) {
	rule := spec.Timestamp

	if rule.Path != "" {
		value := doc.Get(normalizePath(rule.Path))
		if value.Exists() {
			ts, err := convertTimestamp(value, rule.Format)
			if err != nil {
				return 0, errors.WrapInvalid(err,
					"Extract", "resolveTimestamp",
					fmt.Sprintf("resolve timestamp for pipeline %s", spec.Name))
			}
			if err := timestamp.Validate(ts); err != nil {
				return 0, errors.WrapInvalid(err,
					"Extract", "resolveTimestamp",
					fmt.Sprintf("validate timestamp for pipeline %s", spec.Name))
			}
			return ts, nil
		}
	}

	if rule.UseNow {
		return nowMs(), nil
	}

	return 0, errors.WrapInvalid(errors.ErrTimestampMissing,
		"Extract", "resolveTimestamp",
		fmt.Sprintf("resolve timestamp for pipeline %s", spec.Name))
}

func convertTimestamp(value gjson.Result, format string) (int64, error) {
	switch format {
	case timestamp.FormatUnixMs, timestamp.FormatUnixS:
		if value.Type != gjson.Number {
			return 0, fmt.Errorf("%w: expected number, got %s", errors.ErrTimestampInvalid, value.Type)
		}
		return timestamp.ParseNumber(value.Num, format)
	default:
		if value.Type != gjson.String {
			return 0, fmt.Errorf("%w: expected string, got %s", errors.ErrTimestampInvalid, value.Type)
		}
		return timestamp.ParseString(value.Str, format)
	}
}

// stringify renders a resolved JSON value as tag text. Strings pass
// through verbatim; other types use their canonical JSON form.
func stringify(value gjson.Result) string {
	if value.Type == gjson.String {
		return value.Str
	}
	return value.Raw
}

// castScalar converts a resolved JSON value to the declared field type.
// The cast is total: a mismatch returns ok=false, never an error.
func castScalar(value gjson.Result, fieldType pipeline.FieldType) (FieldValue, bool) {
	switch fieldType {
	case pipeline.TypeFloat:
		if value.Type != gjson.Number {
			return FieldValue{}, false
		}
		return FloatValue(value.Num), true
	case pipeline.TypeInt:
		if value.Type != gjson.Number {
			return FieldValue{}, false
		}
		i := int64(value.Num)
		if float64(i) != value.Num {
			return FieldValue{}, false
		}
		return IntValue(i), true
	case pipeline.TypeBool:
		if value.Type != gjson.True && value.Type != gjson.False {
			return FieldValue{}, false
		}
		return BoolValue(value.Bool()), true
	case pipeline.TypeText:
		return TextValue(stringify(value)), true
	default:
		return FieldValue{}, false
	}
}

// extractNested flattens a sub-object: each configured attribute present
// as a numeric member is cast to float and stored under its output name.
func extractNested(row *Row, value gjson.Result, attributes map[string]string) {
	if !value.IsObject() {
		return
	}
	for attr, out := range attributes {
		member := value.Get(attr)
		if !member.Exists() || member.Type != gjson.Number {
			continue
		}
		row.Fields[out] = FloatValue(member.Num)
	}
}

// extractBitFlags decodes a byte-valued source (0-255) into boolean
// fields. Out-of-range or non-integer values skip the whole group.
func extractBitFlags(row *Row, value gjson.Result, bits map[int]string) {
	if !value.Exists() || value.Type != gjson.Number {
		return
	}
	b := int64(value.Num)
	if float64(b) != value.Num || b < 0 || b > 255 {
		return
	}
	for position, out := range bits {
		row.Fields[out] = BoolValue((b>>position)&1 == 1)
	}
}

// normalizePath strips the JSONPath-style "$." prefix the original YAML
// pipeline files carry; the remainder is a plain dotted path.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "$.") {
		return path[2:]
	}
	return path
}
