// Package pipeline defines the declarative mapping specification that
// drives row extraction, throttling and batching. A Spec is loaded once
// from configuration, validated fail-fast, and shared read-only across
// all message handlers for the process lifetime.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/bokristoffersson/telemetry-ingest/errors"
	"github.com/bokristoffersson/telemetry-ingest/pkg/timestamp"
)

// DataKind classifies how rows reach their destination table.
type DataKind string

// Recognized data kinds.
const (
	KindTimeseries DataKind = "timeseries" // rows are appended
	KindStatic     DataKind = "static"     // rows are upserted by key
)

// FieldType is the declared scalar type of an extracted field. The type
// decision is made once at load time, never re-interpreted per message.
type FieldType string

// Recognized field types.
const (
	TypeFloat FieldType = "float"
	TypeInt   FieldType = "int"
	TypeBool  FieldType = "bool"
	TypeText  FieldType = "text"
)

// Interval keywords for store_interval.
const (
	IntervalSecond = "second"
	IntervalMinute = "minute"
	IntervalHour   = "hour"
	IntervalDay    = "day"
)

// TimestampRule describes how the row timestamp is resolved from a payload.
type TimestampRule struct {
	Path   string `yaml:"path,omitempty"`
	Format string `yaml:"format"`
	UseNow bool   `yaml:"use_now,omitempty"`
}

// FieldSpec describes one field mapping: either a scalar cast to Type, or
// a nested object whose attributes are flattened into several float
// columns via the Attributes map (source attribute -> output column).
type FieldSpec struct {
	Path       string            `yaml:"path"`
	Type       FieldType         `yaml:"type,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

// BitFlagSpec maps a byte-valued source field (0-255) to up to eight
// boolean output columns keyed by bit position.
type BitFlagSpec struct {
	Path string         `yaml:"path"`
	Bits map[int]string `yaml:"bits"`
}

// Spec is one declarative mapping from a topic filter to a destination.
type Spec struct {
	Name           string               `yaml:"name"`
	Topic          string               `yaml:"topic"`
	Table          string               `yaml:"table,omitempty"`
	PublishSubject string               `yaml:"publish_subject,omitempty"`
	DataKind       DataKind             `yaml:"data_type"`
	Timestamp      TimestampRule        `yaml:"timestamp"`
	Tags           map[string]string    `yaml:"tags,omitempty"`
	Fields         map[string]FieldSpec `yaml:"fields,omitempty"`
	BitFlags       []BitFlagSpec        `yaml:"bit_flags,omitempty"`
	StoreInterval  string               `yaml:"store_interval,omitempty"`
	UpsertKey      []string             `yaml:"upsert_key,omitempty"`
}

// IsRepublish reports whether the spec's rows go back onto the bus
// instead of into a table.
func (s *Spec) IsRepublish() bool {
	return s.PublishSubject != ""
}

// Destination returns the table name or publish subject the spec targets.
func (s *Spec) Destination() string {
	if s.IsRepublish() {
		return s.PublishSubject
	}
	return s.Table
}

// Interval returns the parsed store interval, or zero when the spec
// stores every matched message. Validate must have succeeded first.
func (s *Spec) Interval() time.Duration {
	if s.StoreInterval == "" {
		return 0
	}
	d, _ := ParseInterval(s.StoreInterval)
	return d
}

// ParseInterval maps an interval keyword to its fixed duration. Keywords
// are matched case-insensitively.
func ParseInterval(keyword string) (time.Duration, error) {
	switch strings.ToLower(keyword) {
	case IntervalSecond:
		return time.Second, nil
	case IntervalMinute:
		return time.Minute, nil
	case IntervalHour:
		return time.Hour, nil
	case IntervalDay:
		return 24 * time.Hour, nil
	default:
		return 0, errors.WrapFatal(
			fmt.Errorf("unknown store interval %q", keyword),
			"Spec", "ParseInterval", "parse interval keyword")
	}
}

// Validate checks the spec for configuration errors. It is called once
// at load time; a returned error is fatal to startup.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return specErr(s, "pipeline name is required")
	}
	if s.Topic == "" {
		return specErr(s, "topic filter is required")
	}

	if s.Table == "" && s.PublishSubject == "" {
		return specErr(s, "either table or publish_subject is required")
	}
	if s.Table != "" && s.PublishSubject != "" {
		return specErr(s, "table and publish_subject are mutually exclusive")
	}

	switch s.DataKind {
	case KindTimeseries, KindStatic:
	default:
		return specErr(s, fmt.Sprintf("unknown data_type %q", s.DataKind))
	}

	if s.Timestamp.Path == "" && !s.Timestamp.UseNow {
		return specErr(s, "timestamp needs a path or use_now")
	}
	if s.Timestamp.Path != "" && !timestamp.ValidFormat(s.Timestamp.Format) {
		return specErr(s, fmt.Sprintf("unknown timestamp format %q", s.Timestamp.Format))
	}

	for name, field := range s.Fields {
		if field.Path == "" {
			return specErr(s, fmt.Sprintf("field %q has no path", name))
		}
		if len(field.Attributes) > 0 {
			if field.Type != "" {
				return specErr(s, fmt.Sprintf("field %q cannot have both type and attributes", name))
			}
			continue
		}
		switch field.Type {
		case TypeFloat, TypeInt, TypeBool, TypeText:
		default:
			return specErr(s, fmt.Sprintf("field %q has unknown type %q", name, field.Type))
		}
	}

	for i, group := range s.BitFlags {
		if group.Path == "" {
			return specErr(s, fmt.Sprintf("bit_flags[%d] has no path", i))
		}
		if len(group.Bits) == 0 {
			return specErr(s, fmt.Sprintf("bit_flags[%d] has no bits", i))
		}
		for bit := range group.Bits {
			if bit < 0 || bit > 7 {
				return specErr(s, fmt.Sprintf("bit_flags[%d] bit position %d out of range 0-7", i, bit))
			}
		}
	}

	if s.StoreInterval != "" {
		if _, err := ParseInterval(s.StoreInterval); err != nil {
			return specErr(s, fmt.Sprintf("unknown store_interval %q", s.StoreInterval))
		}
	}

	if s.DataKind == KindStatic {
		if len(s.UpsertKey) == 0 {
			return specErr(s, "static pipeline requires upsert_key")
		}
		for _, key := range s.UpsertKey {
			if !s.resolvesColumn(key) {
				return specErr(s, fmt.Sprintf("upsert_key column %q is not produced by tags or fields", key))
			}
		}
	} else if len(s.UpsertKey) > 0 {
		return specErr(s, "upsert_key is only valid for static pipelines")
	}

	return nil
}

// resolvesColumn reports whether the spec can produce a column with the
// given output name, through tags, fields, nested attributes or bit flags.
func (s *Spec) resolvesColumn(name string) bool {
	if _, ok := s.Tags[name]; ok {
		return true
	}
	if _, ok := s.Fields[name]; ok {
		return true
	}
	for _, field := range s.Fields {
		for _, out := range field.Attributes {
			if out == name {
				return true
			}
		}
	}
	for _, group := range s.BitFlags {
		for _, out := range group.Bits {
			if out == name {
				return true
			}
		}
	}
	return false
}

func specErr(s *Spec, msg string) error {
	name := s.Name
	if name == "" {
		name = "<unnamed>"
	}
	return errors.WrapFatal(
		fmt.Errorf("pipeline %s: %s", name, msg),
		"Spec", "Validate", "validate pipeline spec")
}
