package ingest

import (
	"encoding/json"

	"github.com/bokristoffersson/telemetry-ingest/extract"
	"github.com/bokristoffersson/telemetry-ingest/pkg/timestamp"
)

// wireRow is the JSON shape of a republished row. Empty tag and field maps
// are omitted so downstream consumers never see "tags": {}.
type wireRow struct {
	Timestamp string                        `json:"ts"`
	Tags      map[string]string             `json:"tags,omitempty"`
	Fields    map[string]extract.FieldValue `json:"fields,omitempty"`
}

// encodeRow serializes a row for republishing. The timestamp is rendered
// as RFC 3339 in UTC.
func encodeRow(row *extract.Row) ([]byte, error) {
	w := wireRow{
		Timestamp: timestamp.Format(row.Timestamp),
	}
	if len(row.Tags) > 0 {
		w.Tags = row.Tags
	}
	if len(row.Fields) > 0 {
		w.Fields = row.Fields
	}
	return json.Marshal(w)
}
