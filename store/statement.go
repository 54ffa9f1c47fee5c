package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bokristoffersson/telemetry-ingest/errors"
	"github.com/bokristoffersson/telemetry-ingest/extract"
	"github.com/bokristoffersson/telemetry-ingest/pipeline"
	"github.com/bokristoffersson/telemetry-ingest/pkg/timestamp"
)

// Time column names per data kind. Static tables carry the time of the
// last observation rather than an append axis.
const (
	timeseriesTimeColumn = "ts"
	staticTimeColumn     = "latest_update"
)

// Build synthesizes one parameterized statement for a batch of rows
// bound for a single table. The column set is the union over the whole
// batch: the time column first, then tag columns sorted, then field
// columns sorted. Rows missing a column bind NULL. Placeholders and
// binds are emitted from the same iteration so they cannot drift apart.
func Build(destination string, kind pipeline.DataKind, upsertKey []string, rows []*extract.Row) (string, []any, error) {
	if len(rows) == 0 {
		return "", nil, errors.WrapInvalid(errors.ErrEmptyBatch,
			"StatementBuilder", "Build", fmt.Sprintf("build statement for %s", destination))
	}

	timeColumn := timeseriesTimeColumn
	if kind == pipeline.KindStatic {
		timeColumn = staticTimeColumn
	}

	tagColumns, fieldColumns := columnUnion(rows)
	columns := make([]string, 0, 1+len(tagColumns)+len(fieldColumns))
	columns = append(columns, timeColumn)
	columns = append(columns, tagColumns...)
	columns = append(columns, fieldColumns...)

	var sql strings.Builder
	fmt.Fprintf(&sql, "INSERT INTO %s (%s) VALUES ", destination, strings.Join(columns, ", "))

	binds := make([]any, 0, len(rows)*len(columns))
	placeholder := 1

	for i, row := range rows {
		if i > 0 {
			sql.WriteString(", ")
		}
		sql.WriteByte('(')
		for j, column := range columns {
			if j > 0 {
				sql.WriteString(", ")
			}
			fmt.Fprintf(&sql, "$%d", placeholder)
			placeholder++
			binds = append(binds, bindValue(row, column, timeColumn))
		}
		sql.WriteByte(')')
	}

	if kind == pipeline.KindStatic {
		writeConflictClause(&sql, columns, upsertKey)
	}

	return sql.String(), binds, nil
}

// columnUnion collects tag and field column names across the whole
// batch, each set sorted for a stable statement shape.
func columnUnion(rows []*extract.Row) (tags, fields []string) {
	tagSet := make(map[string]struct{})
	fieldSet := make(map[string]struct{})
	for _, row := range rows {
		for name := range row.Tags {
			tagSet[name] = struct{}{}
		}
		for name := range row.Fields {
			fieldSet[name] = struct{}{}
		}
	}

	tags = make([]string, 0, len(tagSet))
	for name := range tagSet {
		tags = append(tags, name)
	}
	sort.Strings(tags)

	fields = make([]string, 0, len(fieldSet))
	for name := range fieldSet {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	return tags, fields
}

// bindValue resolves one column for one row: the time column, a tag, a
// field, or NULL when the row does not carry the column.
func bindValue(row *extract.Row, column, timeColumn string) any {
	if column == timeColumn {
		return timestamp.FromUnixMs(row.Timestamp)
	}
	if v, ok := row.Tags[column]; ok {
		return v
	}
	if v, ok := row.Fields[column]; ok {
		return v.Any()
	}
	return nil
}

// writeConflictClause appends ON CONFLICT ... DO UPDATE SET for every
// non-key column. Key columns never appear in the update list.
func writeConflictClause(sql *strings.Builder, columns, upsertKey []string) {
	keys := make(map[string]struct{}, len(upsertKey))
	for _, k := range upsertKey {
		keys[k] = struct{}{}
	}

	fmt.Fprintf(sql, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(upsertKey, ", "))

	first := true
	for _, column := range columns {
		if _, isKey := keys[column]; isKey {
			continue
		}
		if !first {
			sql.WriteString(", ")
		}
		fmt.Fprintf(sql, "%s = EXCLUDED.%s", column, column)
		first = false
	}
}
