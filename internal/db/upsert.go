package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertSpec describes a keyed bulk write.
type UpsertSpec struct {
	Table   string   // target table, optionally schema-qualified
	Columns []string // column order of every row
	Keys    []string // unique constraint columns, a subset of Columns
	Update  []string // columns rewritten on conflict; nil means every non-key column
}

func (s UpsertSpec) validate() error {
	if s.Table == "" {
		return eris.New("db: upsert: table is required")
	}
	if len(s.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(s.Keys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	for _, k := range s.Keys {
		if indexOf(s.Columns, k) < 0 {
			return eris.Errorf("db: upsert: key %q is not a column", k)
		}
	}
	return nil
}

func (s UpsertSpec) updateColumns() []string {
	if s.Update != nil {
		return s.Update
	}
	var out []string
	for _, c := range s.Columns {
		if indexOf(s.Keys, c) < 0 {
			out = append(out, c)
		}
	}
	return out
}

// Upsert stages rows in a temp table with COPY and merges them into the
// target with INSERT ... ON CONFLICT, all in one transaction. Rows sharing
// a key are collapsed first, the last one winning, since a single INSERT
// cannot touch the same target row twice. It returns the rows written.
func Upsert(ctx context.Context, pool Pool, spec UpsertSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.validate(); err != nil {
		return 0, err
	}
	rows = lastByKey(rows, spec.Columns, spec.Keys)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := stageTable(spec.Table)
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(), qualified(spec.Table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", spec.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into stage for %s", spec.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(spec, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", spec.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(spec UpsertSpec, stage string) string {
	cols := joinIdents(spec.Columns)
	update := spec.updateColumns()

	action := "DO NOTHING"
	if len(update) > 0 {
		set := make([]string, len(update))
		for i, c := range update {
			id := pgx.Identifier{c}.Sanitize()
			set[i] = id + " = EXCLUDED." + id
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		qualified(spec.Table), cols, cols, pgx.Identifier{stage}.Sanitize(), joinIdents(spec.Keys), action)
}

// lastByKey drops rows whose key reappears later, keeping first-seen order
// of the surviving keys.
func lastByKey(rows [][]any, columns, keys []string) [][]any {
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = indexOf(columns, k)
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = fmt.Sprint(row[j])
		}
		key := strings.Join(parts, "\x00")
		if p, ok := pos[key]; ok {
			out[p] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
	}
	return out
}

func stageTable(table string) string {
	return "_stage_" + strings.ReplaceAll(table, ".", "_")
}

// qualified sanitizes a possibly schema-qualified table name.
func qualified(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func joinIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func indexOf(xs []string, s string) int {
	for i, x := range xs {
		if x == s {
			return i
		}
	}
	return -1
}
