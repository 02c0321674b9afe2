package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

const periodColumn = "报告期"

// entityColumns are probed in order when an intent carries entity filters.
// The warehouse tables key companies by short name and carry an industry tag.
var entityColumns = []string{"股票简称", "行业名称"}

// Extractor runs the data extraction stage against a DuckDB financial
// warehouse. One SELECT per referenced table, results merged on the report
// period column.
type Extractor struct {
	logger *slog.Logger
	db     *sql.DB
}

var _ ports.Extractor = (*Extractor)(nil)

// Open opens the warehouse database read-only at path.
func Open(logger *slog.Logger, path string) (*Extractor, error) {
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping warehouse %q: %w", path, err)
	}
	return &Extractor{logger: logger, db: db}, nil
}

// NewExtractor wraps an existing warehouse handle. Used by tests.
func NewExtractor(logger *slog.Logger, db *sql.DB) *Extractor {
	return &Extractor{logger: logger, db: db}
}

func (e *Extractor) Close() error {
	return e.db.Close()
}

func (e *Extractor) Extract(ctx context.Context, intent *domain.StructuredIntent, report domain.ProgressFunc) (*domain.Table, error) {
	if intent == nil || len(intent.Metrics) == 0 {
		return nil, domain.ErrNoResult
	}

	report(15, "生成数据查询")

	byTable := groupByTable(intent.Metrics)
	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	report(36, "执行数据查询")

	merged := map[string]map[string]string{} // period -> metric -> value
	for _, table := range tables {
		metrics := byTable[table]
		query, args := buildQuery(table, metrics, intent)

		rows, err := e.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("warehouse query on %s failed: %w", table, err)
		}
		if err := collectRows(rows, metrics, merged); err != nil {
			return nil, err
		}
	}

	report(52, "合并查询结果")

	result := assembleTable(intent.Metrics, merged)
	if result.Empty() {
		e.logger.Warn("extraction returned no rows",
			"metrics", len(intent.Metrics), "entities", intent.Entities,
			"range", intent.DateRange)
		return nil, domain.ErrNoResult
	}

	report(82, "数据整理完成")
	return result, nil
}

func groupByTable(metrics []domain.MetricRef) map[string][]string {
	byTable := map[string][]string{}
	for _, m := range metrics {
		byTable[m.Table] = append(byTable[m.Table], m.Metric)
	}
	return byTable
}

// buildQuery produces one SELECT over a single warehouse table. Column and
// table names come from the curated metric index, never raw user text, so
// quoting them directly is safe; user-derived values go through placeholders.
func buildQuery(table string, metrics []string, intent *domain.StructuredIntent) (string, []any) {
	cols := make([]string, 0, len(metrics)+1)
	cols = append(cols, quoteIdent(periodColumn))
	for _, m := range metrics {
		cols = append(cols, quoteIdent(m))
	}

	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(cols, ", "), quoteIdent(table))

	var where []string
	if intent.DateRange.Start != "" {
		where = append(where, quoteIdent(periodColumn)+" >= ?")
		args = append(args, intent.DateRange.Start)
	}
	if intent.DateRange.End != "" {
		where = append(where, quoteIdent(periodColumn)+" <= ?")
		args = append(args, intent.DateRange.End)
	}
	if len(intent.Entities) > 0 {
		var ors []string
		for _, col := range entityColumns {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(intent.Entities)), ", ")
			ors = append(ors, fmt.Sprintf("%s IN (%s)", quoteIdent(col), placeholders))
			for _, ent := range intent.Entities {
				args = append(args, ent)
			}
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY " + quoteIdent(periodColumn) + " ASC")

	return sb.String(), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func collectRows(rows *sql.Rows, metrics []string, merged map[string]map[string]string) error {
	defer rows.Close()

	scan := make([]any, len(metrics)+1)
	vals := make([]sql.NullString, len(metrics)+1)
	for i := range scan {
		scan[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return err
		}
		period := vals[0].String
		if merged[period] == nil {
			merged[period] = map[string]string{}
		}
		for i, m := range metrics {
			if vals[i+1].Valid {
				merged[period][m] = vals[i+1].String
			}
		}
	}
	return rows.Err()
}

// assembleTable flattens the per-period merge into a Table with the period
// first and metrics in intent order. Missing cells stay empty.
func assembleTable(metrics []domain.MetricRef, merged map[string]map[string]string) *domain.Table {
	if len(merged) == 0 {
		return &domain.Table{}
	}

	periods := make([]string, 0, len(merged))
	for p := range merged {
		periods = append(periods, p)
	}
	sort.Strings(periods)

	columns := make([]string, 0, len(metrics)+1)
	columns = append(columns, periodColumn)
	seen := map[string]bool{}
	for _, m := range metrics {
		if !seen[m.Metric] {
			columns = append(columns, m.Metric)
			seen[m.Metric] = true
		}
	}

	rows := make([][]string, 0, len(periods))
	for _, p := range periods {
		row := make([]string, len(columns))
		row[0] = p
		for i, col := range columns[1:] {
			row[i+1] = merged[p][col]
		}
		rows = append(rows, row)
	}

	return &domain.Table{Columns: columns, Rows: rows}
}
