package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
	"github.com/finchat/finchat/internal/core/services"
)

// chartKeywords mark a query as chart intent. Matched as substrings against
// the raw query text.
var chartKeywords = []string{"图", "图表", "趋势图", "画", "绘制", "plot", "chart"}

// sumKeywords mark a query as an aggregate question answered with a total.
var sumKeywords = []string{"总计", "合计", "总和", "总共", "一共"}

// Provider builds per-job analyzers so chart artifacts land in the job's own
// plots directory.
type Provider struct {
	logger    *slog.Logger
	artifacts *services.ArtifactWriter
}

var _ ports.AnalyzerProvider = (*Provider)(nil)

func NewProvider(logger *slog.Logger, artifacts *services.ArtifactWriter) *Provider {
	return &Provider{logger: logger, artifacts: artifacts}
}

func (p *Provider) ForJob(jobID domain.JobID) ports.Analyzer {
	return &analyzer{logger: p.logger, artifacts: p.artifacts, jobID: jobID}
}

// analyzer is the built-in analysis stage: summary statistics over the
// extracted table, a total for aggregate questions, or a rendered chart for
// chart-intent queries.
type analyzer struct {
	logger    *slog.Logger
	artifacts *services.ArtifactWriter
	jobID     domain.JobID
}

func (a *analyzer) Analyze(ctx context.Context, table *domain.Table, query string, report domain.ProgressFunc) (*domain.AnalysisOutput, error) {
	if table.Empty() {
		return nil, domain.ErrNoResult
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(12, "分析查询意图")

	series := numericSeries(table)

	report(27, "准备分析数据")

	switch {
	case containsAny(query, chartKeywords):
		report(56, "生成图表")
		path, err := a.renderChart(table, series, query)
		if err != nil {
			return nil, err
		}
		report(85, "图表生成完成")
		return domain.StringOutput(path), nil

	case containsAny(query, sumKeywords):
		report(56, "计算汇总指标")
		text := summarizeTotals(table, series)
		if text == "" {
			return nil, domain.ErrNoResult
		}
		report(85, "汇总计算完成")
		return domain.StringOutput(text), nil

	default:
		report(56, "计算统计指标")
		text := summarizeStats(table, series)
		if text == "" {
			return nil, domain.ErrNoResult
		}
		report(85, "统计分析完成")
		return domain.StringOutput(text), nil
	}
}

// renderChart writes an SVG chart into the job's plots directory and returns
// the client-relative path.
func (a *analyzer) renderChart(table *domain.Table, series []metricSeries, query string) (string, error) {
	if len(series) == 0 {
		return "", domain.ErrNoResult
	}

	dir := a.artifacts.PlotsDir(a.jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create plots dir: %w", err)
	}

	kind := chartBar
	if len(table.Rows) > 1 && containsAny(query, []string{"趋势", "走势", "变化"}) {
		kind = chartLine
	}

	svg := renderSVG(table.Columns[0], table.Rows, series, kind)

	name := fmt.Sprintf("%s_PDA_chart.svg", time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create chart temp file: %w", err)
	}
	if _, err := tmp.WriteString(svg); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write chart: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close chart temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize chart: %w", err)
	}

	a.logger.Info("chart rendered", "job_id", a.jobID, "path", path)
	return a.artifacts.Rel(path), nil
}

// metricSeries is one numeric column of the extracted table.
type metricSeries struct {
	Name   string
	Col    int
	Values []float64
}

// numericSeries extracts the columns whose cells parse as numbers. The first
// column is the report period axis and is always skipped.
func numericSeries(table *domain.Table) []metricSeries {
	var out []metricSeries
	for c := 1; c < len(table.Columns); c++ {
		vals := make([]float64, 0, len(table.Rows))
		ok := true
		for _, row := range table.Rows {
			if c >= len(row) || strings.TrimSpace(row[c]) == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.ReplaceAll(row[c], ",", ""), 64)
			if err != nil {
				ok = false
				break
			}
			vals = append(vals, v)
		}
		if ok && len(vals) > 0 {
			out = append(out, metricSeries{Name: table.Columns[c], Col: c, Values: vals})
		}
	}
	return out
}

func summarizeTotals(table *domain.Table, series []metricSeries) string {
	if len(series) == 0 {
		return ""
	}
	var parts []string
	for _, s := range series {
		var sum float64
		for _, v := range s.Values {
			sum += v
		}
		parts = append(parts, fmt.Sprintf("%s总计 %s", s.Name, formatNumber(sum)))
	}
	return strings.Join(parts, "；")
}

func summarizeStats(table *domain.Table, series []metricSeries) string {
	if len(series) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "共 %d 期数据。", len(table.Rows))
	for _, s := range series {
		min, max, sum := s.Values[0], s.Values[0], 0.0
		for _, v := range s.Values {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			sum += v
		}
		latest := s.Values[len(s.Values)-1]
		fmt.Fprintf(&sb, "%s：最新 %s，最高 %s，最低 %s，均值 %s。",
			s.Name, formatNumber(latest), formatNumber(max), formatNumber(min),
			formatNumber(sum/float64(len(s.Values))))
	}
	return sb.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
