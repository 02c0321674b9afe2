package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ProgressFunc is the sink a stage reports progress through. localPercent is
// the stage's own 0-100 range; the coordinator remaps it into the job-wide
// percentage. Calls must be non-decreasing within one stage attempt.
type ProgressFunc func(localPercent float64, label string)

// NopProgress discards progress reports. Useful for callers that run a stage
// outside a job context.
func NopProgress(float64, string) {}

// DateRange bounds a query by report period, inclusive. Dates use the
// warehouse period format, e.g. "20231231".
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MetricRef names one financial metric and the warehouse table it lives in.
// The wire form, produced by the interpretation stage, is
// "<metric> from:<table>".
type MetricRef struct {
	Metric string `json:"metric"`
	Table  string `json:"table"`
}

func (m MetricRef) String() string {
	return m.Metric + " from:" + m.Table
}

// ParseMetricRef parses the "<metric> from:<table>" wire form.
func ParseMetricRef(s string) (MetricRef, error) {
	idx := strings.LastIndex(s, " from:")
	if idx <= 0 {
		return MetricRef{}, fmt.Errorf("malformed metric ref %q", s)
	}
	ref := MetricRef{
		Metric: strings.TrimSpace(s[:idx]),
		Table:  strings.TrimSpace(s[idx+len(" from:"):]),
	}
	if ref.Metric == "" || ref.Table == "" {
		return MetricRef{}, fmt.Errorf("malformed metric ref %q", s)
	}
	return ref, nil
}

// StructuredIntent is the interpretation stage's output: the query reduced
// to a date range, entity filters and the metrics to extract.
type StructuredIntent struct {
	Query     string      `json:"query"`
	DateRange DateRange   `json:"date_range"`
	Entities  []string    `json:"entities,omitempty"`
	Metrics   []MetricRef `json:"metrics"`
}

// Table is an in-memory tabular value passed between the extraction and
// analysis stages. Cells are kept as strings; numeric interpretation is the
// consumer's concern.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

func (t *Table) Empty() bool {
	return t == nil || len(t.Columns) == 0 || len(t.Rows) == 0
}

// AnalysisKind discriminates the analysis stage's heterogeneous output.
type AnalysisKind int

const (
	AnalysisNone AnalysisKind = iota
	AnalysisTable
	AnalysisString
	// AnalysisObjectKind carries the suffix only to stay clear of the
	// AnalysisObject struct below.
	AnalysisObjectKind
)

// AnalysisObject is the structured form an analysis backend may emit:
// either an explicit plot tag, or a response text with an optional legacy
// plot_path attachment.
type AnalysisObject struct {
	Type     string `json:"type,omitempty"`
	Value    string `json:"value,omitempty"`
	Response string `json:"response,omitempty"`
	PlotPath string `json:"plot_path,omitempty"`
}

// AnalysisOutput is the tagged union returned by the analysis stage. Exactly
// one payload field is meaningful, selected by Kind.
type AnalysisOutput struct {
	Kind   AnalysisKind
	Table  *Table
	Str    string
	Object *AnalysisObject
}

func TableOutput(t *Table) *AnalysisOutput {
	return &AnalysisOutput{Kind: AnalysisTable, Table: t}
}

func StringOutput(s string) *AnalysisOutput {
	return &AnalysisOutput{Kind: AnalysisString, Str: s}
}

func ObjectOutput(o *AnalysisObject) *AnalysisOutput {
	return &AnalysisOutput{Kind: AnalysisObjectKind, Object: o}
}

// ErrNoResult is the "no result produced" sentinel. A stage returning it is
// treated as a retryable failure even though the call itself succeeded.
var ErrNoResult = errors.New("stage produced no result")

// StageError is a stage failure after its retry budget is exhausted. It
// carries the attempt history for diagnostics.
type StageError struct {
	Stage    string
	Attempts []string
	Cause    error
}

func (e *StageError) Error() string {
	if len(e.Attempts) > 1 {
		return fmt.Sprintf("%s: %d attempts failed, last error: %v (previous: %s)",
			e.Stage, len(e.Attempts), e.Cause, strings.Join(e.Attempts[:len(e.Attempts)-1], "; "))
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// ClassificationError marks a stage-3 output no classifier branch accepts.
// It fails the job instead of silently defaulting, so analysis bugs do not
// surface as blank results.
type ClassificationError struct {
	Detail string
}

func (e *ClassificationError) Error() string {
	return "unclassifiable analysis output: " + e.Detail
}
