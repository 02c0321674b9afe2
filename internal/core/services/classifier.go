package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/finchat/finchat/internal/core/domain"
)

const (
	noticeTableReady = "数据已生成表格，请查看或下载文件。"
	noticePlotReady  = "(图表已生成)"
	noticeSeeFiles   = "(分析完成，请查看文件)"
)

var plotExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".svg":  true,
}

// ClassifiedResult is the single typed record a job's heterogeneous
// analysis output collapses into.
type ClassifiedResult struct {
	Type    domain.ResultType
	Content string
	Path    string
	// Files groups artifact paths by kind ("dataframe", "plots", "ai_text")
	// for the status surface.
	Files map[string][]string
}

// ResultClassifier maps a stage-3 output to exactly one
// (type, content, path) triple.
//
// The five-branch priority below is observable behavior and must not be
// reordered: a textual answer that merely looks like a path would otherwise
// be misclassified as a plot.
type ResultClassifier struct {
	logger    *slog.Logger
	artifacts *ArtifactWriter
	// plotPrefix is the client-relative output root a plot path must live
	// under to be trusted as an artifact reference.
	plotPrefix string
}

func NewResultClassifier(logger *slog.Logger, artifacts *ArtifactWriter, plotPrefix string) *ResultClassifier {
	if plotPrefix == "" {
		plotPrefix = "output/"
	}
	if !strings.HasSuffix(plotPrefix, "/") {
		plotPrefix += "/"
	}
	return &ResultClassifier{logger: logger, artifacts: artifacts, plotPrefix: plotPrefix}
}

// Classify inspects out and produces the result record, writing the table
// or text artifact as a side effect.
func (c *ResultClassifier) Classify(jobID domain.JobID, out *domain.AnalysisOutput) (ClassifiedResult, error) {
	if out == nil || out.Kind == domain.AnalysisNone {
		return ClassifiedResult{}, &domain.ClassificationError{Detail: "nil analysis output"}
	}

	// 1. Tabular value: persist as a delimited artifact.
	if out.Kind == domain.AnalysisTable {
		if out.Table.Empty() {
			return ClassifiedResult{}, &domain.ClassificationError{Detail: "empty table output"}
		}
		p, err := c.artifacts.WriteCSV(jobID, TagAnalyze, "dataframe", out.Table)
		if err != nil {
			// Keep the analysis text-visible rather than losing the run to a
			// disk error; the degradation is logged for the operator.
			c.logger.Error("saving analysis table failed, degrading to text",
				"job_id", jobID, "error", err)
			return c.textResult(jobID, fmt.Sprintf("生成了表格数据，但保存为CSV文件时出错: %v", err), "")
		}
		rel := c.artifacts.Rel(p)
		return ClassifiedResult{
			Type:    domain.ResultTypeTable,
			Content: noticeTableReady,
			Path:    rel,
			Files:   map[string][]string{"dataframe": {rel}},
		}, nil
	}

	// 2. A string shaped like a rendered chart path under the output root.
	if out.Kind == domain.AnalysisString {
		if c.looksLikePlotPath(out.Str) {
			return ClassifiedResult{
				Type:    domain.ResultTypePlot,
				Content: noticePlotReady,
				Path:    out.Str,
				Files:   map[string][]string{"plots": {out.Str}},
			}, nil
		}
		// 5 (string arm). Plain text answer.
		return c.textResult(jobID, out.Str, "")
	}

	obj := out.Object
	if obj == nil {
		return ClassifiedResult{}, &domain.ClassificationError{Detail: "object output without payload"}
	}

	// 3. Explicit plot tag.
	if obj.Type == "plot" && obj.Value != "" {
		content := obj.Response
		if content == "" {
			content = noticePlotReady
		}
		return ClassifiedResult{
			Type:    domain.ResultTypePlot,
			Content: content,
			Path:    obj.Value,
			Files:   map[string][]string{"plots": {obj.Value}},
		}, nil
	}

	// 4. Response text, optionally carrying a legacy plot_path attachment.
	if obj.Response != "" {
		return c.textResult(jobID, obj.Response, obj.PlotPath)
	}

	// 5. Anything else: stringify.
	b, err := json.Marshal(obj)
	if err != nil {
		return ClassifiedResult{}, &domain.ClassificationError{Detail: fmt.Sprintf("unencodable object: %v", err)}
	}
	return c.textResult(jobID, string(b), "")
}

// textResult builds a text-typed record and writes the audit artifact. The
// artifact is for traceability only; ResultContent stays the dominant field.
func (c *ResultClassifier) textResult(jobID domain.JobID, content, legacyPath string) (ClassifiedResult, error) {
	res := ClassifiedResult{
		Type:    domain.ResultTypeText,
		Content: content,
		Files:   map[string][]string{},
	}
	if legacyPath != "" {
		res.Path = legacyPath
		res.Files["plots"] = []string{legacyPath}
	}

	p, err := c.artifacts.WriteText(jobID, TagAnalyze, "response", content)
	if err != nil {
		c.logger.Error("saving text artifact failed", "job_id", jobID, "error", err)
	} else {
		res.Files["ai_text"] = []string{c.artifacts.Rel(p)}
	}
	return res, nil
}

func (c *ResultClassifier) looksLikePlotPath(s string) bool {
	if !strings.HasPrefix(s, c.plotPrefix) {
		return false
	}
	return plotExtensions[strings.ToLower(path.Ext(s))]
}
