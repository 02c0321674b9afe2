package services

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
)

// StageTag is the fixed artifact prefix for one stage. Downstream consumers
// key off these strings, so they are part of the stable on-disk contract.
type StageTag string

const (
	TagInterpret StageTag = "QPA"
	TagExtract   StageTag = "DFA"
	TagAnalyze   StageTag = "PDA"
)

const artifactTimestampLayout = "20060102_150405"

// ArtifactWriter persists stage outputs under a per-job directory:
//
//	<root>/<job_id>/{timestamp}_{stageTag}_{kind}.{ext}
//	<root>/<job_id>/plots/
//
// Writes go through a temp file plus rename so a crashed writer never
// leaves a half-written artifact behind.
type ArtifactWriter struct {
	root string
}

func NewArtifactWriter(root string) *ArtifactWriter {
	return &ArtifactWriter{root: strings.TrimSpace(root)}
}

func (w *ArtifactWriter) Root() string { return w.root }

func (w *ArtifactWriter) JobDir(jobID domain.JobID) string {
	return filepath.Join(w.root, string(jobID))
}

func (w *ArtifactWriter) PlotsDir(jobID domain.JobID) string {
	return filepath.Join(w.JobDir(jobID), "plots")
}

// Rel rewrites an absolute artifact path relative to the output root's
// parent, so clients see stable "output/..." paths regardless of where the
// root lives on disk.
func (w *ArtifactWriter) Rel(path string) string {
	if path == "" {
		return path
	}
	parent := filepath.Dir(w.root)
	if rel, err := filepath.Rel(parent, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}

// Abs resolves a client-relative artifact path back to disk. It returns an
// error for paths escaping the output root.
func (w *ArtifactWriter) Abs(rel string) (string, error) {
	parent := filepath.Dir(w.root)
	abs := filepath.Clean(filepath.Join(parent, filepath.FromSlash(rel)))
	rootAbs := filepath.Clean(w.root)
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes output root", rel)
	}
	return abs, nil
}

// WriteJSON persists v as an indented JSON artifact and returns its path.
func (w *ArtifactWriter) WriteJSON(jobID domain.JobID, tag StageTag, kind string, v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s artifact: %w", tag, err)
	}
	b = append(b, '\n')
	return w.write(jobID, tag, kind, "json", b)
}

// WriteCSV persists a table as a delimited artifact and returns its path.
func (w *ArtifactWriter) WriteCSV(jobID domain.JobID, tag StageTag, kind string, table *domain.Table) (string, error) {
	var sb strings.Builder
	cw := csv.NewWriter(&sb)
	if err := cw.Write(table.Columns); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(table.Rows); err != nil {
		return "", fmt.Errorf("write csv rows: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return w.write(jobID, tag, kind, "csv", []byte(sb.String()))
}

// WriteText persists a text artifact and returns its path.
func (w *ArtifactWriter) WriteText(jobID domain.JobID, tag StageTag, kind string, text string) (string, error) {
	return w.write(jobID, tag, kind, "txt", []byte(text))
}

func (w *ArtifactWriter) write(jobID domain.JobID, tag StageTag, kind, ext string, data []byte) (string, error) {
	dir := w.JobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.%s", time.Now().Format(artifactTimestampLayout), tag, kind, ext)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return finalPath, nil
}
