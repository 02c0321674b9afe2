package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchat/finchat/internal/core/domain"
)

type coordinatorEnv struct {
	coordinator *JobCoordinator
	jobs        *fakeJobStore
	messages    *fakeMessageStore
	bus         *EventBus
	interpreter *fakeInterpreter
	extractor   *fakeExtractor
	analyzer    *fakeAnalyzer
}

func newCoordinatorEnv(t *testing.T, interp *fakeInterpreter, ext *fakeExtractor, an *fakeAnalyzer) *coordinatorEnv {
	t.Helper()
	logger := testLogger()
	jobs := newFakeJobStore()
	messages := &fakeMessageStore{}
	bus := NewEventBus(logger)
	artifacts := NewArtifactWriter(filepath.Join(t.TempDir(), "output"))
	classifier := NewResultClassifier(logger, artifacts, "")
	runner := NewStageRunner(logger, DefaultRetryPolicy())

	coordinator := NewJobCoordinator(logger, jobs, messages, bus, artifacts,
		classifier, runner, interp, ext, &fakeAnalyzerProvider{analyzer: an})

	return &coordinatorEnv{
		coordinator: coordinator,
		jobs:        jobs,
		messages:    messages,
		bus:         bus,
		interpreter: interp,
		extractor:   ext,
		analyzer:    an,
	}
}

func testRequest() RunRequest {
	return RunRequest{
		JobID:          "job-1",
		OwnerID:        "alice",
		ConversationID: "conv-1",
		Query:          "2021年营业收入总计",
	}
}

func TestCoordinator_TextSuccess(t *testing.T) {
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){okIntent}},
		&fakeExtractor{results: []func(domain.ProgressFunc) (*domain.Table, error){okTable}},
		&fakeAnalyzer{fn: func(report domain.ProgressFunc) (*domain.AnalysisOutput, error) {
			report(50, "计算汇总指标")
			return domain.StringOutput("营业收入总计 120亿"), nil
		}},
	)

	env.coordinator.Run(context.Background(), testRequest())

	job := env.jobs.get(t, "job-1")
	assert.Equal(t, domain.JobStatusSuccess, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, "分析完成", job.Stage)
	assert.Equal(t, domain.ResultTypeText, job.ResultType)
	require.NotNil(t, job.ResultContent)
	assert.Equal(t, "营业收入总计 120亿", *job.ResultContent)
	assert.Nil(t, job.ResultPath)
	assert.Nil(t, job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.StartedAt)

	// One user message on acceptance, one agent message on success.
	msgs := env.messages.all()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsFromUser)
	assert.Equal(t, "2021年营业收入总计", msgs[0].Content)
	assert.False(t, msgs[1].IsFromUser)
	assert.Equal(t, "营业收入总计 120亿", msgs[1].Content)
	assert.Equal(t, string(domain.ResultTypeText), msgs[1].ContentType)
}

func TestCoordinator_PlotSuccess(t *testing.T) {
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){okIntent}},
		&fakeExtractor{results: []func(domain.ProgressFunc) (*domain.Table, error){okTable}},
		&fakeAnalyzer{fn: func(domain.ProgressFunc) (*domain.AnalysisOutput, error) {
			return domain.StringOutput("output/job123/plots/chart1.png"), nil
		}},
	)

	env.coordinator.Run(context.Background(), testRequest())

	job := env.jobs.get(t, "job-1")
	assert.Equal(t, domain.JobStatusSuccess, job.Status)
	assert.Equal(t, domain.ResultTypePlot, job.ResultType)
	require.NotNil(t, job.ResultPath)
	assert.Equal(t, "output/job123/plots/chart1.png", *job.ResultPath)
	require.NotNil(t, job.ResultContent)
	assert.Equal(t, "(图表已生成)", *job.ResultContent)

	// Agent message carries the file reference.
	msgs := env.messages.all()
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].FilePath)
	assert.Equal(t, "output/job123/plots/chart1.png", *msgs[1].FilePath)
}

func TestCoordinator_ExtractionExhaustionFreezesProgress(t *testing.T) {
	failing := func(report domain.ProgressFunc) (*domain.Table, error) {
		return nil, errors.New("warehouse unreachable")
	}
	analyzer := &fakeAnalyzer{fn: func(domain.ProgressFunc) (*domain.AnalysisOutput, error) {
		return domain.StringOutput("should never run"), nil
	}}
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){okIntent}},
		&fakeExtractor{results: []func(domain.ProgressFunc) (*domain.Table, error){failing}},
		analyzer,
	)

	env.coordinator.Run(context.Background(), testRequest())

	job := env.jobs.get(t, "job-1")
	assert.Equal(t, domain.JobStatusFailure, job.Status)
	// Stage 2 never reported, so progress froze at the band entry.
	assert.Equal(t, 33.0, job.Progress)
	assert.Equal(t, "开始准备数据获取", job.Stage)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "3 attempts failed")
	assert.Contains(t, *job.ErrorMessage, "warehouse unreachable")
	require.NotNil(t, job.CompletedAt)

	// Stage 3 must not run after stage 2 exhausted its budget.
	assert.Equal(t, 0, analyzer.calls)
	assert.Equal(t, 3, env.extractor.calls)

	// No agent message on failure.
	msgs := env.messages.all()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsFromUser)
}

func TestCoordinator_RetryTransparency(t *testing.T) {
	// First extraction attempt reports progress then fails; the second
	// succeeds. External state must look like a single successful run.
	flaky := []func(domain.ProgressFunc) (*domain.Table, error){
		func(report domain.ProgressFunc) (*domain.Table, error) {
			report(52, "合并查询结果")
			return nil, domain.ErrNoResult
		},
		okTable,
	}
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){okIntent}},
		&fakeExtractor{results: flaky},
		&fakeAnalyzer{fn: func(domain.ProgressFunc) (*domain.AnalysisOutput, error) {
			return domain.StringOutput("营业收入总计 120亿"), nil
		}},
	)

	env.coordinator.Run(context.Background(), testRequest())

	job := env.jobs.get(t, "job-1")
	assert.Equal(t, domain.JobStatusSuccess, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, 2, env.extractor.calls)
}

func TestCoordinator_UnclassifiableOutputFails(t *testing.T) {
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){okIntent}},
		&fakeExtractor{results: []func(domain.ProgressFunc) (*domain.Table, error){okTable}},
		&fakeAnalyzer{fn: func(domain.ProgressFunc) (*domain.AnalysisOutput, error) {
			return &domain.AnalysisOutput{Kind: domain.AnalysisNone}, nil
		}},
	)

	env.coordinator.Run(context.Background(), testRequest())

	job := env.jobs.get(t, "job-1")
	assert.Equal(t, domain.JobStatusFailure, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "unclassifiable analysis output")
}

func TestCoordinator_PanicFailsJob(t *testing.T) {
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){
			func(domain.ProgressFunc) (*domain.StructuredIntent, error) {
				panic("interpreter bug")
			},
		}},
		&fakeExtractor{results: []func(domain.ProgressFunc) (*domain.Table, error){okTable}},
		&fakeAnalyzer{fn: func(domain.ProgressFunc) (*domain.AnalysisOutput, error) {
			return domain.StringOutput("x"), nil
		}},
	)

	env.coordinator.Run(context.Background(), testRequest())

	job := env.jobs.get(t, "job-1")
	assert.Equal(t, domain.JobStatusFailure, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "internal error")
}

func TestCoordinator_TerminalEventPublished(t *testing.T) {
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){okIntent}},
		&fakeExtractor{results: []func(domain.ProgressFunc) (*domain.Table, error){okTable}},
		&fakeAnalyzer{fn: func(domain.ProgressFunc) (*domain.AnalysisOutput, error) {
			return domain.StringOutput("营业收入总计 120亿"), nil
		}},
	)

	ch, unsub := env.bus.Subscribe("job-1")
	defer unsub()

	env.coordinator.Run(context.Background(), testRequest())

	var sawResult bool
	for len(ch) > 0 {
		evt := <-ch
		if evt.Type == EventTypeResult {
			sawResult = true
			assert.Contains(t, evt.Data, `"status":"SUCCESS"`)
			assert.Contains(t, evt.Data, `"progress":100`)
		}
	}
	assert.True(t, sawResult)
}

func TestCoordinator_ProgressNeverRegresses(t *testing.T) {
	env := newCoordinatorEnv(t,
		&fakeInterpreter{results: []func(domain.ProgressFunc) (*domain.StructuredIntent, error){okIntent}},
		&fakeExtractor{results: []func(domain.ProgressFunc) (*domain.Table, error){okTable}},
		&fakeAnalyzer{fn: func(report domain.ProgressFunc) (*domain.AnalysisOutput, error) {
			report(12, "分析查询意图")
			report(85, "统计分析完成")
			return domain.StringOutput("done"), nil
		}},
	)

	ch, unsub := env.bus.Subscribe("job-1")
	defer unsub()

	env.coordinator.Run(context.Background(), testRequest())

	var last float64
	for len(ch) > 0 {
		evt := <-ch
		var payload ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(evt.Data), &payload))
		assert.GreaterOrEqual(t, payload.Progress, last, "progress regressed")
		last = payload.Progress
	}
	assert.Equal(t, 100.0, last)
}
