package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, nil))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeJobStore mirrors the repository upsert semantics in memory, including
// the monotone progress guard.
type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[domain.JobID]*domain.Job
	failAll bool
	writes  int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[domain.JobID]*domain.Job{}}
}

func (f *fakeJobStore) CreateOrUpdate(_ context.Context, jobID domain.JobID, ownerID string, upd domain.JobUpdate, convID *domain.ConversationID) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		return nil, errors.New("store unavailable")
	}
	f.writes++

	job, ok := f.jobs[jobID]
	if !ok {
		job = &domain.Job{ID: jobID, OwnerID: ownerID, Status: domain.JobStatusPending, CreatedAt: time.Now().UTC()}
		f.jobs[jobID] = job
	}
	if convID != nil {
		job.ConversationID = convID
	}
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.QueryText != nil {
		job.QueryText = *upd.QueryText
	}
	if upd.Progress != nil && *upd.Progress > job.Progress {
		job.Progress = *upd.Progress
	}
	if upd.Stage != nil {
		job.Stage = *upd.Stage
	}
	if upd.StartedAt != nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	if upd.ResultType != nil {
		job.ResultType = *upd.ResultType
	}
	if upd.ResultPath != nil {
		job.ResultPath = upd.ResultPath
	}
	if upd.ResultContent != nil {
		job.ResultContent = upd.ResultContent
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = upd.ErrorMessage
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) Get(_ context.Context, jobID domain.JobID, ownerID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, job := range f.jobs {
		if job.OwnerID == ownerID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobStore) ListStale(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, job := range f.jobs {
		if job.Status.Terminal() {
			continue
		}
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if ref.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeJobStore) get(t *testing.T, jobID domain.JobID) domain.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		t.Fatalf("job %s not in store", jobID)
	}
	return *job
}

// fakeMessageStore records appended messages in order.
type fakeMessageStore struct {
	mu       sync.Mutex
	messages []domain.Message
	failing  bool
}

func (f *fakeMessageStore) Append(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("message store unavailable")
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeMessageStore) ListByConversation(_ context.Context, convID domain.ConversationID, _ int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) all() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.messages...)
}

// fakeConversationStore is the minimal ports.ConversationStore.
type fakeConversationStore struct {
	mu    sync.Mutex
	convs map[domain.ConversationID]domain.Conversation
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{convs: map[domain.ConversationID]domain.Conversation{}}
}

func (f *fakeConversationStore) Create(_ context.Context, conv domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ID] = conv
	return nil
}

func (f *fakeConversationStore) Get(_ context.Context, id domain.ConversationID, ownerID string) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok || conv.OwnerID != ownerID {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return conv, nil
}

func (f *fakeConversationStore) ListByOwner(_ context.Context, ownerID string) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Conversation
	for _, conv := range f.convs {
		if conv.OwnerID == ownerID {
			out = append(out, conv)
		}
	}
	return out, nil
}

// Scriptable stage fakes.

type fakeInterpreter struct {
	results []func(domain.ProgressFunc) (*domain.StructuredIntent, error)
	calls   int
}

func (f *fakeInterpreter) Interpret(_ context.Context, _ string, report domain.ProgressFunc) (*domain.StructuredIntent, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i](report)
}

type fakeExtractor struct {
	results []func(domain.ProgressFunc) (*domain.Table, error)
	calls   int
}

func (f *fakeExtractor) Extract(_ context.Context, _ *domain.StructuredIntent, report domain.ProgressFunc) (*domain.Table, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i](report)
}

type fakeAnalyzer struct {
	fn    func(domain.ProgressFunc) (*domain.AnalysisOutput, error)
	calls int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ *domain.Table, _ string, report domain.ProgressFunc) (*domain.AnalysisOutput, error) {
	f.calls++
	return f.fn(report)
}

type fakeAnalyzerProvider struct {
	analyzer *fakeAnalyzer
}

func (f *fakeAnalyzerProvider) ForJob(domain.JobID) ports.Analyzer {
	return f.analyzer
}

func okIntent(report domain.ProgressFunc) (*domain.StructuredIntent, error) {
	report(50, "提取查询关键信息")
	return &domain.StructuredIntent{
		Query:   "2021年营业收入",
		Metrics: []domain.MetricRef{{Metric: "营业收入", Table: "income_table"}},
	}, nil
}

func okTable(report domain.ProgressFunc) (*domain.Table, error) {
	report(50, "执行数据查询")
	return &domain.Table{
		Columns: []string{"报告期", "营业收入"},
		Rows:    [][]string{{"20211231", "120"}},
	}, nil
}
