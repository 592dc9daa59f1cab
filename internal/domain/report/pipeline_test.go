package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	results map[uuid.UUID]*AnalysisResult
	saveErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{results: make(map[uuid.UUID]*AnalysisResult)}
}

func (m *mockRepo) Save(_ context.Context, r *AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	r.ID = uuid.New()
	m.results[r.ID] = r
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return r, nil
}

func (m *mockRepo) ListByUser(_ context.Context, userID string, limit, offset int) ([]*AnalysisResult, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AnalysisResult
	for _, r := range m.results {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadDate.After(out[j].UploadDate) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// -- Harness --

type harness struct {
	p     *Pipeline
	tasks *InMemoryTaskStore
	queue *InMemoryQueue
	repo  *mockRepo
	text  *fakeTextBackend
	ai    *fakeJSONBackend
	gen   *fakeTextGen
}

func newHarness() *harness {
	return newHarnessWithQueue(16)
}

func newHarnessWithQueue(size int) *harness {
	h := &harness{
		tasks: NewInMemoryTaskStore(),
		queue: NewInMemoryQueue(size),
		repo:  newMockRepo(),
		text:  &fakeTextBackend{direct: bornDigitalText},
		ai:    &fakeJSONBackend{out: `{"indicators":[{"Indicator":"Hemoglobin","Value":"13.5 g/dL"}]}`},
		gen:   &fakeTextGen{out: "Your results look normal."},
	}
	h.p = NewPipeline(
		h.tasks, h.queue,
		NewTextExtractor(h.text),
		NewIndicatorExtractor(h.ai),
		NewSummarizer(h.gen),
		h.repo,
		zerolog.Nop(),
	)
	return h
}

// flakyTaskStore fails the next `failures` transitions into failOn.
type flakyTaskStore struct {
	TaskStore
	mu       sync.Mutex
	failOn   State
	failures int
	err      error
}

func (s *flakyTaskStore) Transition(ctx context.Context, id string, to State, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	if to == s.failOn && s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, s.err
	}
	s.mu.Unlock()
	return s.TaskStore.Transition(ctx, id, to, mutate)
}

// drain runs queued jobs in the calling goroutine until the queue is empty.
func (h *harness) drain(t *testing.T) []Job {
	t.Helper()
	var ran []Job
	for h.queue.Len() > 0 {
		job, err := h.queue.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		h.p.Handle(context.Background(), job)
		ran = append(ran, job)
	}
	return ran
}

func tempPDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 test"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func assertRemoved(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, stat err: %v", path, err)
	}
}

func TestPipeline_BornDigitalReport(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	path := tempPDF(t)

	id, err := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: path})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "PENDING" {
		t.Errorf("expected PENDING before processing, got %s", st.Status)
	}

	ran := h.drain(t)
	if len(ran) != 2 || ran[0].Stage != StageExtract || ran[1].Stage != StageAnalyze {
		t.Fatalf("expected extract then analyze, got %+v", ran)
	}
	if ran[1].Text != bornDigitalText {
		t.Errorf("expected stage two to receive extracted text, got %q", ran[1].Text)
	}
	if h.text.ocrCalls != 0 {
		t.Errorf("expected no OCR calls, got %d", h.text.ocrCalls)
	}

	st, err = h.p.Status(ctx, id, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s (%s)", st.Status, st.Error)
	}
	want := []Indicator{{Indicator: "Hemoglobin", Value: "13.5 g/dL"}}
	if !reflect.DeepEqual(st.Result.Indicators, want) {
		t.Errorf("expected %+v, got %+v", want, st.Result.Indicators)
	}
	if st.Result.Summary != "Your results look normal." {
		t.Errorf("unexpected summary %q", st.Result.Summary)
	}
	if st.Result.ResultID == "" {
		t.Error("expected result id on completed payload")
	}
	assertRemoved(t, path)

	if h.repo.count() != 1 {
		t.Fatalf("expected 1 persisted result, got %d", h.repo.count())
	}
	res, _ := h.repo.GetByID(ctx, uuid.MustParse(st.Result.ResultID))
	if res.UserID != "u1" || res.Filename != "cbc.pdf" || res.RawText != bornDigitalText {
		t.Errorf("unexpected persisted result: %+v", res)
	}
}

func TestPipeline_OCRFailure(t *testing.T) {
	h := newHarness()
	h.text.direct = ""
	h.text.ocrErr = errors.New("tesseract: unable to read image")
	ctx := context.Background()
	path := tempPDF(t)

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "scan.pdf", FilePath: path})
	ran := h.drain(t)

	if len(ran) != 1 {
		t.Errorf("expected stage two not to be scheduled, ran %+v", ran)
	}
	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "FAILED" {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.Error == "" || st.Result != nil {
		t.Errorf("expected extraction reason and no result, got %+v", st)
	}
	task, _ := h.tasks.Get(ctx, id)
	if task.FailureKind != FailureExtraction {
		t.Errorf("expected %s, got %s", FailureExtraction, task.FailureKind)
	}
	assertRemoved(t, path)
	if h.repo.count() != 0 {
		t.Errorf("expected no persisted result, got %d", h.repo.count())
	}
}

func TestPipeline_IndicatorServiceFailure(t *testing.T) {
	h := newHarness()
	h.ai.err = errors.New("503 service unavailable")
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	h.drain(t)

	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	if st.Result.Indicators == nil || len(st.Result.Indicators) != 0 {
		t.Errorf("expected empty indicators, got %#v", st.Result.Indicators)
	}
	if len(h.gen.prompts) != 1 {
		t.Errorf("expected summarizer to run once, got %d", len(h.gen.prompts))
	}
	if st.Result.Summary != "Your results look normal." {
		t.Errorf("unexpected summary %q", st.Result.Summary)
	}
}

func TestPipeline_SummaryServiceFailure(t *testing.T) {
	h := newHarness()
	h.gen.err = errors.New("deadline exceeded")
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	h.drain(t)

	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" || st.Result.Summary != FallbackSummary {
		t.Errorf("expected COMPLETED with fallback summary, got %+v", st)
	}
	if h.repo.count() != 1 {
		t.Errorf("expected degraded result to be persisted, got %d", h.repo.count())
	}
}

func TestPipeline_StatusIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	h.drain(t)

	first, _ := h.p.Status(ctx, id, "u1")
	for i := 0; i < 5; i++ {
		again, err := h.p.Status(ctx, id, "u1")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("expected identical status, got %+v vs %+v", first, again)
		}
	}
	if len(h.ai.reqs) != 1 || len(h.gen.prompts) != 1 {
		t.Errorf("expected no recomputation, got %d extraction and %d summary calls", len(h.ai.reqs), len(h.gen.prompts))
	}
	if h.repo.count() != 1 {
		t.Errorf("expected 1 persisted result, got %d", h.repo.count())
	}
}

func TestPipeline_DuplicateDeliverySuppressed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	ran := h.drain(t)

	for _, job := range ran {
		if err := h.p.Handle(ctx, job); err != nil {
			t.Errorf("expected redelivered %s job to be skipped, got %v", job.Stage, err)
		}
	}
	h.drain(t)

	if h.repo.count() != 1 {
		t.Errorf("expected exactly 1 persisted result, got %d", h.repo.count())
	}
	if h.text.directCalls != 1 {
		t.Errorf("expected extraction to run once, got %d", h.text.directCalls)
	}
	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %s", st.Status)
	}
}

func TestPipeline_EmptyTextFailsAnalysis(t *testing.T) {
	h := newHarness()
	h.text.direct = ""
	h.text.ocr = "   \n"
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "blank.pdf", FilePath: tempPDF(t)})
	h.drain(t)

	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "FAILED" || st.Error != NoTextMessage {
		t.Errorf("expected FAILED with %q, got %+v", NoTextMessage, st)
	}
	task, _ := h.tasks.Get(ctx, id)
	if task.FailureKind != FailureEmptyInput {
		t.Errorf("expected %s, got %s", FailureEmptyInput, task.FailureKind)
	}
	if h.repo.count() != 0 || len(h.ai.reqs) != 0 {
		t.Error("expected no AI calls and no persisted result")
	}
}

func TestPipeline_PersistenceFailureStillCompletes(t *testing.T) {
	h := newHarness()
	h.repo.saveErr = errors.New("connection refused")
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	h.drain(t)

	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	if st.Result.ResultID != "" {
		t.Errorf("expected no result id, got %s", st.Result.ResultID)
	}
	if len(st.Result.Indicators) != 1 {
		t.Errorf("expected computed payload to be returned, got %+v", st.Result)
	}
}

func TestPipeline_TextSubmissionSkipsExtraction(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	id, err := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "pasted", Text: "Hemoglobin 13.5 g/dL"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.drain(t)

	if h.text.directCalls != 0 || h.text.ocrCalls != 0 {
		t.Error("expected no extraction backend calls")
	}
	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %s", st.Status)
	}
	task, _ := h.tasks.Get(ctx, id)
	if task.SourceText != "" {
		t.Error("expected submitted text to be dropped from the task record after extraction")
	}
}

func TestPipeline_AnalysisRunsInlineWhenQueueClosed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	path := tempPDF(t)

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: path})
	job, _ := h.queue.Dequeue(ctx)
	h.queue.Close()

	if err := h.p.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" {
		t.Errorf("expected COMPLETED, got %s", st.Status)
	}
	assertRemoved(t, path)
}

func TestPipeline_SubmitFailsWhenQueueClosed(t *testing.T) {
	h := newHarness()
	h.queue.Close()

	_, err := h.p.Submit(context.Background(), Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if len(h.tasks.tasks) != 0 {
		t.Errorf("expected unscheduled task to be removed, got %d", len(h.tasks.tasks))
	}
}

func TestPipeline_SubmitValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.p.Submit(ctx, Submission{Filename: "cbc.pdf", FilePath: "x.pdf"}); err == nil {
		t.Error("expected error for missing user")
	}
	if _, err := h.p.Submit(ctx, Submission{UserID: "u1", Text: "  "}); err == nil {
		t.Error("expected error for missing file and text")
	}
}

func TestPipeline_StatusOwnership(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	if _, err := h.p.Status(ctx, id, "u2"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for another user, got %v", err)
	}
	if _, err := h.p.Status(ctx, "nope", "u1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for unknown task, got %v", err)
	}
}

func TestPipeline_UnknownStage(t *testing.T) {
	h := newHarness()
	if err := h.p.Handle(context.Background(), Job{TaskID: "x", Stage: "ship"}); err == nil {
		t.Error("expected error for unknown stage")
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	submitted []string
	stages    []string
	errs      int
	finished  []string
}

func (o *recordingObserver) Submitted(source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, source)
}

func (o *recordingObserver) StageDone(stage string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
	if err != nil {
		o.errs++
	}
}

func (o *recordingObserver) Finished(state, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, state+":"+kind)
}

func TestPipeline_Observer(t *testing.T) {
	h := newHarness()
	obs := &recordingObserver{}
	h.p.SetObserver(obs)
	ctx := context.Background()

	if _, err := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.p.Submit(ctx, Submission{UserID: "u1", Text: "   "}); err == nil {
		t.Fatal("expected blank text to be rejected")
	}
	h.drain(t)

	if !reflect.DeepEqual(obs.submitted, []string{"file"}) {
		t.Errorf("expected one file submission, got %v", obs.submitted)
	}
	if !reflect.DeepEqual(obs.stages, []string{"extract", "analyze"}) {
		t.Errorf("expected extract and analyze stages, got %v", obs.stages)
	}
	if obs.errs != 0 {
		t.Errorf("expected no stage errors, got %d", obs.errs)
	}
	if !reflect.DeepEqual(obs.finished, []string{"COMPLETED:"}) {
		t.Errorf("expected one completion, got %v", obs.finished)
	}
}

func TestPipeline_ObserverSeesFailure(t *testing.T) {
	h := newHarness()
	obs := &recordingObserver{}
	h.p.SetObserver(obs)
	h.text.direct = ""
	h.text.ocrErr = errors.New("tesseract: unable to read image")

	if _, err := h.p.Submit(context.Background(), Submission{UserID: "u1", FilePath: tempPDF(t)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.drain(t)

	if obs.errs != 1 {
		t.Errorf("expected one stage error, got %d", obs.errs)
	}
	if !reflect.DeepEqual(obs.finished, []string{"FAILED:" + FailureExtraction}) {
		t.Errorf("expected extraction failure, got %v", obs.finished)
	}
}

func TestPipeline_ClaimFailureRemovesUpload(t *testing.T) {
	h := newHarness()
	h.p.tasks = &flakyTaskStore{TaskStore: h.tasks, failOn: StateExtracting, failures: 1, err: errors.New("redis: connection reset")}
	ctx := context.Background()
	path := tempPDF(t)

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: path})
	job, _ := h.queue.Dequeue(ctx)

	if err := h.p.Handle(ctx, job); err == nil {
		t.Fatal("expected claim error")
	}
	assertRemoved(t, path)

	if err := h.p.Fail(ctx, id, FailureInternal, "internal error while processing report"); err != nil {
		t.Fatalf("expected unclaimed task to be failable, got %v", err)
	}
	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "FAILED" {
		t.Errorf("expected FAILED, got %s", st.Status)
	}
}

func TestPipeline_ExpiredTaskRemovesUpload(t *testing.T) {
	h := newHarness()
	path := tempPDF(t)

	err := h.p.Handle(context.Background(), Job{TaskID: "expired", Stage: StageExtract, FilePath: path})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	assertRemoved(t, path)
}

func TestPipeline_DuplicateExtractionKeepsUpload(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	path := tempPDF(t)

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: path})
	if _, err := h.tasks.Transition(ctx, id, StateExtracting, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	job, _ := h.queue.Dequeue(ctx)
	if err := h.p.Handle(ctx, job); err != nil {
		t.Fatalf("expected duplicate to be skipped, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected upload owned by the running job to stay, got %v", err)
	}
}

func TestPipeline_SubmitFailsFastWhenQueueFull(t *testing.T) {
	h := newHarnessWithQueue(1)
	ctx := context.Background()

	if _, err := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "a.pdf", FilePath: tempPDF(t)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	start := time.Now()
	_, err := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "b.pdf", FilePath: tempPDF(t)})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("expected submit to return immediately, took %s", d)
	}
	if len(h.tasks.tasks) != 1 {
		t.Errorf("expected only the scheduled task to remain, got %d", len(h.tasks.tasks))
	}
}

func TestPipeline_FullQueueRunsAnalysisInline(t *testing.T) {
	h := newHarnessWithQueue(1)
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "a.pdf", FilePath: tempPDF(t)})
	job, _ := h.queue.Dequeue(ctx)
	if _, err := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "b.pdf", FilePath: tempPDF(t)}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	if err := h.p.Handle(jobCtx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("expected stage two to start without waiting for queue room, took %s", d)
	}

	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" || st.Result.Summary != "Your results look normal." {
		t.Errorf("expected COMPLETED with generated summary, got %+v", st)
	}
	if h.queue.Len() != 1 {
		t.Errorf("expected the other task's job to stay queued, got %d", h.queue.Len())
	}
}

func TestPipeline_InlineAnalysisOutlivesJobDeadline(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	id, _ := h.p.Submit(ctx, Submission{UserID: "u1", Filename: "cbc.pdf", FilePath: tempPDF(t)})
	job, _ := h.queue.Dequeue(ctx)

	expired, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.p.Handle(expired, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	st, _ := h.p.Status(ctx, id, "u1")
	if st.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}
	if st.Result.Summary == FallbackSummary || len(st.Result.Indicators) != 1 {
		t.Errorf("expected analysis to run on a live context, got %+v", st.Result)
	}
}
