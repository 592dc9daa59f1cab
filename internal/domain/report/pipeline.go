package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	finalWriteTimeout     = 10 * time.Second
	defaultInlineAnalysis = 5 * time.Minute
)

// Submission describes an accepted upload.
type Submission struct {
	UserID      string
	Filename    string
	FilePath    string
	StoragePath string
	// Text, when set, replaces file extraction.
	Text string
}

// Pipeline runs the two report stages and answers status queries.
type Pipeline struct {
	tasks      TaskStore
	queue      Queue
	extractor  *TextExtractor
	indicators *IndicatorExtractor
	summarizer *Summarizer
	results    Repository
	logger     zerolog.Logger
	observer   Observer

	inlineTimeout time.Duration
}

// Observer receives pipeline outcomes, typically for metrics.
type Observer interface {
	Submitted(source string)
	StageDone(stage string, d time.Duration, err error)
	Finished(state, failureKind string)
}

type nopObserver struct{}

func (nopObserver) Submitted(string)                       {}
func (nopObserver) StageDone(string, time.Duration, error) {}
func (nopObserver) Finished(string, string)                {}

func NewPipeline(
	tasks TaskStore,
	queue Queue,
	extractor *TextExtractor,
	indicators *IndicatorExtractor,
	summarizer *Summarizer,
	results Repository,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		tasks:      tasks,
		queue:      queue,
		extractor:  extractor,
		indicators: indicators,
		summarizer: summarizer,
		results:    results,
		logger:     logger,
		observer:   nopObserver{},

		inlineTimeout: defaultInlineAnalysis,
	}
}

// SetObserver installs o. Call it before the pipeline starts serving.
func (p *Pipeline) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	p.observer = o
}

// SetInlineAnalysisTimeout bounds stage two when it has to run inside the
// stage one job because the queue refused it.
func (p *Pipeline) SetInlineAnalysisTimeout(d time.Duration) {
	if d > 0 {
		p.inlineTimeout = d
	}
}

// Submit records a SUBMITTED task and schedules stage one. It returns the
// task handle without waiting for any processing.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if sub.FilePath == "" && strings.TrimSpace(sub.Text) == "" {
		return "", fmt.Errorf("a file or text is required")
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.New().String(),
		UserID:      sub.UserID,
		Filename:    sub.Filename,
		FilePath:    sub.FilePath,
		StoragePath: sub.StoragePath,
		SourceText:  sub.Text,
		State:       StateSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.tasks.Create(ctx, t); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := p.queue.Enqueue(ctx, Job{TaskID: t.ID, Stage: StageExtract, FilePath: t.FilePath}); err != nil {
		if delErr := p.tasks.Delete(ctx, t.ID); delErr != nil {
			p.logger.Error().Err(delErr).Str("task_id", t.ID).Msg("failed to remove unscheduled task")
		}
		return "", fmt.Errorf("enqueue extraction: %w", err)
	}

	source := "file"
	if sub.FilePath == "" {
		source = "text"
	}
	p.observer.Submitted(source)
	p.logger.Info().Str("task_id", t.ID).Str("user_id", t.UserID).Str("filename", t.Filename).Msg("report submitted")
	return t.ID, nil
}

// Handle dispatches a dequeued job to its stage.
func (p *Pipeline) Handle(ctx context.Context, job Job) error {
	ctx = p.logger.With().Str("task_id", job.TaskID).Str("stage", string(job.Stage)).Logger().WithContext(ctx)
	start := time.Now()
	var err error
	switch job.Stage {
	case StageExtract:
		err = p.RunExtraction(ctx, job.TaskID, job.FilePath)
	case StageAnalyze:
		err = p.RunAnalysis(ctx, job.TaskID, job.Text)
	default:
		return fmt.Errorf("unknown stage %q", job.Stage)
	}
	p.observer.StageDone(string(job.Stage), time.Since(start), err)
	return err
}

// RunExtraction is stage one. It only runs for a SUBMITTED task, so a
// redelivered job is a no-op. filePath is the upload named by the job; it
// is removed on every path except a detected duplicate, which leaves the
// file to the job that owns it.
func (p *Pipeline) RunExtraction(ctx context.Context, taskID, filePath string) error {
	log := zerolog.Ctx(ctx)

	t, err := p.tasks.Transition(ctx, taskID, StateExtracting, nil)
	if errors.Is(err, ErrInvalidTransition) {
		log.Warn().Err(err).Msg("duplicate extraction job skipped")
		return nil
	}
	if err != nil {
		if filePath != "" {
			removeFile(log, filePath)
		}
		return fmt.Errorf("claim task: %w", err)
	}
	if t.FilePath != "" && t.FilePath != filePath {
		defer removeFile(log, t.FilePath)
	}
	if filePath != "" {
		defer removeFile(log, filePath)
	}

	text := t.SourceText
	if t.FilePath != "" {
		text, err = p.extractor.Extract(ctx, t.FilePath)
		if err != nil {
			log.Error().Err(err).Str("failure", FailureExtraction).Msg("text extraction failed")
			p.finish(ctx, taskID, StateFailed, func(t *Task) {
				t.FailureKind = FailureExtraction
				t.Error = err.Error()
			})
			return err
		}
	}

	if _, err := p.finish(ctx, taskID, StateExtracted, func(t *Task) { t.SourceText = "" }); err != nil {
		return err
	}

	job := Job{TaskID: taskID, Stage: StageAnalyze, Text: text}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		log.Warn().Err(err).Msg("could not schedule analysis, running inline")
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.inlineTimeout)
		defer cancel()
		return p.RunAnalysis(actx, taskID, text)
	}
	log.Info().Int("chars", len(text)).Msg("extraction complete, analysis scheduled")
	return nil
}

// RunAnalysis is stage two: indicators, then summary, then one persisted
// result. AI failures degrade inside the extractors; only missing text
// fails the task.
func (p *Pipeline) RunAnalysis(ctx context.Context, taskID, text string) error {
	log := zerolog.Ctx(ctx)

	t, err := p.tasks.Transition(ctx, taskID, StateAnalyzing, nil)
	if errors.Is(err, ErrInvalidTransition) {
		log.Warn().Err(err).Msg("duplicate analysis job skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}

	if strings.TrimSpace(text) == "" {
		log.Warn().Str("failure", FailureEmptyInput).Msg("no text to analyze")
		p.finish(ctx, taskID, StateFailed, func(t *Task) {
			t.FailureKind = FailureEmptyInput
			t.Error = NoTextMessage
		})
		return ErrNoText
	}

	indicators := p.indicators.Extract(ctx, text)
	summary := p.summarizer.Summarize(ctx, indicators, text)
	payload := &Payload{Indicators: indicators, Summary: summary}

	res := &AnalysisResult{
		UserID:      t.UserID,
		Filename:    t.Filename,
		UploadDate:  t.CreatedAt,
		RawText:     text,
		Summary:     summary,
		Indicators:  indicators,
		StoragePath: t.StoragePath,
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	err = p.results.Save(saveCtx, res)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("failure", "persistence_failed").Msg("analysis result not saved")
	} else {
		payload.ResultID = res.ID.String()
	}

	if _, err := p.finish(ctx, taskID, StateCompleted, func(t *Task) { t.Result = payload }); err != nil {
		return err
	}
	log.Info().Int("indicators", len(indicators)).Str("result_id", payload.ResultID).Msg("analysis complete")
	return nil
}

// Fail moves a task that has not finished to FAILED. Finished tasks are
// left alone and reported with ErrInvalidTransition.
func (p *Pipeline) Fail(ctx context.Context, taskID, kind, reason string) error {
	_, err := p.finish(ctx, taskID, StateFailed, func(t *Task) {
		t.FailureKind = kind
		t.Error = reason
	})
	return err
}

// Status reports a task owned by userID. Another user's task is reported
// as not found.
func (p *Pipeline) Status(ctx context.Context, taskID, userID string) (*Status, error) {
	t, err := p.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrTaskNotFound
	}
	return StatusOf(t), nil
}

// finish writes a state change even when the job context has expired.
func (p *Pipeline) finish(ctx context.Context, taskID string, to State, mutate func(*Task)) (*Task, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	t, err := p.tasks.Transition(wctx, taskID, to, mutate)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("to", string(to)).Msg("task state update failed")
		return t, err
	}
	if to.Terminal() {
		p.observer.Finished(string(to), t.FailureKind)
	}
	return t, nil
}

func removeFile(log *zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", path).Msg("failed to remove uploaded file")
		return
	}
	log.Debug().Str("path", path).Msg("uploaded file removed")
}
