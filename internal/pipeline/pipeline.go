package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"platesolver/internal/fsutil"
	"platesolver/internal/logging"
	"platesolver/internal/metrics"
	"platesolver/internal/solve"
	"platesolver/internal/storage"
)

// JobType enumerates the kinds of solve requests.
type JobType string

const (
	JobSolve  JobType = "solve"  // upload an image
	JobResume JobType = "resume" // poll an existing submission
)

// ErrQueueFull is returned by Submit when every worker is busy and the
// buffer is full.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single solve request.
type Job struct {
	ID        string
	Type      JobType
	Source    string // interactive, resume, watch
	InputPath string
	Handle    solve.Handle
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Outcome  solve.Outcome
	Error    error
	Duration time.Duration
}

// Status maps the result onto a history status.
func (r Result) Status() string {
	switch {
	case r.Error != nil:
		return storage.StatusError
	case r.Outcome.Status == solve.Solved:
		return storage.StatusSolved
	default:
		return storage.StatusFailed
	}
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Runner records and logs one job around a Processor. Pipeline workers
// and the interactive session share it.
type Runner struct {
	Processor Processor
	Store     *storage.Store
	Log       *slog.Logger
	Metrics   *metrics.Manager
}

// Queue records job as pending.
func (r *Runner) Queue(job Job) error {
	rec := storage.SubmissionRecord{
		ID:        job.ID,
		Source:    job.Source,
		ImagePath: job.InputPath,
		Handle:    string(job.Handle),
	}
	if job.InputPath != "" {
		// FITS and unreadable files simply have no dimensions recorded.
		if w, h, err := fsutil.ImageDimensions(job.InputPath); err == nil {
			rec.Width, rec.Height = w, h
		}
	}
	return r.Store.RecordQueued(rec)
}

// Run executes job synchronously and records its result.
func (r *Runner) Run(ctx context.Context, job Job) Result {
	start := time.Now()
	r.Metrics.SolveStarted()
	logging.LogSolveStart(r.Log, job.ID, job.InputPath, string(job.Handle))
	if err := r.Store.RecordStart(job.ID); err != nil {
		r.Log.Warn("history write failed", "job", job.ID, "error", err)
	}

	res := r.Processor.Process(ctx, job)
	res.Job = job
	res.Duration = time.Since(start)

	rec := storage.Result{
		Status: res.Status(),
		Handle: string(res.Outcome.Handle),
		Header: res.Outcome.Header,
		Error:  errString(res.Error),
	}
	if ider, ok := r.Processor.(jobIDer); ok && res.Outcome.Handle != "" {
		rec.JobID, _ = ider.JobID(res.Outcome.Handle)
	}
	if res.Error != nil {
		logging.LogSolveError(r.Log, job.ID, job.InputPath, res.Duration, res.Error)
	} else {
		logging.LogSolveComplete(r.Log, job.ID, string(res.Outcome.Status), string(res.Outcome.Handle), res.Duration, len(res.Outcome.Header))
	}
	if err := r.Store.RecordResult(job.ID, rec); err != nil {
		r.Log.Warn("history write failed", "job", job.ID, "error", err)
	}
	r.Metrics.SolveFinished(job.Source, rec.Status, res.Duration)
	return res
}

type jobIDer interface {
	JobID(h solve.Handle) (int, bool)
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	runner    *Runner
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records solves and queue rejections on m.
func WithMetrics(m *metrics.Manager) Option {
	return func(p *Pipeline) {
		p.runner.Metrics = m
	}
}

// New creates a new Pipeline with the given concurrency and processor implementation.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor, opts ...Option) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		runner: &Runner{Processor: processor, Store: store, Log: logger},
		log:    logger,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		subs:   make(map[int]chan Result),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if err := p.runner.Queue(job); err != nil {
		p.log.Warn("history write failed", "job", job.ID, "error", err)
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		_ = p.runner.Store.RecordResult(job.ID, storage.Result{Status: storage.StatusError, Error: ErrQueueFull.Error()})
		p.runner.Metrics.RecordQueueFull()
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.log.Debug("worker picked up job", "worker", id, "job", job.ID)
			p.broadcast(p.runner.Run(ctx, job))
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
