package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"platesolver/internal/logging"
	"platesolver/internal/metrics"
	"platesolver/internal/solve"
	"platesolver/internal/storage"
)

// SolveProcessor implements Processor by running a solve.Loop per job.
type SolveProcessor struct {
	Solver      solve.Solver
	MaxTimeouts int
	Store       *storage.Store
	Log         *slog.Logger
	Metrics     *metrics.Manager
	// Observe, when set, sees every transition after it has been logged
	// and recorded.
	Observe func(Job, solve.Event)
}

func (p *SolveProcessor) Process(ctx context.Context, job Job) Result {
	loop := &solve.Loop{
		Solver:      p.Solver,
		MaxTimeouts: p.MaxTimeouts,
		Observe: func(ev solve.Event) {
			if ev.Outcome == nil {
				logging.LogTransition(p.Log, job.ID, ev.From.String(), ev.To.String(), string(ev.Handle), ev.Timeouts)
				p.Metrics.RecordTimeout()
				if err := p.Store.RecordHandle(job.ID, string(ev.Handle)); err != nil {
					p.Log.Warn("history write failed", "job", job.ID, "error", err)
				}
			}
			if p.Observe != nil {
				p.Observe(job, ev)
			}
		},
	}

	var (
		out solve.Outcome
		err error
	)
	switch job.Type {
	case JobSolve:
		out, err = loop.Run(ctx, job.InputPath)
	case JobResume:
		out, err = loop.Resume(ctx, job.Handle)
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}
	return Result{Job: job, Outcome: out, Error: err}
}

// JobID forwards to the solver when it tracks service-side job ids.
func (p *SolveProcessor) JobID(h solve.Handle) (int, bool) {
	if ider, ok := p.Solver.(jobIDer); ok {
		return ider.JobID(h)
	}
	return 0, false
}
