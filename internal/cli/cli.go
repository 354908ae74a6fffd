package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"platesolver/internal/catalog"
	"platesolver/internal/config"
	"platesolver/internal/metrics"
	"platesolver/internal/nova"
	"platesolver/internal/pipeline"
	"platesolver/internal/prompt"
	"platesolver/internal/server"
	"platesolver/internal/session"
	"platesolver/internal/solve"
	"platesolver/internal/storage"
	"platesolver/internal/watch"
)

type solveClient interface {
	solve.Solver
	Close() error
}

type solverFactory func(config.Nova, *slog.Logger) solveClient

type catalogClient interface {
	session.Catalog
	Close() error
}

type catalogFactory func(config.Catalog, *slog.Logger) catalogClient

type serverFunc func(ctx context.Context, addr string, store *storage.Store, results server.Subscriber, log *slog.Logger, opts ...server.Option) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, results server.Subscriber, log *slog.Logger, opts ...server.Option) error {
	return server.New(addr, store, results, log, opts...).Start(ctx)
}

// Root wires CLI commands to the solver, the catalog and the history store.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	in    io.Reader
	out   io.Writer

	newSolver  solverFactory
	newCatalog catalogFactory
	open       session.Opener
	serveFn    serverFunc
}

// NewRoot constructs the CLI root. store may be nil, in which case nothing
// is recorded and history is unavailable.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		in:    os.Stdin,
		out:   os.Stdout,
		newSolver: func(cfg config.Nova, log *slog.Logger) solveClient {
			return nova.New(cfg, log)
		},
		newCatalog: func(cfg config.Catalog, log *slog.Logger) catalogClient {
			return catalog.New(cfg, log)
		},
		open:    session.DefaultOpener,
		serveFn: defaultServe,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	if args == nil {
		args = []string{} // nil makes cobra fall back to os.Args
	}
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetIn(r.in)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) prompter() *prompt.Prompter {
	return prompt.New(r.in, r.out)
}

func (r *Root) session(p *prompt.Prompter, solver solve.Solver, cat session.Catalog) *session.Session {
	return &session.Session{
		P:           p,
		Solver:      solver,
		MaxTimeouts: r.cfg.Solve.MaxTimeouts,
		Catalog:     cat,
		Open:        r.open,
		Links:       r.cfg.Links,
		WCSDir:      r.cfg.Paths.WCSDir,
		Store:       r.store,
		Log:         r.log,
	}
}

// ensureAPIKey asks for a nova key when none is configured. The answer is
// kept for the rest of the process only.
func (r *Root) ensureAPIKey(p *prompt.Prompter) error {
	if r.cfg.Nova.APIKey != "" {
		return nil
	}
	p.Printf("\nNo nova.astrometry.net API key is configured (nova.api_key).\n")
	p.Println("You can find yours at https://nova.astrometry.net/api_help")
	key, err := prompt.AskString(p, "\nAPI key: ", "An API key is required.")
	if err != nil {
		return err
	}
	r.cfg.Nova.APIKey = key
	return nil
}

// startWatch solves images that settle in dirs on a worker pool. stop
// releases the watcher before the workers so no job is sent after the
// queue closes. m may be nil.
func (r *Root) startWatch(ctx context.Context, dirs []string, m *metrics.Manager) (pipe *pipeline.Pipeline, stop func(), err error) {
	solver := r.newSolver(r.cfg.Nova, r.log)
	proc := &pipeline.SolveProcessor{
		Solver:      solver,
		MaxTimeouts: r.cfg.Solve.MaxTimeouts,
		Store:       r.store,
		Log:         r.log,
		Metrics:     m,
	}
	pipe = pipeline.New(ctx, r.cfg.Pipeline.ParallelJobs, r.log, r.store, proc, pipeline.WithMetrics(m))

	w, err := watch.New(dirs, r.cfg.Pipeline.SettleDelay, r.log)
	if err == nil {
		if err = w.Start(); err != nil {
			_ = w.Stop()
		}
	}
	if err != nil {
		pipe.Stop()
		_ = solver.Close()
		return nil, nil, fmt.Errorf("watching %v: %w", dirs, err)
	}
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		r.feed(ctx, w.Events, pipe)
	}()

	stop = func() {
		_ = w.Stop()
		<-fed
		pipe.Stop()
		_ = solver.Close()
	}
	return pipe, stop, nil
}

type jobSubmitter interface {
	Submit(job pipeline.Job) error
}

func (r *Root) feed(ctx context.Context, events <-chan watch.Event, pipe jobSubmitter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			job := pipeline.Job{
				ID:        storage.NewID("watch"),
				Type:      pipeline.JobSolve,
				Source:    "watch",
				InputPath: ev.Path,
			}
			if err := pipe.Submit(job); err != nil {
				r.log.Warn("could not queue image", "path", ev.Path, "error", err)
				continue
			}
			r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
		}
	}
}

func (r *Root) printResult(res pipeline.Result) {
	when := time.Now().Format("15:04:05")
	switch {
	case res.Error != nil:
		fmt.Fprintf(r.out, "%s  %-7s %s: %v\n", when, prompt.Fail("error"), res.Job.InputPath, res.Error)
	case res.Outcome.Status == solve.Solved:
		fmt.Fprintf(r.out, "%s  %-7s %s (submission %s)\n", when, prompt.OK("solved"), res.Job.InputPath, res.Outcome.Handle)
	default:
		fmt.Fprintf(r.out, "%s  %-7s %s (submission %s)\n", when, prompt.Fail("failed"), res.Job.InputPath, res.Outcome.Handle)
	}
}
