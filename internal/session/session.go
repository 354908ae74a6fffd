// Package session runs the interactive plate-solving conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"platesolver/internal/catalog"
	"platesolver/internal/fsutil"
	"platesolver/internal/pipeline"
	"platesolver/internal/prompt"
	"platesolver/internal/solve"
	"platesolver/internal/storage"
	"platesolver/internal/wcs"
)

// Session holds everything one interactive run needs. All collaborators
// are explicit so tests can swap them.
type Session struct {
	P           *prompt.Prompter
	Solver      solve.Solver
	MaxTimeouts int
	Catalog     Catalog
	Open        Opener
	Links       []string // {subid} is replaced with the submission handle
	WCSDir      string
	Store       *storage.Store
	Log         *slog.Logger
}

func (s *Session) runner() *pipeline.Runner {
	proc := &pipeline.SolveProcessor{
		Solver:      s.Solver,
		MaxTimeouts: s.MaxTimeouts,
		Store:       s.Store,
		Log:         s.Log,
		Observe: func(_ pipeline.Job, ev solve.Event) {
			if ev.Outcome != nil {
				return
			}
			s.P.Println("\nThere was a timeout error. ( Process took too long ).")
			s.P.Println("Astrometry.net could also be down at the moment.")
			s.P.Printf("Still waiting on submission %s...\n", prompt.Em(string(ev.Handle)))
		},
	}
	return &pipeline.Runner{Processor: proc, Store: s.Store, Log: s.Log}
}

// Run is the top-level loop: pick an image, solve it, follow up, and ask
// whether there are more images.
func (s *Session) Run(ctx context.Context) error {
	p := s.P.WithContext(ctx)
	p.Println("\n" + strings.Repeat("-", 82))
	p.Println("To use this software please register for an account on https://nova.astrometry.net")
	p.Println(strings.Repeat("-", 82))
	p.Printf("\n******************** %s ********************\n", prompt.Em("Beginning of Plate Solving"))

	resolver := fsutil.NewResolver(p)
	runner := s.runner()
	for {
		image, err := resolver.Resolve(ctx)
		if err != nil {
			return err
		}
		job := pipeline.Job{ID: storage.NewID("solve"), Type: pipeline.JobSolve, Source: "interactive", InputPath: image}
		if err := runner.Queue(job); err != nil {
			s.Log.Warn("history write failed", "job", job.ID, "error", err)
		}
		p.Printf("\nUploading %s, this can take a while...\n", filepath.Base(image))
		if err := s.report(ctx, p, runner.Run(ctx, job)); err != nil {
			return err
		}

		p.Printf("\nDo you have any %s to be plate solved? (%s/%s)\n", prompt.Em("more images"), prompt.OK("Y"), prompt.Fail("N"))
		again, err := prompt.AskString(p, "\n: ", "Please answer y or n.")
		if err != nil {
			return err
		}
		if !prompt.Affirmative(again) {
			break
		}
	}
	p.Printf("\n******************** %s ********************\n", prompt.Em("End of Plate Solving"))
	return nil
}

// Resume polls an existing submission and follows up like Run does.
func (s *Session) Resume(ctx context.Context, h solve.Handle) error {
	p := s.P.WithContext(ctx)
	job := pipeline.Job{ID: storage.NewID("resume"), Type: pipeline.JobResume, Source: "resume", Handle: h}
	if prev, err := s.Store.SubmissionByHandle(string(h)); err == nil {
		job.InputPath = prev.ImagePath
	}
	runner := s.runner()
	if err := runner.Queue(job); err != nil {
		s.Log.Warn("history write failed", "job", job.ID, "error", err)
	}
	p.Printf("\nChecking on submission %s...\n", prompt.Em(string(h)))
	return s.report(ctx, p, runner.Run(ctx, job))
}

// report prints the result of one solve. Giving up is reported and the
// session goes on; other errors end it.
func (s *Session) report(ctx context.Context, p *prompt.Prompter, res pipeline.Result) error {
	if res.Error != nil {
		if errors.Is(res.Error, solve.ErrGaveUp) {
			p.Printf("\n%s waiting for submission %s.\n", prompt.Fail("Gave up"), res.Outcome.Handle)
			p.Printf("Run \"platesolver resume %s\" to check on it later.\n", res.Outcome.Handle)
			return nil
		}
		return res.Error
	}
	if res.Outcome.Status != solve.Solved {
		p.Printf("\n%s to solve.\n", prompt.Fail("Failed"))
		return nil
	}
	return s.followUp(ctx, p, res)
}

func (s *Session) followUp(ctx context.Context, p *prompt.Prompter, res pipeline.Result) error {
	hdr := res.Outcome.Header
	p.Printf("\n%s\n", prompt.OK("Success!"))

	if t, err := wcs.NewTransform(hdr); err == nil {
		if c, ok := t.Center(hdr); ok {
			p.Printf("Field centre: %s\n", c)
		}
	}
	if s.WCSDir != "" && res.Job.InputPath != "" {
		if path, err := saveHeader(s.WCSDir, res.Job.InputPath, hdr); err != nil {
			p.Printf("Could not save the solved header: %v\n", err)
		} else {
			p.Printf("Solved header saved to %s\n", path)
		}
	}

	if len(s.Links) > 0 {
		p.Println("\nTo get the most possible information out of your image please go to the websites below.")
	}
	for _, link := range s.Links {
		url := strings.ReplaceAll(link, "{subid}", string(res.Outcome.Handle))
		if _, err := Redirect(p, s.Open, url); err != nil {
			return err
		}
	}

	var entry catalog.Entry
	var found bool
	if s.Catalog != nil {
		var err error
		if entry, found, err = LookupTarget(ctx, p, s.Catalog, s.Open, ""); err != nil {
			return err
		}
	}

	p.Println("\nWould you like to find the pixel coordinates of a target in this image? (y/n)")
	answer, err := prompt.AskString(p, "\n: ", "Please answer y or n.")
	if err != nil {
		return err
	}
	if !prompt.Affirmative(answer) {
		return nil
	}

	src := FirstThen(hdr, FileHeaderSource(p))
	if pos, ok := entry.Position(); found && ok {
		p.Printf("\nUse the catalog position of %s (%s)?\n", prompt.Em(entry.Name), pos)
		use, err := prompt.AskString(p, "(y/n): ", "Please answer y or n.")
		if err != nil {
			return err
		}
		if prompt.Affirmative(use) {
			_, _, err := Project(ctx, p, pos, src)
			return err
		}
	}
	_, _, err = ConvertCoordinates(ctx, p, src)
	return err
}

// saveHeader writes hdr next to the other solved headers as <image>.wcs.fits.
func saveHeader(dir, image string, hdr wcs.Header) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(image), filepath.Ext(image))
	path := filepath.Join(dir, base+".wcs.fits")
	if err := hdr.WriteFile(path); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
