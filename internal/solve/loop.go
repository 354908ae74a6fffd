package solve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"platesolver/internal/wcs"
)

// Handle identifies a submission accepted by the solving service.
type Handle string

// State enumerates the two phases of a solve.
type State int

const (
	// StateSubmit uploads the image; no handle is known yet.
	StateSubmit State = iota
	// StatePoll asks the service about an existing submission.
	StatePoll
)

func (s State) String() string {
	switch s {
	case StateSubmit:
		return "submit"
	case StatePoll:
		return "poll"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the definitive result of a solve.
type Status string

const (
	Solved Status = "solved"
	Failed Status = "failed"
)

var (
	// ErrTimeout matches any *TimeoutError.
	ErrTimeout = errors.New("solve timed out")
	// ErrGaveUp is returned when MaxTimeouts is exceeded. The Outcome still
	// carries the handle so the submission can be resumed later.
	ErrGaveUp = errors.New("gave up waiting for a solution")
	// ErrNoHandle is returned for a timeout that carries no handle to poll.
	ErrNoHandle = errors.New("timeout without a submission handle")
)

// TimeoutError reports that the service did not finish within the client's
// wait budget. Handle is what to poll next.
type TimeoutError struct {
	Handle Handle
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("submission %s not solved after %s", e.Handle, e.After)
	}
	return fmt.Sprintf("submission %s not solved yet", e.Handle)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Solver is the remote plate-solving service. Both calls return a
// non-empty header on success, an empty header on definitive failure, and
// a *TimeoutError while the service is still working.
type Solver interface {
	Submit(ctx context.Context, image string) (wcs.Header, error)
	Poll(ctx context.Context, h Handle) (wcs.Header, error)
}

// Tracker is implemented by solvers that remember which submission an
// upload became, so an answer that arrives without a timeout still has a
// handle.
type Tracker interface {
	HandleFor(image string) (Handle, bool)
}

// Outcome is the terminal result of a Loop.
type Outcome struct {
	Status   Status
	Header   wcs.Header
	Handle   Handle
	Timeouts int
}

// Event describes a transition. Outcome is set on the final event only.
type Event struct {
	From     State
	To       State
	Handle   Handle
	Timeouts int
	Outcome  *Outcome
}

// Observer receives every Event of a Loop, synchronously.
type Observer func(Event)

// Loop drives a Solver from submission to a definitive answer.
type Loop struct {
	Solver Solver
	// MaxTimeouts bounds the number of timeout transitions; 0 means no limit.
	MaxTimeouts int
	Observe     Observer
}

// Run submits image and polls until the service answers.
func (l *Loop) Run(ctx context.Context, image string) (Outcome, error) {
	return l.run(ctx, StateSubmit, image, "")
}

// Resume polls an existing submission, skipping the upload.
func (l *Loop) Resume(ctx context.Context, h Handle) (Outcome, error) {
	if h == "" {
		return Outcome{}, ErrNoHandle
	}
	return l.run(ctx, StatePoll, "", h)
}

func (l *Loop) run(ctx context.Context, state State, image string, handle Handle) (Outcome, error) {
	timeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Handle: handle, Timeouts: timeouts}, err
		}

		var (
			hdr wcs.Header
			err error
		)
		switch state {
		case StateSubmit:
			hdr, err = l.Solver.Submit(ctx, image)
		case StatePoll:
			hdr, err = l.Solver.Poll(ctx, handle)
		}

		var te *TimeoutError
		if errors.As(err, &te) {
			if te.Handle != "" {
				handle = te.Handle
			}
			if handle == "" {
				return Outcome{Timeouts: timeouts}, ErrNoHandle
			}
			timeouts++
			if l.MaxTimeouts > 0 && timeouts > l.MaxTimeouts {
				return Outcome{Handle: handle, Timeouts: timeouts},
					fmt.Errorf("%w: submission %s after %d timeouts", ErrGaveUp, handle, timeouts)
			}
			l.notify(Event{From: state, To: StatePoll, Handle: handle, Timeouts: timeouts})
			state = StatePoll
			continue
		}
		if err != nil {
			if state == StateSubmit {
				err = fmt.Errorf("submitting %s: %w", image, err)
			} else {
				err = fmt.Errorf("polling submission %s: %w", handle, err)
			}
			return Outcome{Handle: handle, Timeouts: timeouts}, err
		}

		if handle == "" {
			if t, ok := l.Solver.(Tracker); ok {
				handle, _ = t.HandleFor(image)
			}
		}
		out := Outcome{Status: Failed, Handle: handle, Timeouts: timeouts}
		if len(hdr) > 0 {
			out.Status = Solved
			out.Header = hdr
		}
		l.notify(Event{From: state, To: state, Handle: handle, Timeouts: timeouts, Outcome: &out})
		return out, nil
	}
}

func (l *Loop) notify(ev Event) {
	if l.Observe != nil {
		l.Observe(ev)
	}
}
