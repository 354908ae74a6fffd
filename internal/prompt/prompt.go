// Package prompt reads validated answers from an interactive console.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInputClosed is returned when input ends before a valid answer arrives.
var ErrInputClosed = errors.New("input closed")

// Prompter asks questions on out and reads answers from in.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
	ctx context.Context
}

// New returns a Prompter reading lines from in.
func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, ctx: context.Background()}
}

// WithContext returns a Prompter sharing the same streams that stops asking
// once ctx is done.
func (p *Prompter) WithContext(ctx context.Context) *Prompter {
	return &Prompter{in: p.in, out: p.out, ctx: ctx}
}

// Out is the writer prompts are printed to.
func (p *Prompter) Out() io.Writer { return p.out }

// Printf writes formatted text to the prompt output.
func (p *Prompter) Printf(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Println writes a line to the prompt output.
func (p *Prompter) Println(a ...any) {
	fmt.Fprintln(p.out, a...)
}

// line prints text and returns the next trimmed input line.
func (p *Prompter) line(text string) (string, error) {
	if err := p.ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, text)
	s, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && s != "" {
			return strings.TrimSpace(s), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrInputClosed
		}
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// Ask repeats text until the answer is non-empty and coerce accepts it.
// errMsg, when set, is printed after every rejected answer. The only errors
// are ErrInputClosed and context cancellation.
func Ask[T any](p *Prompter, text, errMsg string, coerce func(string) (T, error)) (T, error) {
	var zero T
	for {
		s, err := p.line(text)
		if err != nil {
			return zero, err
		}
		if s == "" {
			if errMsg != "" {
				p.Println(errMsg)
			}
			continue
		}
		v, err := coerce(s)
		if err != nil {
			if errMsg != "" {
				p.Println(errMsg)
			}
			continue
		}
		return v, nil
	}
}

// AskString asks until a non-empty answer is given.
func AskString(p *Prompter, text, errMsg string) (string, error) {
	return Ask(p, text, errMsg, String)
}

// String accepts any answer.
func String(s string) (string, error) { return s, nil }

// Int accepts base-10 integers with an optional sign.
func Int(s string) (int, error) { return strconv.Atoi(s) }

// Signed is an integer that remembers an explicit minus sign, so "-0" and
// "0" stay distinct.
type Signed struct {
	Value    int
	Negative bool
}

// SignedInt parses an integer keeping its sign.
func SignedInt(s string) (Signed, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return Signed{}, err
	}
	return Signed{Value: v, Negative: strings.HasPrefix(s, "-")}, nil
}

// Affirmative reports whether an answer starts with y or Y.
func Affirmative(answer string) bool {
	answer = strings.TrimSpace(answer)
	return answer != "" && strings.ToLower(answer[:1]) == "y"
}
