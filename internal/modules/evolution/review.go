package evolution

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultReviewTimeout is how long an operator has to amend an instruction.
const DefaultReviewTimeout = 60 * time.Second

// TimedReviewer bounds another reviewer with a deadline. Running out of time is
// not an error: the machine-generated instruction is used unchanged.
type TimedReviewer struct {
	inner   domain.Reviewer
	timeout time.Duration
	log     zerolog.Logger
}

// NewTimedReviewer wraps inner with a review window.
func NewTimedReviewer(inner domain.Reviewer, timeout time.Duration, log zerolog.Logger) *TimedReviewer {
	if timeout <= 0 {
		timeout = DefaultReviewTimeout
	}
	return &TimedReviewer{
		inner:   inner,
		timeout: timeout,
		log:     log.With().Str("component", "reviewer").Logger(),
	}
}

type reviewReply struct {
	text string
	err  error
}

// Review asks the inner reviewer and falls back to instruction on timeout.
func (r *TimedReviewer) Review(ctx context.Context, scenario domain.Scenario, instruction string) (string, error) {
	reviewCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan reviewReply, 1)
	go func() {
		text, err := r.inner.Review(reviewCtx, scenario, instruction)
		done <- reviewReply{text: text, err: err}
	}()

	select {
	case reply := <-done:
		if reply.err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.log.Warn().Err(reply.err).Msg("Review failed, using generated instruction")
			return instruction, nil
		}
		if strings.TrimSpace(reply.text) == "" {
			return instruction, nil
		}
		return reply.text, nil
	case <-reviewCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.log.Info().Dur("timeout", r.timeout).Msg("Review window elapsed, using generated instruction")
		return instruction, nil
	}
}

// ReaderReviewer shows the instruction on out and reads a one-line amendment from in.
// An empty line accepts the instruction; a line starting with "+" appends to it;
// any other line replaces it.
type ReaderReviewer struct {
	out io.Writer

	once  sync.Once
	in    io.Reader
	lines chan string
}

// NewReaderReviewer creates a reviewer over an interactive terminal.
func NewReaderReviewer(in io.Reader, out io.Writer) *ReaderReviewer {
	return &ReaderReviewer{in: in, out: out, lines: make(chan string)}
}

// start launches the single goroutine that owns the reader, so a line typed
// after one review window closed is delivered to the next one.
func (r *ReaderReviewer) start() {
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
		close(r.lines)
	}()
}

// Review prints the instruction and waits for a reply or ctx.
func (r *ReaderReviewer) Review(ctx context.Context, scenario domain.Scenario, instruction string) (string, error) {
	r.once.Do(r.start)

	fmt.Fprintf(r.out, "\n--- scenario %s ---\n%s\n", scenario, instruction)
	fmt.Fprint(r.out, "Enter to accept, +text to append, other text to replace: ")

	select {
	case line, ok := <-r.lines:
		if !ok {
			return instruction, nil
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			return instruction, nil
		case strings.HasPrefix(line, "+"):
			return instruction + "\n\nOperator note: " + strings.TrimSpace(line[1:]), nil
		default:
			return line, nil
		}
	case <-ctx.Done():
		fmt.Fprintln(r.out)
		return "", ctx.Err()
	}
}
