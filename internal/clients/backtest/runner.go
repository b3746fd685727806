// Package backtest runs strategy backtests as external processes.
package backtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWaitDelay bounds how long Wait lingers after the process is killed.
	DefaultWaitDelay = 3 * time.Second
	// maxCapture caps the bytes kept per stream.
	maxCapture = 8 << 20
)

// Config describes how backtests are launched.
type Config struct {
	// Modes maps an execution mode to a shell command template.
	// Placeholders: {source}, {family}, {version}, {output}.
	Modes map[domain.ExecutionMode]string
	// WorkDir is the working directory of the command. Empty means the current directory.
	WorkDir string
	// SourceRoot resolves relative source references.
	SourceRoot string
	// OutputRoot receives one result folder per run.
	OutputRoot string
	// Shell runs the expanded template. Defaults to "sh".
	Shell     string
	WaitDelay time.Duration
}

// ProcessRunner executes the configured command template for each backtest.
type ProcessRunner struct {
	cfg      Config
	archiver domain.Archiver
	log      zerolog.Logger
	now      func() time.Time
}

// NewProcessRunner creates a process runner. archiver may be nil.
func NewProcessRunner(cfg Config, archiver domain.Archiver, log zerolog.Logger) *ProcessRunner {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	return &ProcessRunner{
		cfg:      cfg,
		archiver: archiver,
		log:      log.With().Str("component", "backtest_runner").Logger(),
		now:      time.Now,
	}
}

// Modes lists the configured execution modes.
func (r *ProcessRunner) Modes() []domain.ExecutionMode {
	modes := make([]domain.ExecutionMode, 0, len(r.cfg.Modes))
	for m := range r.cfg.Modes {
		modes = append(modes, m)
	}
	return modes
}

// Run executes one backtest. A non-nil error means the process could not be
// started at all; everything else is reported in the result.
func (r *ProcessRunner) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	template, ok := r.cfg.Modes[req.Mode]
	if !ok || strings.TrimSpace(template) == "" {
		return nil, &domain.RunnerError{Mode: req.Mode, Err: fmt.Errorf("no command configured for mode %q", req.Mode)}
	}

	source := req.SourcePath
	if source != "" && !filepath.IsAbs(source) && r.cfg.SourceRoot != "" {
		source = filepath.Join(r.cfg.SourceRoot, source)
	}

	output, err := r.outputFolder(req)
	if err != nil {
		return nil, &domain.RunnerError{Mode: req.Mode, Err: err}
	}

	command := Expand(template, map[string]string{
		"source":  source,
		"family":  req.Family,
		"version": req.VersionID,
		"output":  output,
	})

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	log := r.log.With().Str("family", req.Family).Str("version", req.VersionID).Str("mode", string(req.Mode)).Logger()
	log.Debug().Str("command", command).Msg("Starting backtest")

	cmd := exec.CommandContext(runCtx, r.cfg.Shell, "-c", command)
	cmd.Dir = r.cfg.WorkDir
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killTree(cmd.Process.Pid)
	}
	cmd.WaitDelay = r.cfg.WaitDelay

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.RunnerError{Mode: req.Mode, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &domain.RunnerError{Mode: req.Mode, Err: err}
	}

	started := r.now()
	if err := cmd.Start(); err != nil {
		return nil, &domain.RunnerError{Mode: req.Mode, Err: fmt.Errorf("failed to start backtest: %w", err)}
	}

	var stdout, stderr cappedBuffer
	var g errgroup.Group
	g.Go(func() error { return drain(&stdout, stdoutPipe) })
	g.Go(func() error { return drain(&stderr, stderrPipe) })
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	result := &domain.RunResult{
		ExitCode:     exitCode(cmd, waitErr),
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		ResultFolder: output,
		TimedOut:     errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Duration:     r.now().Sub(started),
	}

	if drainErr != nil {
		log.Warn().Err(drainErr).Msg("Backtest output was not fully read")
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			log.Warn().Err(waitErr).Msg("Backtest process wait failed")
		}
	}

	r.archive(ctx, req, result, log)

	log.Info().
		Int("exit_code", result.ExitCode).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("Backtest finished")

	return result, nil
}

func (r *ProcessRunner) outputFolder(req domain.RunRequest) (string, error) {
	if r.cfg.OutputRoot == "" {
		return "", nil
	}
	name := fmt.Sprintf("%s-%s", req.VersionID, r.now().UTC().Format("20060102T150405.000000000"))
	dir := filepath.Join(r.cfg.OutputRoot, req.Family, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output folder: %w", err)
	}
	return dir, nil
}

func (r *ProcessRunner) archive(ctx context.Context, req domain.RunRequest, result *domain.RunResult, log zerolog.Logger) {
	if r.archiver == nil || result.ResultFolder == "" || ctx.Err() != nil {
		return
	}
	locator, err := r.archiver.Archive(ctx, req.Family, req.VersionID, result.ResultFolder)
	if err != nil {
		log.Warn().Err(err).Str("folder", result.ResultFolder).Msg("Failed to archive backtest folder, keeping local path")
		return
	}
	result.ResultFolder = locator
}

// Expand substitutes {name} placeholders with shell-quoted values.
func Expand(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", shellquote.Join(v))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func drain(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// cappedBuffer keeps the first maxCapture bytes and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := maxCapture - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
