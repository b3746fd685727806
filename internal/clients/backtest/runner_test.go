package backtest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	mu      sync.Mutex
	folders []string
	err     error
}

func (a *recordingArchiver) Archive(_ context.Context, family, versionID, folder string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.folders = append(a.folders, folder)
	if a.err != nil {
		return "", a.err
	}
	return "s3://bucket/" + family + "/" + versionID + ".tar.gz", nil
}

func newTestRunner(t *testing.T, template string, archiver domain.Archiver) *ProcessRunner {
	t.Helper()
	root := t.TempDir()
	return NewProcessRunner(Config{
		Modes:      map[domain.ExecutionMode]string{domain.ModeLocal: template},
		SourceRoot: filepath.Join(root, "strategies"),
		OutputRoot: filepath.Join(root, "results"),
	}, archiver, zerolog.Nop())
}

func request(timeout time.Duration) domain.RunRequest {
	return domain.RunRequest{
		Family:     "momentum",
		VersionID:  "1_2",
		SourcePath: "momentum/1_2.py",
		Mode:       domain.ModeLocal,
		Timeout:    timeout,
	}
}

func TestRun_CapturesStreams(t *testing.T) {
	runner := newTestRunner(t, "echo out-line; echo err-line >&2", nil)

	res, err := runner.Run(context.Background(), request(10*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out-line\n", res.Stdout)
	assert.Equal(t, "err-line\n", res.Stderr)
	assert.False(t, res.TimedOut)
	assert.DirExists(t, res.ResultFolder)
}

func TestRun_ExpandsPlaceholders(t *testing.T) {
	runner := newTestRunner(t, "echo {family} {version} {source}; touch {output}/marker", nil)

	res, err := runner.Run(context.Background(), request(10*time.Second))
	require.NoError(t, err)

	fields := strings.Fields(res.Stdout)
	require.Len(t, fields, 3)
	assert.Equal(t, "momentum", fields[0])
	assert.Equal(t, "1_2", fields[1])
	assert.True(t, strings.HasSuffix(fields[2], filepath.Join("strategies", "momentum", "1_2.py")))
	assert.FileExists(t, filepath.Join(res.ResultFolder, "marker"))
}

func TestRun_NonZeroExit(t *testing.T) {
	runner := newTestRunner(t, "echo boom >&2; exit 3", nil)

	res, err := runner.Run(context.Background(), request(10*time.Second))
	require.NoError(t, err, "a failing backtest is not a runner failure")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
}

func TestRun_TimeoutKillsProcessTree(t *testing.T) {
	runner := newTestRunner(t, "echo started; sleep 30 & sleep 30; wait", nil)

	start := time.Now()
	res, err := runner.Run(context.Background(), request(300*time.Millisecond))
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Equal(t, "started\n", res.Stdout, "output before the timeout is kept")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_ParentCancel(t *testing.T) {
	runner := newTestRunner(t, "sleep 30", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := runner.Run(ctx, request(0))
	require.NoError(t, err)
	assert.False(t, res.TimedOut, "a cancellation is not a timeout")
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestRun_UnknownMode(t *testing.T) {
	runner := newTestRunner(t, "true", nil)

	req := request(time.Second)
	req.Mode = domain.ModeCloud
	_, err := runner.Run(context.Background(), req)

	var runnerErr *domain.RunnerError
	require.True(t, errors.As(err, &runnerErr))
	assert.Equal(t, domain.ModeCloud, runnerErr.Mode)

	var lister domain.ModeLister = runner
	assert.Equal(t, []domain.ExecutionMode{domain.ModeLocal}, lister.Modes())
}

func TestRun_StartFailureIsRunnerError(t *testing.T) {
	runner := NewProcessRunner(Config{
		Modes: map[domain.ExecutionMode]string{domain.ModeLocal: "true"},
		Shell: "/nonexistent/shell",
	}, nil, zerolog.Nop())

	_, err := runner.Run(context.Background(), request(time.Second))
	var runnerErr *domain.RunnerError
	assert.True(t, errors.As(err, &runnerErr))
}

func TestRun_Archives(t *testing.T) {
	archiver := &recordingArchiver{}
	runner := newTestRunner(t, "true", archiver)

	res, err := runner.Run(context.Background(), request(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/momentum/1_2.tar.gz", res.ResultFolder)
	require.Len(t, archiver.folders, 1)
}

func TestRun_ArchiveFailureKeepsLocalFolder(t *testing.T) {
	archiver := &recordingArchiver{err: errors.New("bucket unavailable")}
	runner := newTestRunner(t, "true", archiver)

	res, err := runner.Run(context.Background(), request(10*time.Second))
	require.NoError(t, err)
	assert.DirExists(t, res.ResultFolder)
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name     string
		template string
		values   map[string]string
		expected string
	}{
		{"plain", "run {source}", map[string]string{"source": "a/b.py"}, "run a/b.py"},
		{"spaces quoted", "run {source}", map[string]string{"source": "my dir/b.py"}, "run 'my dir/b.py'"},
		{"quote escaped", "run {source}", map[string]string{"source": "it's here.py"}, `run 'it'\''s here.py'`},
		{"empty", "run {output}", map[string]string{"output": ""}, "run ''"},
		{"unknown left alone", "run {other}", map[string]string{"source": "x"}, "run {other}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Expand(tt.template, tt.values))
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	chunk := strings.Repeat("x", maxCapture/2+1)
	_, _ = b.Write([]byte(chunk))
	_, _ = b.Write([]byte(chunk))
	assert.True(t, strings.HasSuffix(b.String(), "[output truncated]"))
	assert.Equal(t, maxCapture, b.buf.Len())
}

func TestKillTree_MissingProcess(t *testing.T) {
	// pid far above the usual pid_max
	assert.NoError(t, killTree(1<<30))
}
