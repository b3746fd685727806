package evolution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/events"
	"github.com/aristath/evolver/internal/modules/parser"
	"github.com/aristath/evolver/internal/modules/versioning"
	testingpkg "github.com/aristath/evolver/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type controllerFixture struct {
	controller *Controller
	store      *testingpkg.MockLineageStore
	artifacts  *testingpkg.MockArtifactStore
	generator  *testingpkg.MockGenerator
	runner     *testingpkg.MockRunner
	bus        *events.Bus
}

func newFixture(t *testing.T, cfg Config, results ...*domain.RunResult) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		store:     testingpkg.NewMockLineageStore(),
		artifacts: testingpkg.NewMockArtifactStore(),
		generator: testingpkg.NewMockGenerator(),
		runner:    testingpkg.NewMockRunner(results...),
		bus:       events.NewBus(zerolog.Nop()),
	}
	f.controller = f.newController(cfg)
	return f
}

func (f *controllerFixture) newController(cfg Config) *Controller {
	return NewController(
		f.store,
		f.artifacts,
		f.generator,
		f.runner,
		parser.New(parser.DefaultConfig()),
		versioning.NewNamer(zerolog.Nop()),
		f.bus,
		cfg,
		zerolog.Nop(),
	)
}

func success(cagr, sharpe string) *domain.RunResult {
	return testingpkg.ResultWithOutput(testingpkg.SuccessfulOutput(cagr, sharpe, 150))
}

func failure() *domain.RunResult {
	return &domain.RunResult{ExitCode: 1, Stderr: testingpkg.FailingOutput()}
}

func testConfig(iterations int) Config {
	cfg := DefaultConfig()
	cfg.MaxIterations = iterations
	cfg.RunTimeout = 5 * time.Second
	return cfg
}

func TestRun_FirstVersionOfNewFamilyIsRoot(t *testing.T) {
	f := newFixture(t, testConfig(1), success("10%", "1.5"))

	result, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)

	assert.Equal(t, "1", result.HeadID)
	assert.Equal(t, ReasonIterationCap, result.Reason)
	require.Len(t, result.Iterations, 1)
	assert.Equal(t, DecisionAdvance, result.Iterations[0].Decision)
	assert.Equal(t, domain.ScenarioImprovementNeeded, result.Iterations[0].Scenario)
	assert.InDelta(t, 15.0, result.Iterations[0].Score, 1e-9)

	entries, err := f.store.Read(context.Background(), "momentum")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Version.ID)
	assert.True(t, entries[0].Version.IsRoot())
	assert.Equal(t, "momentum/1.py", entries[0].Version.FileReference)
	require.Len(t, entries[0].Backtests, 1)
	assert.True(t, entries[0].Backtests[0].Succeeded)
}

func TestRun_FailedRootThenNextRootIsTwo(t *testing.T) {
	f := newFixture(t, testConfig(2), failure(), success("10%", "1"))
	f.generator = testingpkg.NewMockGenerator("first attempt", "second attempt")
	f.controller = f.newController(testConfig(2))

	result, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)

	require.Len(t, result.Iterations, 2)
	assert.Equal(t, "1", result.Iterations[0].Version)
	assert.Equal(t, DecisionDiscard, result.Iterations[0].Decision)
	assert.Equal(t, "2", result.Iterations[1].Version, "root is taken, sibling-max picks 2")
	assert.Equal(t, domain.ScenarioError, result.Iterations[1].Scenario, "the failure is fed back")
	assert.Equal(t, "2", result.HeadID)

	requests := f.generator.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[1].Instruction, "NameError")
	assert.Equal(t, "first attempt", requests[1].PriorSource)
}

func TestRun_AdvancesOnlyOnBetterScore(t *testing.T) {
	f := newFixture(t, testConfig(4),
		success("10%", "1"), // 10 -> advance, head 1
		success("5%", "1"),  // 5 -> discard
		success("20%", "1"), // 20 -> advance, head 1_2
		success("20%", "1"), // equal -> discard
	)

	result, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)

	versions := []string{}
	decisions := []Decision{}
	for _, rec := range result.Iterations {
		versions = append(versions, rec.Version)
		decisions = append(decisions, rec.Decision)
	}
	assert.Equal(t, []string{"1", "1_1", "1_2", "1_2_1"}, versions)
	assert.Equal(t, []Decision{DecisionAdvance, DecisionDiscard, DecisionAdvance, DecisionDiscard}, decisions)
	assert.Equal(t, "1_2", result.HeadID)
	assert.Equal(t, 2, result.Advanced)
	assert.Equal(t, 2, result.Discarded)
	assert.InDelta(t, 0.0, result.Iterations[3].Delta, 1e-9)

	entries, err := f.store.Read(context.Background(), "momentum")
	require.NoError(t, err)
	assert.Equal(t, "1_2", domain.FindEntry(entries, "1_2_1").Version.ParentID)
}

func TestRun_AppendOnlyAudit(t *testing.T) {
	const n = 6
	f := newFixture(t, testConfig(n),
		success("10%", "1"),
		failure(),
		success("3%", "1"),
		&domain.RunResult{ExitCode: 0, Stdout: "no statistics today"},
		success("30%", "2"),
		failure(),
	)

	result, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)
	require.Len(t, result.Iterations, n)

	entries, err := f.store.Read(context.Background(), "momentum")
	require.NoError(t, err)

	generated := []string{}
	for _, rec := range result.Iterations {
		generated = append(generated, rec.Version)
	}
	assert.ElementsMatch(t, generated, domain.VersionIDs(entries))
	assert.Equal(t, n, domain.CountBacktests(entries))
	assert.Equal(t, n, f.artifacts.SourceCount())
}

func TestRun_NonZeroExitFailsWithoutSyntheticError(t *testing.T) {
	result := success("10%", "1")
	result.ExitCode = 2
	f := newFixture(t, testConfig(1), result)

	_, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)

	entries, _ := f.store.Read(context.Background(), "momentum")
	outcome := entries[0].Backtests[0]
	assert.False(t, outcome.Succeeded)
	assert.Empty(t, outcome.Errors)
	assert.Equal(t, "10%", outcome.Metrics["Compounding Annual Return"], "metrics are still recorded")
}

func TestRun_AmbiguousOutputIsSurfaced(t *testing.T) {
	f := newFixture(t, testConfig(1), testingpkg.ResultWithOutput("engine exited\n"))

	var mu sync.Mutex
	var ambiguous []*events.Event
	f.bus.Subscribe(func(e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		ambiguous = append(ambiguous, e)
	}, events.OutputAmbiguous)

	result, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)

	assert.True(t, result.Iterations[0].Ambiguous)
	assert.False(t, result.Iterations[0].Succeeded)
	assert.Equal(t, DecisionDiscard, result.Iterations[0].Decision)
	mu.Lock()
	assert.Len(t, ambiguous, 1)
	mu.Unlock()
}

func TestRun_TimeoutRecordsFailedOutcome(t *testing.T) {
	cfg := testConfig(1)
	cfg.RunTimeout = 50 * time.Millisecond
	// nil result: the mock runner blocks until its context ends
	f := newFixture(t, cfg, nil)

	result, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)
	require.Len(t, result.Iterations, 1)
	assert.True(t, result.Iterations[0].TimedOut)

	entries, _ := f.store.Read(context.Background(), "momentum")
	require.Len(t, entries[0].Backtests, 1)
	outcome := entries[0].Backtests[0]
	assert.False(t, outcome.Succeeded)
	require.NotEmpty(t, outcome.Errors)
	assert.Contains(t, outcome.Errors[len(outcome.Errors)-1], "timed out")
}

func TestRun_CancelDuringBacktestDiscardsPartialRun(t *testing.T) {
	f := newFixture(t, testConfig(5), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *SessionResult, 1)
	go func() {
		result, err := f.controller.Run(ctx, RunOptions{Family: "momentum"})
		assert.NoError(t, err)
		done <- result
	}()

	select {
	case <-f.runner.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("backtest never started")
	}
	cancel()

	var result *SessionResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}

	assert.Equal(t, ReasonCancelled, result.Reason)
	assert.Empty(t, result.Iterations)

	entries, err := f.store.Read(context.Background(), "momentum")
	require.NoError(t, err)
	require.Len(t, entries, 1, "the version stays in the audit trail")
	assert.Empty(t, entries[0].Backtests, "partial output is not scored")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, testConfig(3), success("10%", "1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.controller.Run(ctx, RunOptions{Family: "momentum"})
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, result.Reason)
	assert.Empty(t, f.generator.Requests())
}

func TestRun_GeneratorFailureTerminates(t *testing.T) {
	f := newFixture(t, testConfig(3), success("10%", "1"))
	f.generator.SetError(&domain.GenerationError{Attempts: 3, Err: domain.ErrNoArtifact})

	result, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.Error(t, err)

	var term *TerminationError
	require.ErrorAs(t, err, &term)
	assert.Equal(t, "generate", term.Stage)
	assert.Equal(t, 1, term.Iteration)

	var genErr *domain.GenerationError
	assert.ErrorAs(t, err, &genErr)
	assert.ErrorIs(t, err, domain.ErrNoArtifact)
	assert.Equal(t, ReasonFatal, result.Reason)
}

func TestRun_RunnerUnavailableKeepsLastGoodHead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1), success("10%", "1"))

	_, err := f.controller.Run(ctx, RunOptions{Family: "momentum"})
	require.NoError(t, err)

	f.runner.SetError(errors.New("connection refused"))
	result, err := f.controller.Run(ctx, RunOptions{Family: "momentum", MaxIterations: 3})
	require.Error(t, err)

	var term *TerminationError
	require.ErrorAs(t, err, &term)
	assert.Equal(t, "execute", term.Stage)
	assert.Equal(t, "1", term.Head)
	assert.Equal(t, "1", result.HeadID)

	var runnerErr *domain.RunnerError
	assert.ErrorAs(t, err, &runnerErr)
}

// failingBacktestStore accepts versions but cannot record outcomes
type failingBacktestStore struct {
	*testingpkg.MockLineageStore
}

func (s failingBacktestStore) AppendBacktest(context.Context, string, string, domain.BacktestOutcome) error {
	return errors.New("disk full")
}

func TestRun_LineageWriteFailureTerminates(t *testing.T) {
	f := newFixture(t, testConfig(3), success("10%", "1"))
	controller := NewController(
		failingBacktestStore{f.store},
		f.artifacts,
		f.generator,
		f.runner,
		parser.New(parser.DefaultConfig()),
		versioning.NewNamer(zerolog.Nop()),
		nil,
		testConfig(3),
		zerolog.Nop(),
	)

	_, err := controller.Run(context.Background(), RunOptions{Family: "momentum"})

	var term *TerminationError
	require.ErrorAs(t, err, &term)
	assert.Equal(t, "record", term.Stage)
	assert.Len(t, f.generator.Requests(), 1, "the loop stops at the first lost write")
}

func TestRun_ResumeFromPersistedLineage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(3), success("10%", "1"), success("20%", "1"), success("1%", "1"))

	_, err := f.controller.Run(ctx, RunOptions{Family: "momentum"})
	require.NoError(t, err)

	// A fresh controller over the same store finds the same head
	resumed := f.newController(testConfig(1))
	state, err := resumed.Head(ctx, "momentum")
	require.NoError(t, err)
	assert.Equal(t, "1_1", state.HeadID)
	assert.InDelta(t, 20.0, Score(state.HeadOutcome.Metrics, DefaultMetricKeys()), 1e-9)
	assert.NotEmpty(t, state.HeadSource)

	result, err := resumed.Run(ctx, RunOptions{Family: "momentum"})
	require.NoError(t, err)
	assert.Equal(t, "1_1_2", result.Iterations[0].Version, "1_1_1 was already tried")
}

func TestRun_ReviewerAmendsInstruction(t *testing.T) {
	f := newFixture(t, testConfig(1), success("10%", "1"))

	reviewer := new(MockReviewer)
	reviewer.On("Review", mock.Anything, domain.ScenarioImprovementNeeded, mock.AnythingOfType("string")).
		Return("operator instruction", nil)

	_, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum", Reviewer: reviewer})
	require.NoError(t, err)

	requests := f.generator.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "operator instruction", requests[0].Instruction)
	reviewer.AssertExpectations(t)
}

func TestRun_EmitsLoopEvents(t *testing.T) {
	f := newFixture(t, testConfig(2), success("10%", "1"), success("5%", "1"))

	var mu sync.Mutex
	var seen []events.EventType
	f.bus.Subscribe(func(e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})

	_, err := f.controller.Run(context.Background(), RunOptions{Family: "momentum"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{
		events.SessionStarted,
		events.IterationStarted, events.CandidateGenerated, events.BacktestCompleted, events.HeadAdvanced,
		events.IterationStarted, events.CandidateGenerated, events.BacktestCompleted, events.CandidateDiscarded,
		events.SessionTerminated,
	}, seen)
}

func TestRun_RequiresFamily(t *testing.T) {
	f := newFixture(t, testConfig(1))

	_, err := f.controller.Run(context.Background(), RunOptions{})
	assert.Error(t, err)
}

// listingRunner advertises the modes it has commands for.
type listingRunner struct {
	*testingpkg.MockRunner
	modes []domain.ExecutionMode
}

func (r listingRunner) Modes() []domain.ExecutionMode {
	return r.modes
}

func TestCheckMode(t *testing.T) {
	f := newFixture(t, testConfig(1))
	controller := NewController(f.store, f.artifacts, f.generator,
		listingRunner{MockRunner: f.runner, modes: []domain.ExecutionMode{domain.ModeLocal}},
		parser.New(parser.DefaultConfig()), versioning.NewNamer(zerolog.Nop()), nil, testConfig(1), zerolog.Nop())

	mode, err := controller.CheckMode("")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeLocal, mode)

	_, err = controller.CheckMode(domain.ModeCloud)
	assert.ErrorIs(t, err, domain.ErrUnknownMode)

	// runners that do not list modes accept anything
	mode, err = f.controller.CheckMode("paper")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionMode("paper"), mode)
}

func TestRun_UnknownModeTerminatesBeforeGenerating(t *testing.T) {
	f := newFixture(t, testConfig(3), success("10%", "1.5"))
	controller := NewController(f.store, f.artifacts, f.generator,
		listingRunner{MockRunner: f.runner, modes: []domain.ExecutionMode{domain.ModeLocal}},
		parser.New(parser.DefaultConfig()), versioning.NewNamer(zerolog.Nop()), nil, testConfig(3), zerolog.Nop())

	result, err := controller.Run(context.Background(), RunOptions{Family: "momentum", Mode: domain.ModeCloud})

	var term *TerminationError
	require.ErrorAs(t, err, &term)
	assert.ErrorIs(t, err, domain.ErrUnknownMode)
	assert.Equal(t, ReasonFatal, result.Reason)
	assert.Empty(t, f.generator.Requests())
	assert.Equal(t, 0, f.artifacts.SourceCount())
}

func TestSeed_RegistersRootAndEvaluates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(1), success("10%", "1"))

	rec, err := f.controller.Seed(ctx, "momentum", "class Seed: pass", "hand written")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Version)
	assert.Equal(t, DecisionAdvance, rec.Decision)

	entries, err := f.store.Read(ctx, "momentum")
	require.NoError(t, err)
	assert.Equal(t, "hand written", entries[0].Version.Description)

	source, err := f.artifacts.LoadSource(entries[0].Version.FileReference)
	require.NoError(t, err)
	assert.Equal(t, "class Seed: pass", source)

	// The next session evolves the seed
	result, err := f.controller.Run(ctx, RunOptions{Family: "momentum"})
	require.NoError(t, err)
	assert.Equal(t, "1_1", result.Iterations[0].Version)
	assert.Equal(t, "class Seed: pass", f.generator.Requests()[0].PriorSource)
}

func TestTerminationError_Message(t *testing.T) {
	err := &TerminationError{Family: "momentum", Stage: "generate", Iteration: 2, Cause: errors.New("boom")}
	assert.Contains(t, err.Error(), "head none")
	assert.Contains(t, err.Error(), "generate")
	assert.ErrorIs(t, err, err.Cause)
}

func TestDescribe_TruncatesOnRuneBoundary(t *testing.T) {
	instruction := strings.Repeat("é", 156) + "€€€€€€"

	got := describe(domain.ScenarioError, instruction)

	assert.True(t, utf8.ValidString(got))
	line := strings.TrimPrefix(got, string(domain.ScenarioError)+": ")
	assert.Equal(t, 160, utf8.RuneCountInString(line))
	assert.True(t, strings.HasSuffix(line, "€..."))
}

func TestDescribe_ShortInstructionKept(t *testing.T) {
	got := describe(domain.ScenarioLowTrades, "  trade   more\n often ")

	assert.Equal(t, string(domain.ScenarioLowTrades)+": trade more often", got)
}
