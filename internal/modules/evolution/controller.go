package evolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/events"
	"github.com/aristath/evolver/internal/modules/parser"
	"github.com/aristath/evolver/internal/modules/versioning"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const moduleName = "evolution"

// errCancelled marks an iteration abandoned because the session context ended.
var errCancelled = errors.New("session cancelled")

// Config holds the loop limits and scoring parameters.
type Config struct {
	MaxIterations int
	MinTrades     int
	RunTimeout    time.Duration
	Mode          domain.ExecutionMode
	Keys          MetricKeys
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 10,
		MinTrades:     DefaultMinTrades,
		RunTimeout:    30 * time.Minute,
		Mode:          domain.ModeLocal,
		Keys:          DefaultMetricKeys(),
	}
}

// RunOptions configures one session.
type RunOptions struct {
	Family        string
	SessionID     string // generated when empty
	MaxIterations int    // overrides Config.MaxIterations when > 0
	Mode          domain.ExecutionMode
	Goal          string          // operator description of what the family should do
	Reviewer      domain.Reviewer // nil disables the review gate
}

// Controller runs the CLASSIFY, GENERATE, EXECUTE, SCORE, ADVANCE/DISCARD loop.
// A controller may serve several families at once; each Run call owns its state.
type Controller struct {
	store     domain.LineageStore
	artifacts domain.ArtifactStore
	generator domain.CandidateGenerator
	runner    domain.BacktestRunner
	parser    *parser.Parser
	namer     *versioning.Namer
	builder   *InstructionBuilder
	bus       *events.Bus
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// NewController creates an evolution controller. bus may be nil.
func NewController(
	store domain.LineageStore,
	artifacts domain.ArtifactStore,
	generator domain.CandidateGenerator,
	runner domain.BacktestRunner,
	p *parser.Parser,
	namer *versioning.Namer,
	bus *events.Bus,
	cfg Config,
	log zerolog.Logger,
) *Controller {
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = DefaultMinTrades
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeLocal
	}
	if len(cfg.Keys.CAGR) == 0 && len(cfg.Keys.Sharpe) == 0 && len(cfg.Keys.Trades) == 0 {
		cfg.Keys = DefaultMetricKeys()
	}
	return &Controller{
		store:     store,
		artifacts: artifacts,
		generator: generator,
		runner:    runner,
		parser:    p,
		namer:     namer,
		builder:   NewInstructionBuilder(cfg.Keys, cfg.MinTrades),
		bus:       bus,
		cfg:       cfg,
		log:       log.With().Str("component", "evolution_controller").Logger(),
		now:       time.Now,
	}
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// CheckMode resolves an empty mode to the configured default and rejects modes
// the runner has no command for. Runners that do not list modes accept any.
func (c *Controller) CheckMode(mode domain.ExecutionMode) (domain.ExecutionMode, error) {
	if mode == "" {
		mode = c.cfg.Mode
	}
	lister, ok := c.runner.(domain.ModeLister)
	if !ok {
		return mode, nil
	}
	for _, m := range lister.Modes() {
		if m == mode {
			return mode, nil
		}
	}
	return mode, fmt.Errorf("%w %q", domain.ErrUnknownMode, mode)
}

// Run evolves a family until the iteration cap, cancellation of ctx, or a fatal
// failure. The result is always returned; on a fatal failure the error is a
// *TerminationError naming the last good head. Cancellation is not an error.
func (c *Controller) Run(ctx context.Context, opts RunOptions) (*SessionResult, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	maxIterations := c.cfg.MaxIterations
	if opts.MaxIterations > 0 {
		maxIterations = opts.MaxIterations
	}
	mode, modeErr := c.CheckMode(opts.Mode)
	opts.Mode = mode

	log := c.log.With().
		Str("session", opts.SessionID).
		Str("family", opts.Family).
		Logger()

	result := &SessionResult{
		SessionID:  opts.SessionID,
		Family:     opts.Family,
		Iterations: []IterationRecord{},
		StartedAt:  c.now(),
	}

	if opts.Family == "" {
		return c.finish(result, &EvolutionState{}, log, ReasonFatal, &TerminationError{
			Stage: "resume",
			Cause: fmt.Errorf("family is required"),
		})
	}

	if modeErr != nil {
		return c.finish(result, &EvolutionState{Family: opts.Family}, log, ReasonFatal, &TerminationError{
			Family: opts.Family,
			Stage:  "configure",
			Cause:  modeErr,
		})
	}

	state, err := c.resume(ctx, opts.Family, opts.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			return c.finish(result, &EvolutionState{Family: opts.Family}, log, ReasonCancelled, nil)
		}
		return c.finish(result, &EvolutionState{Family: opts.Family}, log, ReasonFatal, &TerminationError{
			Family: opts.Family,
			Stage:  "resume",
			Cause:  err,
		})
	}

	log.Info().
		Str("head", state.HeadID).
		Int("max_iterations", maxIterations).
		Str("mode", string(opts.Mode)).
		Msg("Evolution session started")
	c.bus.Emit(moduleName, &events.SessionStartedData{
		SessionID:     opts.SessionID,
		Family:        opts.Family,
		HeadVersion:   state.HeadID,
		MaxIterations: maxIterations,
	})

	reason := ReasonIterationCap
	for state.Iteration < maxIterations {
		// Cooperative stop point: nothing is in flight here.
		if ctx.Err() != nil {
			reason = ReasonCancelled
			break
		}

		state.Iteration++
		rec, err := c.iterate(ctx, state, opts, log)
		if errors.Is(err, errCancelled) {
			reason = ReasonCancelled
			break
		}
		if err != nil {
			return c.finish(result, state, log, ReasonFatal, err)
		}

		result.Iterations = append(result.Iterations, rec)
		if rec.Decision == DecisionAdvance {
			result.Advanced++
		} else {
			result.Discarded++
		}
	}

	return c.finish(result, state, log, reason, nil)
}

// iterate runs one full cycle from classification to the recorded decision.
func (c *Controller) iterate(ctx context.Context, state *EvolutionState, opts RunOptions, log zerolog.Logger) (IterationRecord, error) {
	// CLASSIFY
	reference, priorSource := state.Reference()
	state.Scenario = Classify(reference, c.cfg.Keys, c.cfg.MinTrades)
	scenariosTotal.WithLabelValues(state.Family, string(state.Scenario)).Inc()
	c.bus.Emit(moduleName, &events.IterationStartedData{
		SessionID:   state.SessionID,
		Family:      state.Family,
		Iteration:   state.Iteration,
		Scenario:    string(state.Scenario),
		HeadVersion: state.HeadID,
	})
	log.Info().
		Int("iteration", state.Iteration).
		Str("scenario", string(state.Scenario)).
		Str("head", state.HeadID).
		Msg("Iteration started")

	// GENERATE
	instruction := c.builder.Build(state, opts.Goal)
	if opts.Reviewer != nil {
		reviewed, err := opts.Reviewer.Review(ctx, state.Scenario, instruction)
		if err != nil {
			if ctx.Err() != nil {
				return IterationRecord{}, errCancelled
			}
			log.Warn().Err(err).Msg("Review failed, using generated instruction")
		} else {
			instruction = reviewed
		}
	}

	source, err := c.generator.Generate(ctx, domain.GenerationRequest{
		Family:      state.Family,
		Instruction: instruction,
		PriorSource: priorSource,
	})
	if err != nil {
		if ctx.Err() != nil {
			return IterationRecord{}, errCancelled
		}
		return IterationRecord{}, c.terminal(state, "generate", err)
	}

	// EXECUTE
	version, err := c.persistCandidate(ctx, state.Family, state.HeadID, source, describe(state.Scenario, instruction))
	if err != nil {
		if ctx.Err() != nil {
			return IterationRecord{}, errCancelled
		}
		return IterationRecord{}, c.terminal(state, "persist", err)
	}

	rec, err := c.evaluate(ctx, state, version, source, opts.Mode, log)
	if err != nil {
		return IterationRecord{}, err
	}
	rec.Iteration = state.Iteration
	rec.Scenario = state.Scenario
	return rec, nil
}

// persistCandidate allocates the next id under parentID and records the version.
// Nothing is overwritten: an id that is already taken fails with ErrConflict.
func (c *Controller) persistCandidate(ctx context.Context, family, parentID, source, description string) (domain.StrategyVersion, error) {
	entries, err := c.store.Read(ctx, family)
	if err != nil {
		return domain.StrategyVersion{}, err
	}

	id := c.namer.Next(parentID, domain.VersionIDs(entries))
	ref, err := c.artifacts.SaveSource(family, id, source)
	if err != nil {
		return domain.StrategyVersion{}, fmt.Errorf("failed to store source of %s: %w", id, err)
	}

	version := domain.StrategyVersion{
		ID:            id,
		ParentID:      versioning.Parent(id),
		SourceText:    source,
		FileReference: ref,
		Description:   description,
		CreatedAt:     c.now(),
	}
	if err := c.store.AppendVersion(ctx, family, version); err != nil {
		return domain.StrategyVersion{}, fmt.Errorf("failed to record version %s: %w", id, err)
	}

	c.bus.Emit(moduleName, &events.CandidateGeneratedData{
		Family:        family,
		Version:       id,
		ParentVersion: version.ParentID,
		FileReference: ref,
	})
	return version, nil
}

// evaluate runs the backtest of version, scores it against the head, records
// the outcome and moves the head when the candidate wins.
func (c *Controller) evaluate(ctx context.Context, state *EvolutionState, version domain.StrategyVersion, source string, mode domain.ExecutionMode, log zerolog.Logger) (IterationRecord, error) {
	started := c.now()
	outcome, err := c.execute(ctx, state.Family, version, mode)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Str("version", version.ID).Msg("Backtest abandoned, partial output discarded")
			return IterationRecord{}, errCancelled
		}
		return IterationRecord{}, c.terminal(state, "execute", err)
	}
	duration := c.now().Sub(started)
	backtestDuration.WithLabelValues(state.Family, string(mode)).Observe(duration.Seconds())
	backtestsTotal.WithLabelValues(state.Family, backtestResultLabel(outcome.Succeeded, outcome.TimedOut, outcome.Ambiguous)).Inc()

	c.bus.Emit(moduleName, &events.BacktestCompletedData{
		SessionID:  state.SessionID,
		Family:     state.Family,
		Version:    version.ID,
		Succeeded:  outcome.Succeeded,
		ErrorCount: len(outcome.Errors),
		TimedOut:   outcome.TimedOut,
		DurationMs: duration.Milliseconds(),
		Metrics:    outcome.Metrics,
	})

	// SCORE
	decision, delta := Decide(&outcome, state.HeadOutcome, c.cfg.Keys)
	score := Score(outcome.Metrics, c.cfg.Keys)

	// A finished run is always recorded, even if the session is being stopped.
	if err := c.store.AppendBacktest(context.WithoutCancel(ctx), state.Family, version.ID, outcome); err != nil {
		return IterationRecord{}, c.terminal(state, "record", err)
	}

	previousHead := state.HeadID
	last := outcome
	state.LastOutcome = &last
	state.LastSource = source
	if decision == DecisionAdvance {
		state.HeadID = version.ID
		state.HeadSource = source
		accepted := outcome
		state.HeadOutcome = &accepted
		headScore.WithLabelValues(state.Family).Set(score)
	}
	iterationsTotal.WithLabelValues(state.Family, string(decision)).Inc()

	c.bus.Emit(moduleName, &events.DecisionData{
		SessionID:    state.SessionID,
		Family:       state.Family,
		Version:      version.ID,
		HeadVersion:  state.HeadID,
		Score:        score,
		Delta:        delta,
		Advanced:     decision == DecisionAdvance,
		PreviousHead: previousHead,
	})
	log.Info().
		Str("version", version.ID).
		Str("decision", string(decision)).
		Bool("succeeded", outcome.Succeeded).
		Int("errors", len(outcome.Errors)).
		Float64("score", score).
		Float64("delta", delta).
		Str("head", state.HeadID).
		Msg("Candidate scored")

	return IterationRecord{
		Version:   version.ID,
		Decision:  decision,
		Score:     score,
		Delta:     delta,
		Succeeded: outcome.Succeeded,
		TimedOut:  outcome.TimedOut,
		Ambiguous: outcome.Ambiguous,
		Duration:  duration,
	}, nil
}

// execute runs the backtest under the configured timeout and parses its output.
// An error means the runner itself failed or ctx was cancelled; a failing
// backtest is reported through the outcome.
func (c *Controller) execute(ctx context.Context, family string, version domain.StrategyVersion, mode domain.ExecutionMode) (domain.BacktestOutcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	res, err := c.runner.Run(runCtx, domain.RunRequest{
		Family:     family,
		VersionID:  version.ID,
		SourcePath: version.FileReference,
		Mode:       mode,
		Timeout:    c.cfg.RunTimeout,
	})
	if ctx.Err() != nil {
		return domain.BacktestOutcome{}, ctx.Err()
	}

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) || (res != nil && res.TimedOut)
	if err != nil && !timedOut {
		var runnerErr *domain.RunnerError
		if !errors.As(err, &runnerErr) {
			err = &domain.RunnerError{Mode: mode, Err: err}
		}
		return domain.BacktestOutcome{}, err
	}
	if res == nil {
		res = &domain.RunResult{ExitCode: -1}
	}

	raw := res.CombinedOutput()
	parsed := c.parser.Parse(raw)

	outcome := domain.BacktestOutcome{
		VersionID:          version.ID,
		Succeeded:          parsed.Succeeded && res.ExitCode == 0 && !timedOut,
		Metrics:            parsed.Metrics,
		Errors:             parsed.Errors,
		Warnings:           parsed.Warnings,
		FailedDataRequests: parsed.FailedDataRequests,
		RawOutput:          raw,
		FolderReference:    res.ResultFolder,
		ExitCode:           res.ExitCode,
		TimedOut:           timedOut,
		Ambiguous:          parsed.Ambiguous && !timedOut,
		Timestamp:          c.now(),
	}
	if timedOut {
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("Backtest timed out after %s", c.cfg.RunTimeout))
	}

	outputRef, err := c.artifacts.SaveOutput(family, version.ID, raw)
	if err != nil {
		c.log.Warn().Err(err).Str("family", family).Str("version", version.ID).Msg("Failed to keep raw output")
	}

	if outcome.Ambiguous {
		c.log.Warn().
			Str("family", family).
			Str("version", version.ID).
			Int("exit_code", res.ExitCode).
			Str("output", outputRef).
			Msg("Backtest output has no statistics and no errors")
		c.bus.Emit(moduleName, &events.OutputAmbiguousData{
			Family:    family,
			Version:   version.ID,
			ExitCode:  res.ExitCode,
			OutputRef: outputRef,
		})
	}
	return outcome, nil
}

// resume rebuilds the session state by replaying the lineage with the ADVANCE rule.
func (c *Controller) resume(ctx context.Context, family, sessionID string) (*EvolutionState, error) {
	entries, err := c.store.Read(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("failed to read lineage: %w", err)
	}

	state := &EvolutionState{SessionID: sessionID, Family: family}
	headRef, lastRef := "", ""
	for i := range entries {
		latest := entries[i].LatestBacktest()
		if latest == nil {
			continue
		}
		last := *latest
		state.LastOutcome = &last
		lastRef = entries[i].Version.FileReference
		if decision, _ := Decide(latest, state.HeadOutcome, c.cfg.Keys); decision == DecisionAdvance {
			accepted := *latest
			state.HeadID = entries[i].Version.ID
			state.HeadOutcome = &accepted
			headRef = entries[i].Version.FileReference
		}
	}

	if headRef != "" {
		state.HeadSource = c.loadSource(family, headRef)
	}
	if lastRef != "" && !state.HasHead() {
		state.LastSource = c.loadSource(family, lastRef)
	}
	return state, nil
}

// loadSource reads a stored source for generator context; a missing source only costs context.
func (c *Controller) loadSource(family, ref string) string {
	source, err := c.artifacts.LoadSource(ref)
	if err != nil {
		c.log.Warn().Err(err).Str("family", family).Str("reference", ref).Msg("Source unavailable, generating without it")
		return ""
	}
	return source
}

// Head returns the head a new session would resume from.
func (c *Controller) Head(ctx context.Context, family string) (*EvolutionState, error) {
	return c.resume(ctx, family, "")
}

// Seed records a hand-written strategy as a new root-level version of family
// and evaluates it like any candidate.
func (c *Controller) Seed(ctx context.Context, family, source, description string) (IterationRecord, error) {
	state, err := c.resume(ctx, family, "")
	if err != nil {
		return IterationRecord{}, err
	}
	if description == "" {
		description = "seed"
	}

	version, err := c.persistCandidate(ctx, family, "", source, description)
	if err != nil {
		return IterationRecord{}, err
	}

	log := c.log.With().Str("family", family).Logger()
	rec, err := c.evaluate(ctx, state, version, source, c.cfg.Mode, log)
	if errors.Is(err, errCancelled) {
		return IterationRecord{}, ctx.Err()
	}
	return rec, err
}

func (c *Controller) terminal(state *EvolutionState, stage string, cause error) *TerminationError {
	return &TerminationError{
		Family:    state.Family,
		Head:      state.HeadID,
		Iteration: state.Iteration,
		Stage:     stage,
		Cause:     cause,
	}
}

// finish fills in the result, reports the termination and returns err unchanged.
func (c *Controller) finish(result *SessionResult, state *EvolutionState, log zerolog.Logger, reason string, err error) (*SessionResult, error) {
	result.HeadID = state.HeadID
	result.HeadOutcome = state.HeadOutcome
	result.FinishedAt = c.now()
	result.Reason = reason

	terminationsTotal.WithLabelValues(result.Family, result.Reason).Inc()
	data := &events.SessionTerminatedData{
		SessionID:   result.SessionID,
		Family:      result.Family,
		HeadVersion: result.HeadID,
		Iterations:  len(result.Iterations),
		Reason:      result.Reason,
	}
	if err != nil {
		data.Error = err.Error()
		log.Error().Err(err).Str("head", result.HeadID).Msg("Evolution session terminated")
	} else {
		log.Info().
			Str("reason", result.Reason).
			Str("head", result.HeadID).
			Int("iterations", len(result.Iterations)).
			Int("advanced", result.Advanced).
			Msg("Evolution session finished")
	}
	c.bus.Emit(moduleName, data)
	return result, err
}

// describe renders a one-line version description from the instruction.
func describe(scenario domain.Scenario, instruction string) string {
	line := strings.Join(strings.Fields(instruction), " ")
	if runes := []rune(line); len(runes) > 160 {
		line = string(runes[:157]) + "..."
	}
	return fmt.Sprintf("%s: %s", scenario, line)
}
