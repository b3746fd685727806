package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/evolver/internal/config"
	"github.com/aristath/evolver/internal/di"
	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/evolution"
	"github.com/aristath/evolver/internal/modules/lineage"
	"github.com/aristath/evolver/internal/modules/parser"
	"github.com/aristath/evolver/internal/modules/versioning"
	"github.com/aristath/evolver/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type runFlags struct {
	iterations int
	mode       string
	seed       string
	goal       string
	review     bool
}

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "evolver",
		Short:         "Evolve trading strategies through generate, backtest, score cycles",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")

	newLog := func(cmd *cobra.Command, cfgLevel string) zerolog.Logger {
		level := cfgLevel
		if logLevel != "" {
			level = logLevel
		}
		return logger.New(logger.Config{Level: level, Pretty: true, Output: cmd.ErrOrStderr()})
	}

	rootCmd.AddCommand(
		newRunCmd(newLog),
		newLineageCmd(newLog),
		newParseCmd(),
		newNextVersionCmd(),
	)
	return rootCmd
}

type logFactory func(cmd *cobra.Command, cfgLevel string) zerolog.Logger

func newRunCmd(newLog logFactory) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [family]",
		Short: "Run an evolution session for a strategy family in the foreground",
		Long: `Resumes the family from its persisted lineage and runs up to --iterations
generate, backtest, score cycles. Ctrl+C stops the session after recording
any backtest that already finished.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, args[0], flags, newLog)
		},
	}
	cmd.Flags().IntVarP(&flags.iterations, "iterations", "n", 0, "Maximum iterations (0 uses MAX_ITERATIONS)")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Execution mode from the runner file (defaults to BACKTEST_MODE)")
	cmd.Flags().StringVar(&flags.seed, "seed", "", "Register and backtest this source file as a new root version first")
	cmd.Flags().StringVar(&flags.goal, "goal", "", "Describe what the strategy family should do")
	cmd.Flags().BoolVar(&flags.review, "review", false, "Review each instruction on stdin before it is sent to the generator")
	return cmd
}

func runSession(cmd *cobra.Command, family string, flags runFlags, newLog logFactory) error {
	if !lineage.ValidFamily(family) {
		return fmt.Errorf("invalid family name %q", family)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLog(cmd, cfg.LogLevel)

	container, err := di.Wire(cfg, log)
	if err != nil {
		return err
	}
	defer container.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	if flags.seed != "" {
		source, err := os.ReadFile(flags.seed)
		if err != nil {
			return fmt.Errorf("failed to read seed: %w", err)
		}
		record, err := container.Controller.Seed(ctx, family, string(source), "seed from "+flags.seed)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "seeded %s: version %s, %s, score %.4f\n", family, record.Version, record.Decision, record.Score)
	}

	opts := evolution.RunOptions{
		Family:        family,
		MaxIterations: flags.iterations,
		Mode:          domain.ExecutionMode(flags.mode),
		Goal:          flags.goal,
	}
	if flags.review {
		opts.Reviewer = evolution.NewTimedReviewer(
			evolution.NewReaderReviewer(cmd.InOrStdin(), out),
			cfg.ReviewTimeout,
			log,
		)
	}

	result, runErr := container.Controller.Run(ctx, opts)
	if result != nil {
		printResult(out, result)
	}
	return runErr
}

func printResult(w io.Writer, result *evolution.SessionResult) {
	for _, it := range result.Iterations {
		status := "ok"
		switch {
		case it.TimedOut:
			status = "timeout"
		case !it.Succeeded:
			status = "failed"
		}
		fmt.Fprintf(w, "%3d  %-18s %-10s %-8s %-7s score %10.4f  delta %+10.4f\n",
			it.Iteration, it.Scenario, it.Version, it.Decision, status, it.Score, it.Delta)
	}
	head := result.HeadID
	if head == "" {
		head = "none"
	}
	fmt.Fprintf(w, "session %s: %s, head %s, %d advanced, %d discarded\n",
		result.SessionID, result.Reason, head, result.Advanced, result.Discarded)
}

func newLineageCmd(newLog logFactory) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "lineage [family]",
		Short: "Show the persisted lineage of a strategy family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			container, err := di.Wire(cfg, newLog(cmd, cfg.LogLevel))
			if err != nil {
				return err
			}
			defer container.Close()

			entries, err := container.Lineage.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("family %s has no lineage: %w", args[0], domain.ErrNotFound)
			}

			if raw {
				data, err := lineage.MarshalDocument(entries)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return printLineage(cmd.OutOrStdout(), args[0], entries, container.ScoreFunc())
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the persisted lineage document")
	return cmd
}

func printLineage(w io.Writer, family string, entries []domain.LineageEntry, score lineage.ScoreFunc) error {
	for _, e := range entries {
		parent := e.Version.ParentID
		if parent == "" {
			parent = "-"
		}
		latest := e.LatestBacktest()
		switch {
		case latest == nil:
			fmt.Fprintf(w, "%-10s parent %-10s untested\n", e.Version.ID, parent)
		case latest.Succeeded:
			fmt.Fprintf(w, "%-10s parent %-10s ok      score %10.4f  runs %d\n", e.Version.ID, parent, score(latest.Metrics), len(e.Backtests))
		default:
			fmt.Fprintf(w, "%-10s parent %-10s failed  errors %d  runs %d\n", e.Version.ID, parent, len(latest.Errors), len(e.Backtests))
		}
	}
	summary := lineage.Summarize(family, entries, score)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func newParseCmd() *cobra.Command {
	var warningsBlock bool

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse raw backtest output and print the extracted metrics and errors",
		Long:  `Reads backtest output from a file, or from stdin when the file is "-".`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read output: %w", err)
			}

			cfg := parser.DefaultConfig()
			cfg.WarningsBlock = warningsBlock
			result := parser.New(cfg).Parse(string(data))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&warningsBlock, "warnings-block", true, "Treat warning-only error blocks as failures")
	return cmd
}

func newNextVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-version [parent] [existing...]",
		Short: `Print the id of the next child of parent ("" for a new root)`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := args[0]
			if parent != "" && !versioning.Valid(parent) {
				return fmt.Errorf("%q: %w", parent, domain.ErrInvalidVersion)
			}
			next := versioning.NewNamer(zerolog.Nop()).Next(parent, args[1:])
			_, err := fmt.Fprintln(cmd.OutOrStdout(), next)
			return err
		},
	}
}
