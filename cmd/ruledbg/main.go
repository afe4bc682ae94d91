// Command ruledbg runs the rule debugger as an MCP server over stdio.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/ruledbg/internal/codegen"
	"github.com/rendis/ruledbg/internal/condition"
	"github.com/rendis/ruledbg/internal/engine"
	"github.com/rendis/ruledbg/internal/logging"
	"github.com/rendis/ruledbg/internal/query"
	"github.com/rendis/ruledbg/internal/retention"
	"github.com/rendis/ruledbg/internal/session"
	"github.com/rendis/ruledbg/internal/store"
	"github.com/rendis/ruledbg/internal/streaming"
	"github.com/rendis/ruledbg/internal/trace"
	"github.com/rendis/ruledbg/internal/validation"
	"github.com/rendis/ruledbg/pkg/mcp"
	"github.com/rendis/ruledbg/pkg/schema"
)

var version = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:   "ruledbg",
		Short: "Source-mapped stepwise debugger for rule programs",
		Long: `ruledbg debugs rule programs at the rule-language level: it generates
executable code with a source map, runs it, and serves the trace one
pause at a time over MCP. Breakpoints, conditions, and variable queries
all operate on rule-language lines and names.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(serveCmd(), debugCmd(), validateCmd(), sweepCmd(), versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP debug server on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func debugCmd() *cobra.Command {
	var varFlags []string
	var showTrace bool

	cmd := &cobra.Command{
		Use:   "debug <rule-file>",
		Short: "Run a rule file to completion and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read rule file: %w", err)
			}
			initialVars, err := parseVarFlags(varFlags)
			if err != nil {
				return err
			}

			cfg := loadConfig()
			logger := newLogger(cfg)

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			manager, _, err := buildManager(cfg, st, logger)
			if err != nil {
				return err
			}

			sess, err := manager.CreateSession(cmd.Context(), string(source))
			if err != nil {
				return err
			}
			state, err := sess.Start(cmd.Context(), initialVars)
			if err != nil {
				return err
			}
			if state.Kind == schema.StateError {
				return fmt.Errorf("execution failed: %s", state.Message)
			}

			if showTrace {
				steps, err := st.LoadTrace(cmd.Context(), sess.ID())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, step := range steps {
					if err := enc.Encode(step); err != nil {
						return err
					}
				}
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(state.Result))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "initial variable as name=value (value parsed as JSON, else string)")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "print the enriched step trace as JSON lines instead of the result")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <sourcemap.json>",
		Short: "Validate a source map document against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read source map: %w", err)
			}
			validator, err := validation.NewSourceMapValidator()
			if err != nil {
				return fmt.Errorf("init validator: %w", err)
			}
			sm, err := validator.Validate(raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %d statements\n", len(sm.Statements))
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished sessions older than the retention max age and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg)

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			sweeper := retention.NewSweeper(st, retention.Config{
				Schedule: cfg.Retention.Schedule,
				MaxAge:   cfg.Retention.MaxAge,
				Vacuum:   cfg.Retention.Vacuum,
			}, logger)

			deleted, err := sweeper.SweepNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired sessions\n", deleted)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ruledbg version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ruledbg %s\n", version)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()
	logger := newLogger(cfg)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	manager, hub, err := buildManager(cfg, st, logger)
	if err != nil {
		return err
	}

	if cfg.Retention.Enabled {
		sweeper := retention.NewSweeper(st, retention.Config{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
			Vacuum:   cfg.Retention.Vacuum,
		}, logger)
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start retention sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	srv := mcp.NewDebugServer(mcp.DebugServerDeps{
		Manager: manager,
		Store:   st,
		Hub:     hub,
		Logger:  logger,
	})

	logger.Info("ruledbg serving MCP on stdio",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath))
	return srv.Serve(ctx)
}

// buildManager assembles the session manager from the reference collaborators.
func buildManager(cfg Config, st store.Store, logger *slog.Logger) (*session.Manager, streaming.EventHub, error) {
	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return nil, nil, fmt.Errorf("init condition evaluator: %w", err)
	}

	hub := streaming.NewMemoryHub(logger)
	manager := session.NewManager(
		st,
		hub,
		engine.NewInterpreter(),
		codegen.New(),
		trace.NewConverter(nil, nil),
		evaluator,
		query.NewEngine(),
		session.Config{
			EngineTimeout:        cfg.EngineTimeout,
			ContinueToBreakpoint: cfg.ContinueToBreakpoint,
		},
		logger,
	)
	return manager, hub, nil
}

// parseVarFlags turns name=value pairs into initial variables. Values parse
// as JSON when possible, so --var price=10 is a number and --var name=ana a
// string.
func parseVarFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		vars[name] = value
	}
	return vars, nil
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// newLogger builds the process logger. Stdout carries the MCP transport, so
// logs always go to stderr.
func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
