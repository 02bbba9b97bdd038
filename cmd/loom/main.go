package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/validation"
	"github.com/loomworks/loom/pkg/schema"
)

const usage = `loom - workflow orchestration engine

Usage:
  loom run <workflow.json> [-input <input.json>]   run a workflow
  loom validate <workflow.json>                    validate a definition
  loom schedule <workflow.json> -cron <expr>       run a workflow on a cron schedule
  loom handlers                                    list builtin handlers

Environment:
  LOOM_DB_PATH    libSQL database path (with LOOM_PERSIST=1)
  LOOM_LOG_LEVEL  debug | info | warn | error
  LOOM_POOL_SIZE  parallel branch concurrency
  LOOM_PERSIST    persist runs to libSQL instead of memory
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "schedule":
		err = cmdSchedule(cfg, logger, os.Args[2:])
	case "handlers":
		err = cmdHandlers(cfg, logger)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputPath := fs.String("input", "", "path to a JSON file with the run input")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run expects exactly one workflow file")
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	input := map[string]any{}
	if *inputPath != "" {
		data, err := os.ReadFile(*inputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return fmt.Errorf("parse input: %w", err)
		}
	}

	eng, cleanup, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := eng.Runner.Execute(ctx, def, input)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.Ok() {
		os.Exit(1)
	}
	return nil
}

func cmdValidate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("validate expects exactly one workflow file")
	}

	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(def); err != nil {
		return err
	}

	fmt.Printf("%s: valid\n", def.Name)
	return nil
}

func cmdSchedule(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	cronExpr := fs.String("cron", "", "cron expression (minute granularity)")
	inputPath := fs.String("input", "", "path to a JSON file with the run input")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("schedule expects exactly one workflow file")
	}
	if *cronExpr == "" {
		return fmt.Errorf("schedule requires -cron")
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	input := map[string]any{}
	if *inputPath != "" {
		data, err := os.ReadFile(*inputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return fmt.Errorf("parse input: %w", err)
		}
	}

	eng, cleanup, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sched := scheduler.NewScheduler(eng.Runner, logger)
	if err := sched.Add(&scheduler.Schedule{
		ID:         def.Name,
		CronExpr:   *cronExpr,
		Definition: def,
		Input:      input,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

func cmdHandlers(cfg Config, logger *slog.Logger) error {
	eng, cleanup, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, info := range eng.Registry.List() {
		fmt.Printf("%-18s %s\n", info.Name, info.Description)
	}
	return nil
}

func buildEngine(cfg Config, logger *slog.Logger) (*engine.Engine, func(), error) {
	var st store.Store
	if cfg.Persist {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create db directory: %w", err)
		}
		libsql, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := libsql.Migrate(context.Background()); err != nil {
			libsql.Close()
			return nil, nil, err
		}
		st = libsql
	} else {
		st = store.NewMemoryStore()
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	eng, err := engine.New(st, validator, engine.Config{
		PoolSize:         cfg.PoolSize,
		RegisterBuiltins: true,
	}, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	return eng, func() { _ = eng.Close() }, nil
}

func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &def, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
