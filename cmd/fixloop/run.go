package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/fixloop/internal/config"
	"github.com/michaelbrown/fixloop/internal/console"
	"github.com/michaelbrown/fixloop/internal/launch"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
	"github.com/michaelbrown/fixloop/internal/storage"
	"github.com/michaelbrown/fixloop/internal/storage/files"
	"github.com/michaelbrown/fixloop/internal/storage/sqlite"
)

var (
	maxAttemptsFlag int
	languageFlag    string
	timeoutFlag     time.Duration
	noSaveFlag      bool
	showCodeFlag    bool
	streamFlag      bool
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Generate a program for a task and repair it until it runs",
	Long: `Ask the model for a program, run it in an isolated container and feed
failures back until it succeeds or the attempt budget is spent.

Exits 0 when a program ran successfully and 1 otherwise.

Examples:
  fixloop run "print the first 10 prime numbers"
  fixloop run --language go --max-attempts 5 "reverse a string read from a constant"
  fixloop run --provider ollama --model qwen2.5-coder:7b --stream "sum 1..100"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	runCmd.Flags().BoolVar(&noSaveFlag, "no-save", false, "Do not record the run in the database or output directory")
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&maxAttemptsFlag, "max-attempts", 0, "Attempt budget (overrides config)")
	cmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Program language: "+strings.Join(sandbox.LanguageNames(), ", "))
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Per-execution time limit (overrides config)")
	cmd.Flags().BoolVar(&showCodeFlag, "show-code", false, "Print every candidate program")
	cmd.Flags().BoolVar(&streamFlag, "stream", false, "Stream model output as it is generated")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r, err := newRunner(cfg, !noSaveFlag)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := r.run(ctx, strings.Join(args, " "), requestFromFlags())
	if t == nil {
		return err
	}
	if err != nil && t.Succeeded() {
		// Only recording failed; the program itself ran.
		slog.Warn("run succeeded but was not fully saved", "error", err)
	}
	if !t.Succeeded() {
		return exitCode(1)
	}
	return nil
}

func requestFromFlags() launch.Request {
	return launch.Request{
		Language:    languageFlag,
		Provider:    providerFlag,
		Model:       modelFlag,
		Profile:     profileFlag,
		MaxAttempts: maxAttemptsFlag,
		Timeout:     timeoutFlag,
	}
}

// runner holds what a CLI run needs: the executor, the stores and the
// launcher that ties them together.
type runner struct {
	cfg       *config.Config
	launcher  *launch.Launcher
	store     storage.Store
	artifacts *files.Recorder
	closers   []func() error
}

func newRunner(cfg *config.Config, save bool) (*runner, error) {
	r := &runner{cfg: cfg}

	exec, rt, closeRuntime, err := launch.OpenExecutor(cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("opening container runtime: %w", err)
	}
	r.closers = append(r.closers, closeRuntime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rt.Ping(pingCtx); err != nil {
		slog.Warn("container runtime is not answering; attempts will report environment errors", "error", err)
	}
	cancel()

	opts := []launch.Option{launch.WithLogger(slog.Default())}
	if save {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		r.store = store
		r.closers = append(r.closers, store.Close)
		opts = append(opts, launch.WithStore(store))

		if cfg.Storage.Artifacts {
			r.artifacts = files.NewOS(cfg.Storage.OutputDir)
			opts = append(opts, launch.WithArtifacts(r.artifacts))
		}
	}

	r.launcher = launch.New(cfg, exec, opts...)
	return r, nil
}

func (r *runner) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// run executes one task and prints its progress. A nil transcript means the
// run could not start; otherwise the summary has already been printed.
func (r *runner) run(ctx context.Context, task string, req launch.Request) (*repair.Transcript, error) {
	var printer *console.Printer
	var onDelta func(string)
	if streamFlag || r.cfg.Repair.Stream {
		onDelta = func(s string) { printer.Delta(s) }
	}

	c, meta, err := r.launcher.Build(req, onDelta)
	if err != nil {
		return nil, err
	}

	printer = console.NewPrinter(os.Stdout, meta.Options.MaxAttempts)
	printer.ShowCode(showCodeFlag)
	printer.Attach(c)

	fmt.Printf("Task: %s\n", task)
	if meta.Profile != "" {
		fmt.Printf("Profile: %s\n", meta.Profile)
	}
	fmt.Printf("Language: %s | Provider: %s | Model: %s\n\n", meta.Options.Language.Display, meta.Provider, meta.Model)

	t, err := c.Run(ctx, repair.Task(task))

	var savedTo string
	if r.artifacts != nil && t != nil {
		savedTo, _ = r.artifacts.Dir(t)
	}
	if t != nil {
		fmt.Println()
		if t.Succeeded() && !showCodeFlag {
			fmt.Printf("--- final code ---\n%s\n", strings.TrimRight(t.FinalSource(), "\n"))
		}
		printer.Summary(t, savedTo)
	}
	return t, err
}
