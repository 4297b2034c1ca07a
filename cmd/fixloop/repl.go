package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/fixloop/internal/launch"
	"github.com/michaelbrown/fixloop/internal/sandbox"
	"github.com/michaelbrown/fixloop/internal/storage"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Enter tasks interactively, one repair run per line",
	Long: `Start an interactive prompt. Every line you enter is a task that is
generated, executed and repaired like "fixloop run".

Examples:
  fixloop repl
  fixloop repl --language javascript --show-code`,
	RunE: runRepl,
}

func init() {
	addRunFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	r, err := newRunner(cfg, true)
	if err != nil {
		return err
	}
	defer r.Close()

	req := requestFromFlags()

	fmt.Printf("fixloop - interactive repair loop\n")
	fmt.Printf("Type a task, /help for commands, /quit to exit\n\n")

	historyFile := filepath.Join(os.TempDir(), "fixloop_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mtask>\033[0m ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the active run, not the whole app.
	var runCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if runCancel != nil {
				runCancel()
			}
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(input, r, &req); quit {
				return nil
			}
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		runCancel = cancel
		t, err := r.run(ctx, input, req)
		cancel()
		runCancel = nil

		if t == nil && err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
		}
		fmt.Println()
	}
}

// handleCommand runs a slash command and reports whether to quit.
func handleCommand(input string, r *runner, req *launch.Request) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/lang", "/language":
		if len(fields) < 2 {
			current := req.Language
			if current == "" {
				current = r.cfg.Sandbox.Language
			}
			fmt.Printf("Language: %s (available: %s)\n\n", current, strings.Join(sandbox.LanguageNames(), ", "))
			return false
		}
		if _, err := sandbox.LookupLanguage(fields[1]); err != nil {
			fmt.Printf("%s\n\n", err)
			return false
		}
		req.Language = fields[1]
		fmt.Printf("Language set to %s.\n\n", fields[1])
	case "/attempts":
		if len(fields) < 2 {
			fmt.Printf("Usage: /attempts <n>\n\n")
			return false
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			fmt.Printf("Usage: /attempts <n>\n\n")
			return false
		}
		req.MaxAttempts = n
		fmt.Printf("Attempt budget set to %d.\n\n", n)
	case "/runs":
		if r.store == nil {
			fmt.Println("Runs are not being saved.")
			fmt.Println()
			return false
		}
		runs, err := r.store.ListRuns(context.Background(), storage.RunListOptions{Limit: 10})
		if err != nil {
			fmt.Printf("error: %s\n\n", err)
			return false
		}
		printRuns(runs)
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help           - Show this help")
		fmt.Println("  /lang [name]    - Show or change the program language")
		fmt.Println("  /attempts <n>   - Change the attempt budget")
		fmt.Println("  /runs           - List recent runs")
		fmt.Println("  /quit           - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
