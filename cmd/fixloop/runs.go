package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/fixloop/internal/storage"
	"github.com/michaelbrown/fixloop/internal/storage/sqlite"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
	codeFlag     bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run-history", "r"},
	Short:   "Manage recorded repair runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (running, succeeded, exhausted, aborted)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsShowCmd.Flags().BoolVar(&codeFlag, "code", false, "Print the source of every attempt")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.RunListOptions{
		Status: storage.RunStatus(statusFilter),
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}
	printRuns(runs)
	return nil
}

func printRuns(runs []storage.Run) {
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return
	}

	fmt.Printf("%-10s %-10s %-10s %-3s %-40s %-15s %s\n", "ID", "STATUS", "LANGUAGE", "#", "TASK", "MODEL", "UPDATED")
	fmt.Println(strings.Repeat("─", 105))

	for _, r := range runs {
		fmt.Printf("%-10s %-10s %-10s %-3d %-40s %-15s %s\n",
			shortID(r.ID), r.Status, r.Language, r.Attempts, truncate(r.Task, 38), truncate(r.Model, 13), timeAgo(r.UpdatedAt))
	}
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Task:     %s\n", run.Task)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Language: %s\n", run.Language)
	fmt.Printf("Provider: %s\n", run.Provider)
	fmt.Printf("Model:    %s\n", run.Model)
	if run.Profile != "" {
		fmt.Printf("Profile:  %s\n", run.Profile)
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}
	fmt.Printf("Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", run.UpdatedAt.Format(time.RFC3339))

	attempts, err := store.LoadAttempts(ctx, run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nAttempts: %d\n", len(attempts))
	fmt.Println(strings.Repeat("─", 60))

	for _, a := range attempts {
		kind := "initial"
		if a.Repair {
			kind = "repair"
		}
		fmt.Printf("\n\033[36m#%d\033[0m %s (%s)\n", a.Index, a.Result, kind)
		if codeFlag {
			for _, line := range strings.Split(strings.TrimRight(a.Source, "\n"), "\n") {
				fmt.Printf("  \033[90m│ %s\033[0m\n", line)
			}
		}
		if out := a.Output(); out != "" {
			fmt.Printf("  output: %s\n", truncate(out, 200))
		}
		if e := a.Error(); e != "" {
			fmt.Printf("  error:  %s\n", truncate(e, 200))
		}
	}

	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s - %q? [y/N] ", shortID(run.ID), truncate(run.Task, 60))
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(run.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	attempts, err := store.LoadAttempts(ctx, run.ID)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(run, attempts)
		if err != nil {
			return err
		}
		output = string(data)
	case "md", "markdown":
		output = storage.ExportMarkdown(run, attempts)
	default:
		return fmt.Errorf("unknown export format %q (md or json)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLen {
		return s[:maxLen] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
