// Command code-runner is an MCP stdio server that exposes the sandbox and
// the repair loop as tools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/fixloop/internal/config"
	"github.com/michaelbrown/fixloop/internal/launch"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/sandbox"
)

// maxText caps the text returned to the calling model.
const maxText = 4000

type tools struct {
	cfg      *config.Config
	executor sandbox.Executor
	launcher *launch.Launcher
}

func main() {
	// stdout carries the protocol.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(os.Getenv("FIXLOOP_CONFIG"))
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	exec, _, closeRuntime, err := launch.OpenExecutor(cfg, slog.Default())
	if err != nil {
		slog.Error("opening container runtime", "error", err)
		os.Exit(1)
	}
	defer closeRuntime()

	t := &tools{cfg: cfg, executor: exec, launcher: launch.New(cfg, exec)}
	if err := server.ServeStdio(newServer(t)); err != nil {
		slog.Error("server error", "error", err)
	}
}

func newServer(t *tools) *server.MCPServer {
	s := server.NewMCPServer("fixloop-code-runner", "0.1.0")
	langs := strings.Join(sandbox.LanguageNames(), ", ")

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code once in a network-less Docker sandbox. Supported languages: %s.", langs),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + langs + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
			},
			Required: []string{"language", "code"},
		},
	}, t.handleCodeRun)

	s.AddTool(mcp.Tool{
		Name:        "fix_task",
		Description: "Generate a program for a task, run it in the sandbox and repair it until it runs. Returns the final program and how the run ended.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "What the program should do",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + langs + "); defaults to the configured one",
				},
				"max_attempts": map[string]any{
					"type":        "number",
					"description": "Attempt budget (optional)",
				},
			},
			Required: []string{"task"},
		},
	}, t.handleFixTask)

	return s
}

func (t *tools) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	lang, err := sandbox.LookupLanguage(language)
	if err != nil {
		return errResult("error: " + err.Error()), nil
	}
	spec, err := t.cfg.SandboxSpec()
	if err != nil {
		return errResult("error: " + err.Error()), nil
	}

	res, err := t.executor.Execute(ctx, code, lang.Spec(spec.MemoryBytes, spec.Timeout))
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatResult(res)}},
		IsError: !res.OK(),
	}, nil
}

func (t *tools) handleFixTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return errResult("error: 'task' is required"), nil
	}
	req := launch.Request{}
	req.Language, _ = args["language"].(string)
	if n, ok := args["max_attempts"].(float64); ok && n > 0 {
		req.MaxAttempts = int(n)
	}

	c, _, err := t.launcher.Build(req, nil)
	if err != nil {
		return errResult("error: " + err.Error()), nil
	}
	tr, err := c.Run(ctx, repair.Task(task))
	if tr == nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "outcome: %s after %d attempt(s)\n", tr.Outcome, tr.Len())
	if tr.Error != "" {
		fmt.Fprintf(&out, "error: %s\n", tr.Error)
	}
	if last, ok := tr.Last(); ok {
		fmt.Fprintf(&out, "\n```%s\n%s\n```\n\n%s", tr.Language, strings.TrimRight(last.Source, "\n"), formatResult(last.Result))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: clip(out.String())}},
		IsError: !tr.Succeeded(),
	}, nil
}

func formatResult(res sandbox.Result) string {
	var output strings.Builder
	switch res.Status {
	case sandbox.StatusSuccess:
		output.WriteString(res.Stdout)
	case sandbox.StatusRuntimeFailure:
		output.WriteString("STDERR:\n" + res.Stderr)
		output.WriteString(fmt.Sprintf("\nexit code: %d", res.ExitCode))
	default:
		output.WriteString(res.String())
	}
	return clip(output.String())
}

func clip(text string) string {
	if len(text) > maxText {
		return text[:maxText] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
