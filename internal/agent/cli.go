// Package agent implements the pipeline stages: an external coding agent for
// planning, building and review, and local checks for validation.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/prompts"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// Runner starts the agent process and returns its stdout
type Runner interface {
	Run(ctx context.Context, argv []string, stdin string, env []string) (string, error)
}

// ExecRunner runs the agent as a local process
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string, stdin string, env []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty agent command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := tail(stderr.String(), 5); msg != "" {
			return stdout.String(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}

// CLIConfig configures the agent executor
type CLIConfig struct {
	// Command is the agent invocation, split with shell quoting rules
	Command string
	// MCPURL is the tool server base; the project ID is appended
	MCPURL         string
	WorkDir        string
	EssentialFiles []string
}

// CLIExecutor runs one agent invocation per stage
type CLIExecutor struct {
	argv   []string
	cfg    CLIConfig
	loader *prompts.Loader
	runner Runner
}

// NewCLIExecutor creates an executor for the configured agent command
func NewCLIExecutor(cfg CLIConfig, loader *prompts.Loader, runner Runner) (*CLIExecutor, error) {
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing agent command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	if loader == nil {
		loader = prompts.NewLoader()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CLIExecutor{argv: argv, cfg: cfg, loader: loader, runner: runner}, nil
}

// RunStage renders the stage prompt, runs the agent and parses its report.
// The agent reaches the sandbox through the tool server, not through h.
func (e *CLIExecutor) RunStage(ctx context.Context, stage domain.Stage, state *domain.PipelineState, h sandbox.Handle, hint string) (*domain.StageOutcome, error) {
	data, err := e.stageData(stage, state, hint)
	if err != nil {
		return nil, err
	}
	prompt, err := e.loader.BuildStagePrompt(stage, state.RepairMode(), data)
	if err != nil {
		return nil, err
	}

	argv := slices.Clone(e.argv)
	if e.cfg.MCPURL != "" {
		cfgPath, err := e.writeMCPConfig(state.ProjectID)
		if err != nil {
			return nil, err
		}
		defer os.Remove(cfgPath)
		argv = append(argv, "--mcp-config", cfgPath)
	}

	env := []string{
		"SANDBOX_PROJECT_ID=" + state.ProjectID,
		"SANDBOX_WORKDIR=" + e.cfg.WorkDir,
	}
	if h != nil {
		env = append(env, "SANDBOX_ID="+h.ID())
	}

	log.Printf("[agent] %s stage for %s (%d byte prompt)", stage, state.ProjectID, len(prompt))
	out, err := e.runner.Run(ctx, argv, prompt, env)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", stage, err)
	}

	report, err := ParseReport(out)
	if err != nil {
		return nil, err
	}
	outcome := report.Outcome(e.cfg.WorkDir)
	outcome.Raw = out
	if stage != domain.StagePlan {
		outcome.Plan = nil
	}
	return outcome, nil
}

func (e *CLIExecutor) stageData(stage domain.Stage, state *domain.PipelineState, hint string) (prompts.StageData, error) {
	prompt := state.EnhancedPrompt
	if prompt == "" {
		prompt = state.InputPrompt
	}
	data := prompts.StageData{
		Prompt:         prompt,
		WorkDir:        e.cfg.WorkDir,
		Files:          state.FilesCreated,
		EssentialFiles: e.cfg.EssentialFiles,
	}
	if stage == domain.StagePlan {
		data.Hint = hint
	}
	if len(state.Plan) > 0 {
		plan, err := yaml.Marshal(state.Plan)
		if err != nil {
			return data, fmt.Errorf("encoding plan: %w", err)
		}
		data.Plan = string(plan)
	}
	for _, cat := range []domain.ErrorCategory{domain.ValidationErrors, domain.RuntimeErrors} {
		if errs := state.CurrentErrors[cat]; len(errs) > 0 {
			data.Category = cat
			data.Errors = errs
			break
		}
	}
	return data, nil
}

// writeMCPConfig points the agent at the project's tool server endpoint
func (e *CLIExecutor) writeMCPConfig(projectID string) (string, error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"sandbox": map[string]any{
				"type": "http",
				"url":  strings.TrimSuffix(e.cfg.MCPURL, "/") + "/" + projectID,
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "sandbox-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("creating mcp config: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return f.Name(), nil
}

// tail returns the last n non-empty lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}
