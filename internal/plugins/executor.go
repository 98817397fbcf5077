// Package plugins runs external agent executables for alert hooks.
package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// AgentExecutor manages agent discovery and execution
type AgentExecutor struct {
	logger *slog.Logger
	agents map[string]string
}

// Event names passed to agents.
const (
	EventAlert   = "alert"
	EventFailure = "failure"
	EventDigest  = "digest"
)

// AgentParams describes the notification an agent is asked to deliver.
type AgentParams struct {
	Event     string    `json:"event"`
	JobName   string    `json:"job_name,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	RunID     int64     `json:"run_id,omitempty"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// ConfigJSON is the hook's `with` block.
	ConfigJSON string `json:"-"`

	ExtraEnv   map[string]string `json:"-"`
	TimeoutSec int               `json:"-"`
}

// AgentResult contains the result of an agent execution
type AgentResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// Parsed JSON output from agent (optional)
	JSONOutput map[string]any
}

// New creates an AgentExecutor with no agents; call Discover to load them.
func New(logger *slog.Logger) *AgentExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentExecutor{
		logger: logger,
		agents: make(map[string]string),
	}
}

// Discover loads agents from the specified paths
func (e *AgentExecutor) Discover(paths []string) error {
	agents, err := DiscoverAgents(paths)
	if err != nil {
		return fmt.Errorf("failed to discover agents: %w", err)
	}

	e.agents = agents
	e.logger.Info("discovered agents",
		slog.Int("count", len(agents)),
		slog.Any("agents", agentNames(agents)))

	return nil
}

// Agents returns the discovered agent names, sorted.
func (e *AgentExecutor) Agents() []string {
	return agentNames(e.agents)
}

// Execute runs an agent. The params are exported as CRONWATCH_* environment
// variables and written to stdin as JSON. A non-zero exit is reported in the
// result, not as an error.
func (e *AgentExecutor) Execute(ctx context.Context, agentName string, params AgentParams) (*AgentResult, error) {
	agentPath, err := FindAgent(e.agents, agentName)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	if params.TimeoutSec > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutSec)*time.Second)
		defer cancel()
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode agent payload: %w", err)
	}

	cmd := exec.CommandContext(execCtx, agentPath)
	cmd.Env = buildEnvironment(params)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("executing agent",
		slog.String("agent", agentName),
		slog.String("path", agentPath),
		slog.String("event", params.Event),
		slog.String("job_name", params.JobName))

	startTime := time.Now()
	execErr := cmd.Run()
	duration := time.Since(startTime)

	exitCode := 0
	if execErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(execErr, &exitErr) {
			return nil, fmt.Errorf("agent %s: %w", agentName, execErr)
		}
		exitCode = exitErr.ExitCode()
	}

	result := &AgentResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	result.JSONOutput = parseJSONOutput(result.Stdout)

	logLevel := slog.LevelInfo
	if exitCode != 0 {
		logLevel = slog.LevelWarn
	}
	e.logger.Log(ctx, logLevel, "agent execution completed",
		slog.String("agent", agentName),
		slog.String("event", params.Event),
		slog.String("job_name", params.JobName),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration))

	if result.Stderr != "" {
		e.logger.Debug("agent stderr",
			slog.String("agent", agentName),
			slog.String("stderr", result.Stderr))
	}

	return result, nil
}

// ValidateAgents reports agents that were not discovered.
func (e *AgentExecutor) ValidateAgents(names []string) error {
	var missing []string
	for _, name := range names {
		if _, err := FindAgent(e.agents, name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("agents not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

// buildEnvironment creates the environment variables for agent execution
func buildEnvironment(params AgentParams) []string {
	env := os.Environ()

	vars := map[string]string{
		"CRONWATCH_EVENT":    params.Event,
		"CRONWATCH_JOB":      params.JobName,
		"CRONWATCH_KIND":     params.Kind,
		"CRONWATCH_SEVERITY": params.Severity,
		"CRONWATCH_SUBJECT":  params.Subject,
		"CRONWATCH_TEXT":     params.Text,
		"CRONWATCH_TS":       formatTimestamp(params.Timestamp),
		"CONFIG_JSON":        params.ConfigJSON,
	}
	if params.RunID != 0 {
		vars["CRONWATCH_RUN_ID"] = strconv.FormatInt(params.RunID, 10)
	}
	for k, v := range params.ExtraEnv {
		vars[k] = v
	}

	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

// parseJSONOutput returns the first JSON object found in stdout, if any.
func parseJSONOutput(stdout string) map[string]any {
	if stdout == "" {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(stdout), &result); err == nil {
		return result
	}

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			return obj
		}
	}

	return nil
}

// formatTimestamp formats a time.Time as RFC3339
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
