package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Store is the slice of the state store the runner needs: a place to mirror
// the raw stream and a ledger for the time the agent spent.
type Store interface {
	OpenAgentLog(sprintID, agent string, taskID int) (io.WriteCloser, string, error)
	AppendCostSession(ctx context.Context, sprintID string, cs sprint.CostSession) error
}

// Invocation describes one agent run.
type Invocation struct {
	// Agent is the role name resolved against the registry.
	Agent   string
	Prompt  string
	WorkDir string

	SprintID string
	TaskID   int

	// OnOutput receives human-visible stdout lines as they arrive.
	OnOutput func(line string)
	// OnError receives raw stderr lines as they arrive.
	OnError func(line string)
}

// Result is the outcome of one agent run. A non-zero ExitCode is a normal
// result, not an error; Run only errors when the process could not be
// spawned or observed, or the context was cancelled.
type Result struct {
	// Output is the accumulated assistant text, suitable for
	// ExtractLastJSON.
	Output   string
	Stderr   string
	ExitCode int
	// Duration is wall time in whole seconds, as recorded in the ledger.
	Duration int
	LogPath  string
	NumTurns int
}

// Runner spawns agent CLI processes in stream-json mode.
type Runner struct {
	registry *Registry
	store    Store
	sessions *SessionRegistry
	log      *logger.Logger
}

// NewRunner wires a runner.
func NewRunner(registry *Registry, st Store, sessions *SessionRegistry, log *logger.Logger) *Runner {
	return &Runner{
		registry: registry,
		store:    st,
		sessions: sessions,
		log:      log.WithComponent("agent-runner"),
	}
}

// Sessions exposes the live-session registry.
func (r *Runner) Sessions() *SessionRegistry {
	return r.sessions
}

// buildArgs assembles the CLI invocation for a profile. The prompt goes in
// as a flag so stdin can be closed immediately.
func buildArgs(p Profile, prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(p.MaxTurns))
	}
	return append(args, p.ExtraArgs...)
}

// Run executes one agent invocation to completion. The raw stream is
// mirrored to the sprint's log directory and the elapsed time is appended
// to the cost ledger whether or not the agent succeeded.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	profile := r.registry.Profile(inv.Agent)

	logFile, logPath, err := r.store.OpenAgentLog(inv.SprintID, inv.Agent, inv.TaskID)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}
	mirror := &lockedWriter{w: logFile}

	cmd := exec.CommandContext(ctx, profile.Binary, buildArgs(profile, inv.Prompt)...)
	cmd.Dir = inv.WorkDir
	env := append(os.Environ(),
		"SPRINTD_SPRINT_ID="+inv.SprintID,
	)
	if inv.TaskID > 0 {
		env = append(env, fmt.Sprintf("SPRINTD_TASK_ID=%d", inv.TaskID))
	}
	if profile.Budget != "" {
		env = append(env, "SPRINTD_AGENT_BUDGET="+profile.Budget)
	}
	cmd.Env = env
	// Tool subprocesses spawned by the agent inherit our pipes; don't let a
	// straggler keep Wait hostage after the agent itself has exited.
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start agent %s: %w", profile.Binary, err)
	}
	// The prompt travels as a flag; leaving stdin open makes some CLIs wait
	// for interactive input that never comes.
	stdin.Close()

	sessionID := r.sessions.register(inv.SprintID, inv.TaskID, inv.Agent, cmd.Process.Pid)
	defer r.sessions.unregister(sessionID)

	r.log.Info("agent started",
		zap.String("sprint_id", inv.SprintID),
		zap.String("agent", inv.Agent),
		zap.Int("task_id", inv.TaskID),
		zap.Int("pid", cmd.Process.Pid))

	var output strings.Builder
	var errOut strings.Builder
	var numTurns int

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.consumeStdout(stdout, mirror, inv, &output, &numTurns)
	}()
	go func() {
		defer wg.Done()
		r.consumeStderr(stderr, mirror, inv, &errOut)
	}()
	wg.Wait()
	waitErr := cmd.Wait()
	logFile.Close()

	duration := int(time.Since(started).Round(time.Second) / time.Second)

	// Time was spent regardless of outcome; the ledger write must survive
	// the cancellation that may have killed the process.
	cs := sprint.CostSession{
		Agent:   inv.Agent,
		TaskID:  inv.TaskID,
		Seconds: duration,
		At:      time.Now().UTC(),
	}
	if err := r.store.AppendCostSession(context.WithoutCancel(ctx), inv.SprintID, cs); err != nil {
		r.log.Warn("cost session not recorded",
			zap.String("sprint_id", inv.SprintID), zap.Error(err))
	}

	exitCode := 0
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		switch {
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// The agent exited; a lingering tool subprocess held the pipes.
			exitCode = cmd.ProcessState.ExitCode()
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("agent wait: %w", waitErr)
		}
	}

	r.log.Info("agent finished",
		zap.String("sprint_id", inv.SprintID),
		zap.String("agent", inv.Agent),
		zap.Int("exit_code", exitCode),
		zap.Int("seconds", duration))

	return &Result{
		Output:   output.String(),
		Stderr:   errOut.String(),
		ExitCode: exitCode,
		Duration: duration,
		LogPath:  logPath,
		NumTurns: numTurns,
	}, nil
}

func (r *Runner) consumeStdout(src io.Reader, mirror io.Writer, inv Invocation, output *strings.Builder, numTurns *int) {
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintln(mirror, line)

		msg, ok := ParseLine([]byte(line))
		if !ok {
			// Plain text interleaved with the stream is still progress.
			if inv.OnOutput != nil {
				inv.OnOutput(line)
			}
			continue
		}
		if text := CollectText(msg); text != "" {
			output.WriteString(text)
			if !strings.HasSuffix(text, "\n") {
				output.WriteString("\n")
			}
		}
		if msg.Type == MessageTypeResult {
			*numTurns = msg.NumTurns
		}
		if inv.OnOutput != nil {
			for _, l := range RenderLines(msg) {
				inv.OnOutput(l)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("agent stdout read error", zap.Error(err))
	}
}

func (r *Runner) consumeStderr(src io.Reader, mirror io.Writer, inv Invocation, errOut *strings.Builder) {
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintln(mirror, "[stderr] "+line)
		errOut.WriteString(line)
		errOut.WriteString("\n")
		if inv.OnError != nil {
			inv.OnError(line)
		}
	}
}

// lockedWriter serialises the stdout and stderr mirrors onto one file.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
