package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/pkg/claudecode"
)

// gracefulShutdownGrace is how long Abort waits after SIGTERM before
// escalating to SIGKILL, mirroring the agentctl launcher's shutdown idiom.
const gracefulShutdownGrace = 5 * time.Second

// ClaudeCodeRunner drives the `claude` CLI in stream-json mode: every line
// on stdout is a self-contained JSON envelope the Message Parser consumes
// verbatim, so this runner forwards raw bytes rather than re-decoding them
// into Go structs.
type ClaudeCodeRunner struct {
	binaryPath string
	usePTY     bool
	log        *logger.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	exit chan struct{}
}

// NewClaudeCodeRunner constructs a runner that invokes binaryPath (the
// configured claudeCodePath) for each Execute call. usePTY mirrors
// cfg.RunnerUsePTY; since a PTY multiplexes stderr onto the same stream as
// the stream-json stdout protocol, only enable it for a claude-code build
// confirmed not to write diagnostics to stdout.
func NewClaudeCodeRunner(binaryPath string, usePTY bool, log *logger.Logger) *ClaudeCodeRunner {
	return &ClaudeCodeRunner{binaryPath: binaryPath, usePTY: usePTY, log: log.WithFields(zap.String("runner", "claude-code"))}
}

func (r *ClaudeCodeRunner) Provider() models.Provider { return models.ProviderClaudeCode }

func (r *ClaudeCodeRunner) Execute(ctx context.Context, req Request, items chan<- Item) error {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--print",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ProviderSessionID != nil {
		args = append(args, "--resume", *req.ProviderSessionID)
	}

	cmd := exec.Command(r.binaryPath, args...)
	cmd.Dir = req.ProjectPath
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	streams, err := startProcess(cmd, r.usePTY)
	if err != nil {
		return fmt.Errorf("failed to start claude: %w", err)
	}
	stdin, stdout, stderr := streams.Stdin, streams.Stdout, streams.Stderr

	r.mu.Lock()
	r.cmd = cmd
	r.exit = make(chan struct{})
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		close(r.exit)
		r.cmd = nil
		r.exit = nil
		r.mu.Unlock()
	}()

	client := claudecode.NewClient(stdin, stdout, r.log)
	client.SetRequestHandler(func(requestID string, creq *claudecode.ControlRequest) {
		r.autoApprove(client, requestID, creq)
	})

	var providerSessionID *string
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		// RawContent is the stdout line as read; it aliases the scanner's
		// buffer, so it is copied before being handed off.
		raw := append(json.RawMessage(nil), msg.RawContent...)
		if msg.SessionID != "" {
			id := msg.SessionID
			providerSessionID = &id
		}
		select {
		case items <- Item{Raw: raw, ProviderSessionID: providerSessionID}:
		case <-ctx.Done():
		}
	})

	ready := client.Start(ctx)
	<-ready

	if stderr != nil {
		go r.pipeStderr(stderr)
	}

	if _, err := client.Initialize(ctx, 10*time.Second); err != nil {
		r.log.Warn("claude-code initialize failed, continuing without slash command metadata", zap.Error(err))
	}
	if err := client.SendUserMessage(req.Prompt); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("failed to send prompt: %w", err)
	}

	waitErr := cmd.Wait()
	client.Stop()
	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("claude-code exited with error: %w", waitErr)
	}
	return nil
}

func (r *ClaudeCodeRunner) autoApprove(client *claudecode.Client, requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		return
	}
	resp := &claudecode.ControlResponseMessage{
		Type:      "control_response",
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow},
		},
	}
	if err := client.SendControlResponse(resp); err != nil {
		r.log.Warn("failed to auto-approve tool use", zap.String("tool", req.ToolName), zap.Error(err))
	}
}

func (r *ClaudeCodeRunner) pipeStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.log.Debug("claude-code stderr", zap.String("line", scanner.Text()))
	}
}

// Abort sends SIGTERM to the running child, escalating to SIGKILL if it has
// not exited within gracefulShutdownGrace (§4.G abort, grounded on the
// agentctl launcher's Stop sequence).
func (r *ClaudeCodeRunner) Abort() error {
	r.mu.Lock()
	cmd := r.cmd
	exit := r.exit
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return syscall.Kill(-pid, syscall.SIGKILL)
	}

	select {
	case <-exit:
		return nil
	case <-time.After(gracefulShutdownGrace):
		return syscall.Kill(-pid, syscall.SIGKILL)
	}
}
