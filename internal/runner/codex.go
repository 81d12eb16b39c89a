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
	"github.com/justbecauselabs/pokecode/pkg/codex"
)

// CodexRunner drives the `codex app-server` JSON-RPC protocol. Unlike the
// claude-code CLI's one-shot --print mode, app-server is a long-lived
// process: a single turn/start call carries one job's prompt, and the
// process is torn down once that turn completes.
type CodexRunner struct {
	binaryPath string
	usePTY     bool
	log        *logger.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	exit chan struct{}
}

// NewCodexRunner constructs a runner that invokes binaryPath (the configured
// codexPath) for each Execute call. usePTY mirrors cfg.RunnerUsePTY.
func NewCodexRunner(binaryPath string, usePTY bool, log *logger.Logger) *CodexRunner {
	return &CodexRunner{binaryPath: binaryPath, usePTY: usePTY, log: log.WithFields(zap.String("runner", "codex"))}
}

func (r *CodexRunner) Provider() models.Provider { return models.ProviderCodexCLI }

func (r *CodexRunner) Execute(ctx context.Context, req Request, items chan<- Item) error {
	cmd := exec.Command(r.binaryPath, "app-server")
	cmd.Dir = req.ProjectPath
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	streams, err := startProcess(cmd, r.usePTY)
	if err != nil {
		return fmt.Errorf("failed to start codex: %w", err)
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

	client := codex.NewClient(stdin, stdout, r.log)

	var providerSessionID *string
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		if method == codex.NotifyThreadStarted {
			var p codex.ItemStartedParams // threadId lives on most notification payloads
			_ = json.Unmarshal(params, &p)
			if p.ThreadID != "" {
				id := p.ThreadID
				providerSessionID = &id
			}
		}
		r.forwardNotification(ctx, items, method, params, &providerSessionID)
	})
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		r.autoApprove(client, id, method, params)
	})

	client.Start(ctx)
	if stderr != nil {
		go r.pipeStderr(stderr)
	}

	if _, err := client.Call(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "pokecode", Version: "1"},
	}); err != nil {
		r.log.Warn("codex initialize failed, continuing", zap.Error(err))
	}

	threadID, err := r.openThread(ctx, client, req)
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("failed to open codex thread: %w", err)
	}
	providerSessionID = &threadID

	turnErr := r.runTurn(ctx, client, threadID, req.Prompt)

	client.Stop()
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	waitErr := cmd.Wait()

	if turnErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return turnErr
	}
	if waitErr != nil && ctx.Err() == nil {
		// The process exits non-zero once we SIGTERM it ourselves; that is
		// expected shutdown, not a turn failure, so it is logged but not
		// surfaced as an error.
		r.log.Debug("codex process exited after shutdown signal", zap.Error(waitErr))
	}
	return nil
}

// openThread resumes req.ProviderSessionID if set, otherwise starts a fresh
// thread rooted at req.ProjectPath.
func (r *CodexRunner) openThread(ctx context.Context, client *codex.Client, req Request) (string, error) {
	if req.ProviderSessionID != nil && *req.ProviderSessionID != "" {
		resp, err := client.Call(ctx, codex.MethodThreadResume, codex.ThreadResumeParams{ThreadID: *req.ProviderSessionID})
		if err != nil {
			return "", err
		}
		var result codex.ThreadResumeResult
		if err := unmarshalResult(resp, &result); err != nil {
			return "", err
		}
		if result.Thread != nil {
			return result.Thread.ID, nil
		}
	}

	resp, err := client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Model:          req.Model,
		Cwd:            req.ProjectPath,
		ApprovalPolicy: "on-request",
		Sandbox:        "workspaceWrite",
	})
	if err != nil {
		return "", err
	}
	var result codex.ThreadStartResult
	if err := unmarshalResult(resp, &result); err != nil {
		return "", err
	}
	if result.Thread == nil {
		return "", fmt.Errorf("codex thread/start returned no thread")
	}
	return result.Thread.ID, nil
}

// runTurn sends the prompt and waits for the turn/start response, which
// codex returns once the turn reaches a terminal status.
func (r *CodexRunner) runTurn(ctx context.Context, client *codex.Client, threadID, prompt string) error {
	resp, err := client.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: prompt}},
	})
	if err != nil {
		return fmt.Errorf("turn/start failed: %w", err)
	}
	var result codex.TurnStartResult
	if err := unmarshalResult(resp, &result); err != nil {
		return err
	}
	if result.Turn != nil && result.Turn.Status == "failed" {
		if result.Turn.Error != nil {
			return fmt.Errorf("codex turn failed: %s", result.Turn.Error.Message)
		}
		return fmt.Errorf("codex turn failed")
	}
	return nil
}

func unmarshalResult(resp *codex.Response, out interface{}) error {
	if resp.Error != nil {
		return fmt.Errorf("codex rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// forwardNotification re-wraps a codex notification as a canonical Item so
// the Message Parser can fold it into the session's message stream the same
// way it folds claude-code's stream-json lines.
func (r *CodexRunner) forwardNotification(ctx context.Context, items chan<- Item, method string, params json.RawMessage, providerSessionID **string) {
	envelope := struct {
		Provider string          `json:"provider"`
		Method   string          `json:"method"`
		Params   json.RawMessage `json:"params"`
	}{Provider: "codex", Method: method, Params: params}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case items <- Item{Raw: raw, ProviderSessionID: *providerSessionID}:
	case <-ctx.Done():
	}
}

// autoApprove grants every command-execution and file-change approval
// request codex raises, mirroring ClaudeCodeRunner's auto-approve posture for
// its canUseTool control requests.
func (r *CodexRunner) autoApprove(client *codex.Client, id interface{}, method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		_ = json.Unmarshal(params, &p)
		resp := codex.ApprovalResponse{ThreadID: p.ThreadID, TurnID: p.TurnID, ItemID: p.ItemID, Decision: "approve"}
		if err := client.SendResponse(id, resp, nil); err != nil {
			r.log.Warn("failed to auto-approve command execution", zap.Error(err))
		}
	case codex.NotifyItemFileChangeRequestApproval:
		var p codex.FileChangeApprovalParams
		_ = json.Unmarshal(params, &p)
		resp := codex.ApprovalResponse{ThreadID: p.ThreadID, TurnID: p.TurnID, ItemID: p.ItemID, Decision: "approve"}
		if err := client.SendResponse(id, resp, nil); err != nil {
			r.log.Warn("failed to auto-approve file change", zap.Error(err))
		}
	default:
		if err := client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "unhandled request"}); err != nil {
			r.log.Warn("failed to respond to unhandled request", zap.String("method", method), zap.Error(err))
		}
	}
}

func (r *CodexRunner) pipeStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.log.Debug("codex stderr", zap.String("line", scanner.Text()))
	}
}

// Abort sends SIGTERM to the running child, escalating to SIGKILL if it has
// not exited within gracefulShutdownGrace.
func (r *CodexRunner) Abort() error {
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
