package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/models"
)

// ACPRunner drives any agent speaking the Agent Communication Protocol
// (JSON-RPC 2.0 over stdio) via the coder/acp-go-sdk client connection,
// adapted from the agentctl process manager's subprocess+SDK wiring.
type ACPRunner struct {
	binaryPath string
	usePTY     bool
	log        *logger.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	exit chan struct{}
}

// NewACPRunner constructs a runner that invokes binaryPath (the configured
// acpAgentPath) for each Execute call. usePTY mirrors cfg.RunnerUsePTY.
func NewACPRunner(binaryPath string, usePTY bool, log *logger.Logger) *ACPRunner {
	return &ACPRunner{binaryPath: binaryPath, usePTY: usePTY, log: log.WithFields(zap.String("runner", "acp"))}
}

func (r *ACPRunner) Provider() models.Provider { return models.ProviderACP }

func (r *ACPRunner) Execute(ctx context.Context, req Request, items chan<- Item) error {
	cmd := exec.Command(r.binaryPath)
	cmd.Dir = req.ProjectPath
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	streams, err := startProcess(cmd, r.usePTY)
	if err != nil {
		return fmt.Errorf("failed to start acp agent: %w", err)
	}
	stdin, stdout := streams.Stdin, streams.Stdout

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

	var providerSessionID *string
	client := newACPClient(r.log, req.ProjectPath, func(n acp.SessionNotification) {
		forwardACPNotification(ctx, items, n, providerSessionID)
	})
	conn := acp.NewClientSideConnection(client, stdin, stdout)

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "pokecode", Version: "1.0.0"},
	})
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("acp initialize handshake failed: %w", err)
	}

	sessionID, err := r.openSession(ctx, conn, req, initResp.AgentCapabilities.LoadSession)
	if err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	id := string(sessionID)
	providerSessionID = &id

	promptResp, promptErr := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(req.Prompt)},
	})

	waitErr := cmd.Wait()
	if promptErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("acp prompt failed: %w", promptErr)
	}
	if waitErr != nil && ctx.Err() == nil {
		return fmt.Errorf("acp agent exited with error: %w", waitErr)
	}
	if promptResp.StopReason == acp.StopReasonRefusal {
		return fmt.Errorf("acp agent refused the prompt")
	}
	return nil
}

// openSession resumes the session's provider handle if one exists and the
// agent advertises LoadSession support, otherwise starts a fresh session.
func (r *ACPRunner) openSession(ctx context.Context, conn *acp.ClientSideConnection, req Request, supportsLoad bool) (acp.SessionId, error) {
	if req.ProviderSessionID != nil && supportsLoad {
		sessionID := acp.SessionId(*req.ProviderSessionID)
		if _, err := conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: sessionID, Cwd: req.ProjectPath}); err == nil {
			return sessionID, nil
		}
		r.log.Warn("acp session resume failed, starting a fresh session", zap.String("sessionId", string(sessionID)))
	}

	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: req.ProjectPath})
	if err != nil {
		return "", fmt.Errorf("failed to create acp session: %w", err)
	}
	return resp.SessionId, nil
}

// forwardACPNotification wraps a raw ACP session update in the same
// provider-tagged envelope shape CodexRunner uses, so the Message Parser
// sees a consistent {"provider": "...", ...} shape across non-native
// providers.
func forwardACPNotification(ctx context.Context, items chan<- Item, n acp.SessionNotification, providerSessionID *string) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	envelope := map[string]json.RawMessage{
		"provider": json.RawMessage(`"acp"`),
		"update":   payload,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case items <- Item{Raw: raw, ProviderSessionID: providerSessionID}:
	case <-ctx.Done():
	}
}

// Abort sends SIGTERM to the running child, escalating to SIGKILL if it has
// not exited within gracefulShutdownGrace, mirroring ClaudeCodeRunner.Abort.
func (r *ACPRunner) Abort() error {
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

// acpUpdateHandler is called for every session/update notification the
// agent sends, after acpClient has logged and auto-approved as needed.
type acpUpdateHandler func(acp.SessionNotification)

// acpClient implements acp.Client: it answers permission, filesystem, and
// terminal requests the agent makes of us during a turn, auto-approving
// everything since the Worker Pool already owns the trust decision for a
// job (the operator chose to run it).
type acpClient struct {
	log           *logger.Logger
	workspaceRoot string
	updateHandler acpUpdateHandler
}

func newACPClient(log *logger.Logger, workspaceRoot string, handler acpUpdateHandler) *acpClient {
	return &acpClient{log: log, workspaceRoot: workspaceRoot, updateHandler: handler}
}

func (c *acpClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	selected := &p.Options[0]
	for i := range p.Options {
		if p.Options[i].Kind == acp.PermissionOptionKindAllowOnce || p.Options[i].Kind == acp.PermissionOptionKindAllowAlways {
			selected = &p.Options[i]
			break
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}, nil
}

func (c *acpClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if c.updateHandler != nil {
		c.updateHandler(n)
	}
	return nil
}

func (c *acpClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// CreateTerminal and the terminal operations below are stubbed: pokecode
// jobs run one prompt to completion and surface tool output through the
// normal message stream, so it has nowhere to wire live terminal IO yet.
func (c *acpClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *acpClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *acpClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *acpClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *acpClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*acpClient)(nil)
