package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/pkg/copilot"
)

// CopilotRunner drives the GitHub Copilot CLI through pkg/copilot's SDK
// wrapper. Unlike ClaudeCodeRunner/CodexRunner/ACPRunner, it does not spawn
// and own an *exec.Cmd directly: the copilot-sdk-go client manages the CLI
// subprocess internally, so Abort goes through the SDK's own session.Abort
// rather than a signal sent to a pid this runner holds.
type CopilotRunner struct {
	binaryPath string
	log        *logger.Logger

	mu     sync.Mutex
	client *copilot.Client
}

// NewCopilotRunner constructs a runner bound to binaryPath (the configured
// copilotPath). The SDK resolves the actual CLI executable itself; pokecode
// only uses binaryPath to fail fast in RequireProviderPath when
// unconfigured, and expects the named binary to be reachable on PATH.
func NewCopilotRunner(binaryPath string, log *logger.Logger) *CopilotRunner {
	return &CopilotRunner{binaryPath: binaryPath, log: log.WithFields(zap.String("runner", "copilot"))}
}

func (r *CopilotRunner) Provider() models.Provider { return models.ProviderCopilot }

func (r *CopilotRunner) Execute(ctx context.Context, req Request, items chan<- Item) error {
	client := copilot.NewClient(copilot.ClientConfig{Model: req.Model}, r.log)
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start copilot client: %w", err)
	}
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	defer func() {
		_ = client.Stop()
		r.mu.Lock()
		r.client = nil
		r.mu.Unlock()
	}()

	done := make(chan error, 1)
	var providerSessionID *string
	client.SetEventHandler(func(event copilot.SessionEvent) {
		forwardCopilotEvent(ctx, items, event, providerSessionID, done)
	})
	client.SetPermissionHandler(func(inv copilot.PermissionInvocation) copilot.PermissionRequestResult {
		return copilot.PermissionRequestResult{Allowed: true}
	})

	var sessionID string
	var err error
	if req.ProviderSessionID != nil {
		sessionID = *req.ProviderSessionID
		err = client.ResumeSession(ctx, sessionID, nil)
	} else {
		sessionID, err = client.CreateSession(ctx, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to open copilot session: %w", err)
	}
	id := sessionID
	providerSessionID = &id

	if _, err := client.Send(ctx, req.Prompt); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = client.Abort(context.Background())
		return ctx.Err()
	}
}

// forwardCopilotEvent wraps every SDK event in a provider-tagged envelope
// and signals done once the session reaches a terminal state for this turn.
func forwardCopilotEvent(ctx context.Context, items chan<- Item, event copilot.SessionEvent, providerSessionID *string, done chan<- error) {
	payload, err := json.Marshal(event)
	if err == nil {
		envelope := map[string]json.RawMessage{
			"provider": json.RawMessage(`"copilot-cli"`),
			"event":    payload,
		}
		if raw, merr := json.Marshal(envelope); merr == nil {
			select {
			case items <- Item{Raw: raw, ProviderSessionID: providerSessionID}:
			case <-ctx.Done():
			}
		}
	}

	switch event.Type {
	case copilot.EventTypeSessionIdle, copilot.EventTypeAssistantTurnEnd:
		select {
		case done <- nil:
		default:
		}
	case copilot.EventTypeSessionError, copilot.EventTypeAbort:
		select {
		case done <- fmt.Errorf("copilot session ended: %s", event.Type):
		default:
		}
	}
}

// Abort cancels the in-flight turn through the SDK's session.Abort rather
// than a process signal, since pkg/copilot owns the subprocess.
func (r *CopilotRunner) Abort() error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Abort(ctx)
}
