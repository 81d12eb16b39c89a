// Package runner implements the Agent Runner component (§4.G): a thin,
// polymorphic wrapper over an external AI-coding-agent CLI process. Each
// Runner variant knows how to spawn its executable with the right arguments
// and translate its stream into a sequence of canonical items the Worker
// Pool hands to the Message Service.
package runner

import (
	"context"

	"github.com/justbecauselabs/pokecode/internal/models"
)

// Item is one unit the Worker Pool receives while a Runner is executing: a
// raw SDK envelope plus the provider session id, if the provider surfaced
// one in this message.
type Item struct {
	Raw               []byte
	ProviderSessionID *string
}

// Request is the input to Execute: the job's prompt and project context.
type Request struct {
	SessionID         string
	ProjectPath       string
	Prompt            string
	Model             string
	AllowedTools      []string
	ProviderSessionID *string // resume handle, if this session has one
}

// Runner is the capability set every provider-specific implementation
// exposes: execute a prompt, streaming canonical items as they arrive, and
// abort a run in progress (§4.G abstraction).
type Runner interface {
	// Execute spawns the provider's CLI, sends req, and streams items until
	// the provider signals completion or ctx is cancelled. Returns when the
	// underlying process has exited.
	Execute(ctx context.Context, req Request, items chan<- Item) error

	// Abort requests a running Execute call to stop: SIGTERM the child,
	// escalate to SIGKILL if it doesn't exit within the runner's grace
	// period. Safe to call concurrently with Execute; a no-op if nothing is
	// running.
	Abort() error

	// Provider identifies which external agent this Runner drives.
	Provider() models.Provider
}

// Factory constructs the correct Runner for a job's provider.
type Factory func(provider models.Provider) (Runner, error)
