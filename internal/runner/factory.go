package runner

import (
	"fmt"

	"github.com/justbecauselabs/pokecode/internal/common/config"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/models"
)

// NewFactory returns a Factory that builds a fresh Runner per call, bound to
// the executable path cfg has configured for the requested provider. A fresh
// Runner per job means runner state (the spawned *exec.Cmd) never leaks
// across jobs.
func NewFactory(cfg *config.Config, log *logger.Logger) Factory {
	return func(provider models.Provider) (Runner, error) {
		path, err := cfg.RequireProviderPath(string(provider))
		if err != nil {
			return nil, err
		}
		switch provider {
		case models.ProviderClaudeCode:
			return NewClaudeCodeRunner(path, cfg.RunnerUsePTY, log), nil
		case models.ProviderCodexCLI:
			return NewCodexRunner(path, cfg.RunnerUsePTY, log), nil
		case models.ProviderACP:
			return NewACPRunner(path, cfg.RunnerUsePTY, log), nil
		case models.ProviderCopilot:
			return NewCopilotRunner(path, log), nil
		default:
			return nil, fmt.Errorf("unsupported provider %q", provider)
		}
	}
}
