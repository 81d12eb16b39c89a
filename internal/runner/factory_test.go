package runner

import (
	"testing"

	"github.com/justbecauselabs/pokecode/internal/common/config"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/models"
)

func TestFactory_DispatchesByProvider(t *testing.T) {
	cfg := &config.Config{
		ClaudeCodePath: "/usr/bin/claude",
		CodexPath:      "/usr/bin/codex",
		ACPAgentPath:   "/usr/bin/acp-agent",
		CopilotPath:    "/usr/bin/copilot",
	}
	factory := NewFactory(cfg, logger.Default())

	cases := []struct {
		provider models.Provider
		wantType any
	}{
		{models.ProviderClaudeCode, &ClaudeCodeRunner{}},
		{models.ProviderCodexCLI, &CodexRunner{}},
		{models.ProviderACP, &ACPRunner{}},
		{models.ProviderCopilot, &CopilotRunner{}},
	}

	for _, tc := range cases {
		r, err := factory(tc.provider)
		if err != nil {
			t.Fatalf("factory(%s) error = %v", tc.provider, err)
		}
		if r.Provider() != tc.provider {
			t.Errorf("factory(%s).Provider() = %s, want %s", tc.provider, r.Provider(), tc.provider)
		}
	}
}

func TestFactory_UnsupportedProvider(t *testing.T) {
	cfg := &config.Config{}
	factory := NewFactory(cfg, logger.Default())

	if _, err := factory(models.Provider("unknown")); err == nil {
		t.Fatal("factory(unknown) error = nil, want error")
	}
}

func TestFactory_MissingProviderPathErrors(t *testing.T) {
	cfg := &config.Config{}
	factory := NewFactory(cfg, logger.Default())

	if _, err := factory(models.ProviderClaudeCode); err == nil {
		t.Fatal("factory(claude-code) with unset path error = nil, want error")
	}
}
