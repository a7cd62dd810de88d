package cmd

import (
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/orch/internal/models"
)

func TestExecutorConfig(t *testing.T) {
	testEnv(t)
	viper.Set("agent.allowed_tools", "Read Edit Bash(go:*)")
	viper.Set("agent.tier_models", map[string]string{"quick": "haiku", "deep": "opus"})

	cfg := executorConfig()
	assert.Equal(t, "claude", cfg.Command)
	assert.Equal(t, "sonnet", cfg.Model)
	assert.Equal(t, []string{"Read", "Edit", "Bash(go:*)"}, cfg.AllowedTools)
	assert.Equal(t, "haiku", cfg.TierModels[models.TierQuick])
	assert.Equal(t, "opus", cfg.TierModels[models.TierDeep])
}

func TestExecutorConfig_WorkDirFlag(t *testing.T) {
	testEnv(t)
	runWorkDir = "/tmp/project"
	t.Cleanup(func() { runWorkDir = "" })

	assert.Equal(t, "/tmp/project", executorConfig().WorkDir)
}

func TestRunRun_UnknownSession(t *testing.T) {
	testEnv(t)
	viper.Set("agent.command", "false")

	err := runRun(context.Background(), "missing")
	require.Error(t, err)
}

func TestPlanRun_RequiresAPIKey(t *testing.T) {
	testEnv(t)

	err := planRun(context.Background(), "any", "build it")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.api_key")
}
