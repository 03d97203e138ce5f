package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-control-core/internal/preset"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.ServerConfig.Port)
	assert.Equal(t, "balanced", cfg.ConsensusConfig.DefaultPreset)
	assert.Equal(t, 0.25, cfg.SizingConfig.KellyFractionCap)
	assert.Equal(t, 0.1, cfg.BanditConfig.ExplorationRate)
	assert.False(t, cfg.AuthConfig.Enabled())
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9090},
		"bandit": {"exploration_rate": 0.2, "learning_rate": 0.05},
		"emergency": {"daily_loss_percent": 7.5}
	}`), 0644))

	t.Setenv("WEB_PORT", "9191")
	t.Setenv("AUTH_JWT_SECRET", "s3cret")
	t.Setenv("LOG_JSON", "false")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.ServerConfig.Port, "env wins over file")
	assert.Equal(t, 0.2, cfg.BanditConfig.ExplorationRate)
	assert.Equal(t, 0.05, cfg.BanditConfig.LearningRate)
	assert.Equal(t, 1.0, cfg.BanditConfig.InitialWeight, "unset fields keep defaults")
	assert.Equal(t, 7.5, cfg.EmergencyConfig.DailyLossPercent)
	assert.Equal(t, 5, cfg.EmergencyConfig.ConsecutiveLosses)
	assert.True(t, cfg.AuthConfig.Enabled())
	assert.False(t, cfg.LoggingConfig.JSONFormat)
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().EmergencyConfig, cfg.EmergencyConfig)
}

func TestLoadFrom_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":`), 0644))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.ServerConfig.Port = 0 }},
		{"kelly cap above one", func(c *Config) { c.SizingConfig.KellyFractionCap = 1.5 }},
		{"min above max position", func(c *Config) { c.SizingConfig.MinPositionSize = 200000 }},
		{"exploration rate", func(c *Config) { c.BanditConfig.ExplorationRate = -0.1 }},
		{"learning rate", func(c *Config) { c.BanditConfig.LearningRate = 2 }},
		{"health interval", func(c *Config) { c.EmergencyConfig.HealthInterval = 0 }},
		{"source timeout", func(c *Config) { c.ConsensusConfig.SourceTimeoutMs = -1 }},
		{"error rate", func(c *Config) { c.EmergencyConfig.ErrorRate = 1.5 }},
		{"negative breaker failures", func(c *Config) { c.ConsensusConfig.BreakerFailures = -1 }},
		{"negative breaker cooldown", func(c *Config) { c.ConsensusConfig.BreakerCooldownMs = -5 }},
		{"zero latency threshold", func(c *Config) { c.EmergencyConfig.LatencyMs = 0 }},
		{"snapshot interval", func(c *Config) {
			c.RedisConfig.Enabled = true
			c.RedisConfig.SnapshotInterval = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSectionConversions(t *testing.T) {
	cfg := Default()
	cfg.EmergencyConfig.AutoResolveInterval = 2
	cfg.EmergencyConfig.LatencyMs = 2500
	cfg.ConsensusConfig.SourceTimeoutMs = 750

	ec := cfg.EmergencyConfig.Controller()
	assert.Equal(t, 2*time.Second, ec.AutoResolveInterval)
	assert.Equal(t, 2500.0, ec.Thresholds.LatencyMs)
	assert.Equal(t, 15*time.Minute, ec.Thresholds.PriceDeviationResolve)

	assert.Equal(t, 750*time.Millisecond, cfg.ConsensusConfig.Engine().SourceTimeout)
	assert.Equal(t, 20, cfg.NotificationConfig.Manager().RatePerMinute)
}

func TestServerConfig_Origins(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ServerConfig{AllowedOrigins: " https://a.example, ,https://b.example"}.Origins())
	assert.Empty(t, ServerConfig{}.Origins())
}

func TestLoadPresets(t *testing.T) {
	t.Run("empty path yields builtin", func(t *testing.T) {
		cat, err := LoadPresets("")
		require.NoError(t, err)
		assert.Equal(t, []string{"balanced", "position", "scalping", "swing"}, cat.Names())
	})

	t.Run("yaml catalogue", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "presets.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
presets:
  - name: cautious
    weights: {ml: 0.4, technical: 0.3, pattern: 0.1, sentiment: 0.1, news: 0.05, whale: 0.05}
    min_consensus_score: 85
    min_confidence: 90
    min_risk_reward_ratio: 2.5
    stop_distance: 0.015
    reward_multiple: 3
`), 0644))

		cat, err := LoadPresets(path)
		require.NoError(t, err)
		p, err := cat.Get("cautious")
		require.NoError(t, err)
		assert.Equal(t, 0.4, p.Weights.ML)
		assert.Equal(t, 90.0, p.MinConfidence)
	})

	t.Run("weights must sum to one", func(t *testing.T) {
		_, err := ParsePresets([]byte(`
presets:
  - name: broken
    weights: {ml: 0.5, technical: 0.5, pattern: 0.5}
    stop_distance: 0.02
    reward_multiple: 2
`))
		assert.ErrorIs(t, err, preset.ErrInvalidWeights)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPresets(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
