package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-control-core/internal/auth"
	"trading-control-core/internal/bandit"
	"trading-control-core/internal/preset"
	"trading-control-core/internal/risk"
)

// run executes corectl against a config path that does not exist, so the
// defaults apply.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.json")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestPresetsCommand(t *testing.T) {
	out, err := run(t, "presets", "--format", "json")
	require.NoError(t, err)

	var presets []preset.Preset
	require.NoError(t, json.Unmarshal([]byte(out), &presets))
	assert.Len(t, presets, len(preset.Builtin()))

	out, err = run(t, "presets")
	require.NoError(t, err)
	assert.Contains(t, out, "PRESETS")
	assert.Contains(t, out, "balanced")
}

func TestSizeCommand(t *testing.T) {
	out, err := run(t, "size", "--format", "json",
		"--symbol", "ethusdt", "--balance", "10000", "--entry", "100", "--stop", "95", "--target", "115")
	require.NoError(t, err)

	var res risk.PositionSizingResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "ETHUSDT", res.Symbol)
	assert.Equal(t, risk.MethodFixedFraction, res.SizingMethod)
	assert.Greater(t, res.RecommendedSizeUSD, 0.0)
	assert.LessOrEqual(t, res.RiskAmount, 10000*risk.DefaultSizerConfig().MaxRiskPerTrade+1e-9)
}

func TestSizeCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing required flags", []string{"size", "--balance", "1000"}},
		{"bad regime", []string{"size", "--balance", "1000", "--entry", "10", "--stop", "9", "--target", "12", "--regime", "sideways-ish"}},
		{"negative balance", []string{"size", "--balance", "-5", "--entry", "10", "--stop", "9", "--target", "12"}},
		{"bad format", []string{"size", "--format", "xml", "--balance", "1000", "--entry", "10", "--stop", "9", "--target", "12"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestRiskParityCommand(t *testing.T) {
	out, err := run(t, "riskparity", "--format", "json",
		"--strategy", "trend:0.2:0.12", "--strategy", "meanrev:0.1:0.06")
	require.NoError(t, err)

	var res bandit.RiskParityResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Allocations, 2)
	// half the volatility earns twice the weight
	assert.InDelta(t, 1.0/3, res.Allocations[0].Allocation, 1e-9)
	assert.InDelta(t, 2.0/3, res.Allocations[1].Allocation, 1e-9)
}

func TestRiskParityCommand_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`strategies:
  - name: a
    volatility: 0.1
    expected_return: 0.05
  - name: b
    volatility: 0.1
    expected_return: 0.07
`), 0o600))

	out, err := run(t, "riskparity", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "RISK PARITY")
	assert.Contains(t, out, "50.00%")
}

func TestParseStrategy(t *testing.T) {
	s, err := parseStrategy("grid:0.15:0.08")
	require.NoError(t, err)
	assert.Equal(t, bandit.Strategy{Name: "grid", Volatility: 0.15, ExpectedReturn: 0.08}, s)

	for _, bad := range []string{"grid", "grid:x:0.1", "grid:0.1:y", "a:b:c:d"} {
		_, err := parseStrategy(bad)
		assert.Error(t, err, bad)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")

	out, err := run(t, "token", "--operator", "alice", "--duration", "1h")
	require.NoError(t, err)

	mgr := auth.NewJWTManager("test-secret", "trading-control-core", time.Hour)
	claims, err := mgr.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, auth.RoleOperator, claims.Role)

	_, err = run(t, "token", "--operator", "alice", "--role", "admin")
	assert.Error(t, err)
}

func TestTokenCommand_NoSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	_, err := run(t, "token", "--operator", "alice")
	assert.Error(t, err)
}
