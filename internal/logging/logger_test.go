package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{" Error ", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestLogger_KeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, &Config{Level: "DEBUG", JSONFormat: true, Component: "consensus"})

	l.Info("Decision made", "symbol", "BTC/USDT", "confidence", 91.5, "err", errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Decision made", entry["message"])
	assert.Equal(t, "consensus", entry["component"])
	assert.Equal(t, "BTC/USDT", entry["symbol"])
	assert.Equal(t, 91.5, entry["confidence"])
	assert.Equal(t, "boom", entry["err"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogger_PrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, &Config{Level: "INFO", JSONFormat: true})

	l.Warn("retrying in %d seconds", 5)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "retrying in 5 seconds", entry["message"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, &Config{Level: "WARN", JSONFormat: true})

	l.Info("hidden")
	l.Debug("hidden too")
	assert.Empty(t, buf.String())

	l.Error("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestLogger_DerivedFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, &Config{Level: "INFO", JSONFormat: true})

	l := base.WithComponent("emergency").WithField("stop_id", "abc").WithError(errors.New("x"))
	assert.Equal(t, "emergency", l.Component())

	l.Info("stop registered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "emergency", entry["component"])
	assert.Equal(t, "abc", entry["stop_id"])
	assert.Equal(t, "x", entry["error"])
}

func TestLogger_WithComponentReplacesComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, &Config{Level: "INFO", JSONFormat: true, Component: "app"})

	base.WithComponent("emergency").WithField("stop_id", "s1").Info("derived")

	line := buf.String()
	assert.Equal(t, 1, strings.Count(line, `"component"`), line)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "emergency", entry["component"])

	buf.Reset()
	base.Info("root")
	assert.Equal(t, 1, strings.Count(buf.String(), `"component":"app"`))
}

func TestContextRoundTrip(t *testing.T) {
	l := Nop().WithComponent("api")
	ctx := NewContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))

	ctx, traced := WithTraceContext(ctx)
	assert.NotNil(t, traced)
	assert.Len(t, TraceID(ctx), 32)
}
