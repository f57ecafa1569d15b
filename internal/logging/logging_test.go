package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfmsweep/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("run", "r1")

	logger.Debug("hidden")
	LogStageSummary(logger, "features", 4, 1, 2, 812.5)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] stage finished [run=r1 stage=features candidates=4 failed=1 winner=2 metric=812.5]")
}

func TestJSONCandidateRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "json")

	LogCandidateError(logger, "sparse", 3, 1500*time.Millisecond, errors.New("mapper crashed"), map[string]any{"Mapper.min_model_size": 11})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "candidate failed", rec["msg"])
	assert.Equal(t, "sparse", rec["stage"])
	assert.Equal(t, 3.0, rec["id"])
	assert.Equal(t, 1500.0, rec["duration_ms"])
	assert.Equal(t, "mapper crashed", rec["error"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "log")

	logger, err := Setup(cfg)
	require.NoError(t, err)
	LogPartition(logger, "/data/images", 2, 1, 0)

	name := "sfmsweep-" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, name))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "image set partitioned"), string(data))
}
