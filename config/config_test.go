package config_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/romshark/plow/config"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "plow.db", c.DSN)
	require.Equal(t, time.Second, c.PollInterval)
	require.Equal(t, slog.LevelInfo, c.LogLevel)
	require.Equal(t, ":8080", c.HTTPAddr)
	require.Equal(t, "plow.events", c.RedisChannel)
	require.Empty(t, c.RedisAddr)
	require.Empty(t, c.OTelEndpoint)
	require.Equal(t, 10*time.Second, c.ShutdownTimeout)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("PLOW_DSN", "postgres://u:p@localhost:5432/plow")
	t.Setenv("PLOW_PG_MAX_CONNS", "8")
	t.Setenv("PLOW_POLL_INTERVAL", "250ms")
	t.Setenv("PLOW_LOG_LEVEL", "debug")
	t.Setenv("PLOW_REDIS_ADDR", "localhost:6379")

	c, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@localhost:5432/plow", c.DSN)
	require.Equal(t, int32(8), c.PGMaxConns)
	require.Equal(t, 250*time.Millisecond, c.PollInterval)
	require.Equal(t, slog.LevelDebug, c.LogLevel)
	require.Equal(t, "localhost:6379", c.RedisAddr)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("PLOW_POLL_INTERVAL", "soon")
	_, err := config.Load()
	require.ErrorContains(t, err, "parse env:")

	t.Setenv("PLOW_POLL_INTERVAL", "-1s")
	_, err = config.Load()
	require.ErrorContains(t, err, "invalid poll interval")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := config.Config{LogLevel: slog.LevelWarn}.NewLogger(&buf)
	log.Info("dropped")
	log.Warn("kept", slog.Int("n", 1))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "kept", rec["msg"])
	require.Equal(t, float64(1), rec["n"])
}

// TestExitf uses the subprocess pattern because os.Exit can't be
// intercepted in-process.
func TestExitf(t *testing.T) {
	if os.Getenv("TEST_EXITF_SUBPROCESS") == "1" {
		config.Exitf("fatal: %s", "something broke")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitf$")
	cmd.Env = append(os.Environ(), "TEST_EXITF_SUBPROCESS=1")

	out, err := cmd.CombinedOutput()
	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok, "expected *exec.ExitError, got %T: %v", err, err)
	require.Equal(t, 1, exitErr.ExitCode())
	require.Contains(t, string(out), "fatal: something broke")
}
