package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestInitWritesToFileAtLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "funnelscope.log")
	require.NoError(t, Init(true, "warn", path, false))
	t.Cleanup(func() { _ = Init(false, "", "", false) })

	Infof("hidden %d", 1)
	Warnf("visible %d", 2)
	_ = Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden 1")
	assert.True(t, strings.Contains(out, "visible 2"), "log output: %s", out)
	assert.Contains(t, out, "WARN")
}

func TestDisabledLoggerIsSilent(t *testing.T) {
	require.NoError(t, Init(false, "debug", "", true))
	Errorf("nothing %s", "here")
	assert.NotNil(t, L())
}
