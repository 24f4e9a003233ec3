package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_FileOutputAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagekv.log")
	lg, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	require.False(t, lg.Core().Enabled(zapcore.InfoLevel))
	require.True(t, lg.Core().Enabled(zapcore.WarnLevel))

	lg.Warn("split storm")
	require.NoError(t, lg.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"split storm"`)
	require.Contains(t, string(data), `"service":"pagekv"`)
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	lg, err := New(Config{Level: "loud", OutputFile: "stderr"})
	require.NoError(t, err)
	require.True(t, lg.Core().Enabled(zapcore.InfoLevel))
	require.False(t, lg.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_SamplingDropsRepeats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampled.log")
	lg, err := New(Config{Level: "debug", OutputFile: path, SampleInitial: 2, SampleThereafter: 1000})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		lg.Debug("evicted page")
	}
	require.NoError(t, lg.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "evicted page"))
}
