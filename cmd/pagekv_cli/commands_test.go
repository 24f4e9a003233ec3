package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/pagekv/config"
	"github.com/sushant-115/pagekv/core/kvstore"
	"github.com/sushant-115/pagekv/core/storage_engine/common"
	flushmanager "github.com/sushant-115/pagekv/core/write_engine/flush_manager"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "cli.db")
	store, err := kvstore.Open(cfg.DBPath, kvstore.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	out := &bytes.Buffer{}
	return &cli{
		store:  store,
		cfg:    cfg,
		tracer: nooptrace.NewTracerProvider().Tracer(""),
		logger: zap.NewNop(),
		out:    out,
	}, out
}

func TestProcessCommand_PutGet(t *testing.T) {
	c, out := newTestCLI(t)

	require.NoError(t, c.processCommand([]string{"put", "greeting", "hello", "world"}))
	assert.Equal(t, "OK\n", out.String())

	out.Reset()
	require.NoError(t, c.processCommand([]string{"GET", "greeting"}))
	assert.Equal(t, "hello world\n", out.String())

	out.Reset()
	require.NoError(t, c.processCommand([]string{"get", "missing"}))
	assert.Equal(t, "(not found)\n", out.String())

	out.Reset()
	require.NoError(t, c.processCommand([]string{"len"}))
	assert.Equal(t, "1\n", out.String())
}

func TestProcessCommand_UsageErrors(t *testing.T) {
	c, out := newTestCLI(t)

	for _, args := range [][]string{{"put", "k"}, {"get"}, {"frobnicate"}} {
		err := c.processCommand(args)
		require.Error(t, err, "args %v", args)
		assert.True(t, errors.Is(err, errUsage))
		assert.Equal(t, 0, c.report(err), "usage errors keep the session alive")
	}
	assert.Contains(t, out.String(), "Error:")
}

func TestProcessCommand_StatsAndBackup(t *testing.T) {
	c, out := newTestCLI(t)
	require.NoError(t, c.processCommand([]string{"put", "k1", "v1"}))

	out.Reset()
	require.NoError(t, c.processCommand([]string{"stats"}))
	assert.Contains(t, out.String(), "pool: 256 slots")
	assert.Contains(t, out.String(), "global depth: 0")

	out.Reset()
	dst := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, c.processCommand([]string{"backup", dst}))
	assert.Contains(t, out.String(), "backup written to "+dst)
	assert.FileExists(t, dst)
}

func TestProcessCommand_BackupOntoStoreFile(t *testing.T) {
	c, out := newTestCLI(t)
	require.NoError(t, c.processCommand([]string{"put", "k1", "v1"}))

	err := c.processCommand([]string{"backup", c.cfg.DBPath})
	require.ErrorIs(t, err, common.ErrSameFile)
	assert.Equal(t, 0, c.report(err))
	assert.Contains(t, out.String(), "Error:")

	out.Reset()
	require.NoError(t, c.processCommand([]string{"get", "k1"}))
	assert.Equal(t, "v1\n", out.String())
}

func TestReport_FatalEndsSession(t *testing.T) {
	c, out := newTestCLI(t)
	assert.Equal(t, 1, c.report(flushmanager.ErrIO))
	assert.Contains(t, out.String(), "Fatal:")
	assert.Equal(t, 0, c.report(flushmanager.ErrBufferPoolFull))
	assert.Equal(t, 0, c.report(nil))
}
