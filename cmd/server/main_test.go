package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-relay/internal/app"
	"github.com/vovakirdan/wirechat-relay/internal/config"
)

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  driver: sqlite\n  url: "+dbPath+"\nrecovery:\n  secret: test-recovery-secret\n"), 0o600))

	ctx := context.Background()
	logger := zerolog.Nop()
	st, err := app.OpenStore(ctx, config.StoreConfig{Driver: config.DriverSQLitePureGo, URL: dbPath}, &logger)
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err := st.Append(ctx, content, "alice")
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"history", "--config", cfgPath, "--after", "1", "--log-level", "error"})
	require.NoError(t, cmd.ExecuteContext(ctx))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "2\t"))
	require.True(t, strings.HasSuffix(lines[0], "alice: two"))
	require.True(t, strings.HasSuffix(lines[1], "alice: three"))
}

func TestInvalidConfigFailsToStart(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  driver: badger\n  url: data\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfgPath})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}
