// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/uia-bridge/internal/config"
	"github.com/xkilldash9x/uia-bridge/internal/observability"
)

// resetForTest resets package state shared between command runs and silences the global logger.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	t.Cleanup(func() {
		cfgFile = ""
		observability.ResetForTest()
	})
}

// executeCommand runs a fresh command tree and returns what it printed on stdout and stderr.
func executeCommand(ctx context.Context, t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := newRootCmd()
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	return outBuf.String(), errBuf.String(), err
}

// writeConfig writes a YAML config file and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
