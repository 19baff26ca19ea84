package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RUNHUB_LOG_LEVEL", "error")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRulesEvalUsesRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bash:\n  \"rm *\": deny\n  \"*\": ask\nread: allow\n"), 0o644))
	t.Setenv("RUNHUB_RULES_FILE", path)

	out, err := execute(t, "rules", "eval", "bash", "rm -rf /")
	require.NoError(t, err)
	assert.Equal(t, "deny", strings.TrimSpace(out))

	out, err = execute(t, "rules", "eval", "read", "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "allow", strings.TrimSpace(out))

	_, err = execute(t, "rules", "eval", "teleport", "x")
	assert.Error(t, err)
}

func TestRulesPrintDefaults(t *testing.T) {
	out, err := execute(t, "rules", "print")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestMigrateCreatesSQLiteDatabase(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RUNHUB_DATA_DIR", dir)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")
	assert.FileExists(t, filepath.Join(dir, "runhub.db"))
}

func TestWorkerRequiresCommand(t *testing.T) {
	t.Setenv("RUNHUB_WORKER_ID", "w1")
	_, err := execute(t, "worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUNHUB_WORKER_COMMAND")
}
