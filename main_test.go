package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport(t *testing.T) {
	assert.Equal(t, 0, report(nil))
	assert.Equal(t, 1, report(errors.New("boom")))
}

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"chatcampus"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func TestRunWithoutCommand(t *testing.T) {
	withArgs(t)
	assert.Equal(t, 2, run())
}

func TestRunClosesTokenStoreOnError(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "tokens.db")
	config := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`
api:
  url: http://127.0.0.1:1/
ws:
  url: ws://127.0.0.1:1/
tokens:
  file: `+db+`
log:
  level: error
`), 0o600))

	// whoami fails without a stored session
	withArgs(t, "-config", config, "whoami")
	assert.Equal(t, 1, run())

	require.FileExists(t, db)
	// the write-ahead log is only removed when the last connection closes
	assert.NoFileExists(t, db+"-wal")
}
