package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrashReportContents(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	report := CrashReport("boom", "main.go:42", at)

	assert.Contains(t, report, "2026-10-14T09:30:00Z")
	assert.Contains(t, report, "panic: boom")
	assert.Contains(t, report, "main.go:42")
	assert.Contains(t, report, "--- all goroutines ---")
	assert.Contains(t, report, GetFullVersion())
}

func TestWriteCrashFile(t *testing.T) {
	previous := CrashDir
	t.Cleanup(func() { CrashDir = previous })

	dir := filepath.Join(t.TempDir(), "crashes")
	InstallCrashHandler(dir)

	path := WriteCrashFile("nil map write", "stack here")
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "panic: nil map write")
}
