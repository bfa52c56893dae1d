package common

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashFile(t *testing.T) {
	InstallCrashHandler(t.TempDir())

	path := WriteCrashFile("boom", GetStackTrace())
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	report := string(data)

	assert.Contains(t, report, "CONDUIT CRASH REPORT")
	assert.Contains(t, report, "boom")
	assert.Contains(t, report, "ALL GOROUTINES")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(report), "=== END CRASH REPORT ==="))
}

func TestGetAllGoroutineStacks(t *testing.T) {
	stacks := GetAllGoroutineStacks()
	assert.Contains(t, stacks, "goroutine")
}
