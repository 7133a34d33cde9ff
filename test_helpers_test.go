package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// validConfigFile writes a minimal config whose storage lives in a temp dir.
func validConfigFile(t *testing.T) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "warn"
StoragePath = %q
ListenPort = 5000

[Cache]
MemoryBytes = 1048576
DiskBytes = 1048576
MaxConcurrentDownloads = 2
`, filepath.Join(t.TempDir(), "storage")))
}

// cliOutput holds what run wrote to stdout/stderr.
type cliOutput struct {
	out bytes.Buffer
	err bytes.Buffer
}

// captureCLI redirects stdOut/stdErr into a cliOutput until the test ends.
func captureCLI(t *testing.T) *cliOutput {
	t.Helper()
	captured := &cliOutput{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &captured.out, &captured.err
	t.Cleanup(func() { stdOut, stdErr = prevOut, prevErr })
	return captured
}
