//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// repoRoot returns the module root directory
func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Dir(filepath.Dir(filename))
}

// binaryPath builds the CLI once per test binary and returns its path
func binaryPath(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(repoRoot(t), "agent-supervisor")
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	if _, err := os.Stat(bin); err == nil {
		return bin
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/agent-supervisor")
	cmd.Dir = repoRoot(t)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	return bin
}

// testEnv is an isolated workspace, database and config file
type testEnv struct {
	Workspace string
	DBPath    string
	Config    string
}

// newTestEnv writes a config with short poll intervals and no language model
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		Workspace: filepath.Join(dir, "workspace"),
		DBPath:    filepath.Join(dir, "data", "sessions.db"),
		Config:    filepath.Join(dir, "config.toml"),
	}

	config := `[general]
workspace_root = "` + filepath.ToSlash(env.Workspace) + `"
database_path = "` + filepath.ToSlash(env.DBPath) + `"
log_level = "warn"

[agent]
command_template = "sh {spec_path}"
timeout = "30s"
stabilization = "5s"
poll_interval = "100ms"
summary_wait = "2s"
exit_wait = "2s"
answer_questions = false

[bridge]
enabled = false

[llm]
provider = "none"

[notifications]
desktop = false
`
	if err := os.WriteFile(env.Config, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// writeAgentScript writes a shell script that plays the part of the agent
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("Failed to write agent script: %v", err)
	}
	return path
}
