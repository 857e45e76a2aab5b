package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeWorkspace(t *testing.T, root, content string) {
	t.Helper()
	wsDir := filepath.Join(root, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}
}

func TestDiscoverWorkspace_Found(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "server:\n  name: test\n")

	result, err := DiscoverWorkspace(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != tmpDir {
		t.Errorf("expected %q, got %q", tmpDir, result)
	}
}

func TestDiscoverWorkspace_WalkUp(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "server:\n  name: test\n")

	nested := filepath.Join(tmpDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}

	result, err := DiscoverWorkspace(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != tmpDir {
		t.Errorf("expected %q, got %q", tmpDir, result)
	}
}

func TestDiscoverWorkspace_NotFound(t *testing.T) {
	tmpDir := t.TempDir()

	result, err := DiscoverWorkspace(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" {
		t.Errorf("expected empty string, got %q", result)
	}
}

func TestDiscoverWorkspace_MaxDepth(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "server:\n  name: test\n")

	parts := make([]string, MaxSearchDepth+2)
	parts[0] = tmpDir
	for i := 1; i <= MaxSearchDepth+1; i++ {
		parts[i] = "d"
	}
	deepPath := filepath.Join(parts...)
	if err := os.MkdirAll(deepPath, 0755); err != nil {
		t.Fatalf("failed to create deep path: %v", err)
	}

	result, err := DiscoverWorkspace(deepPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" {
		t.Errorf("expected empty string (beyond max depth), got %q", result)
	}
}

func TestLoadWithWorkspace_DefaultsOnly(t *testing.T) {
	cfg, wsDir, err := LoadWithWorkspace("", WorkspaceOptions{Disable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != "" {
		t.Errorf("expected empty workspace dir, got %q", wsDir)
	}
	if cfg.Server.Name != "chatkeeper" {
		t.Errorf("expected default server name, got %q", cfg.Server.Name)
	}
}

func TestLoadWithWorkspace_WorkspaceOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, `
agent:
  fallback_phrase: "go on"
recorder:
  enable: true
  trace_dir: "data/traces"
`)

	cfg, wsDir, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != tmpDir {
		t.Errorf("expected workspace dir %q, got %q", tmpDir, wsDir)
	}
	if cfg.Agent.FallbackPhrase != "go on" {
		t.Errorf("expected workspace fallback phrase, got %q", cfg.Agent.FallbackPhrase)
	}
	expected := filepath.Join(tmpDir, "data", "traces")
	if cfg.Recorder.TraceDir != expected {
		t.Errorf("expected trace dir resolved to %q, got %q", expected, cfg.Recorder.TraceDir)
	}
	// Untouched sections keep defaults.
	if len(cfg.Agent.ErrorScenarios) != 2 {
		t.Errorf("expected default error scenarios, got %d", len(cfg.Agent.ErrorScenarios))
	}
}

func TestLoadWithWorkspace_ExplicitOverridesWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "agent:\n  fallback_phrase: \"from workspace\"\n")

	explicitPath := filepath.Join(tmpDir, "explicit.yaml")
	if err := os.WriteFile(explicitPath, []byte("agent:\n  fallback_phrase: \"from explicit\"\n"), 0644); err != nil {
		t.Fatalf("failed to write explicit config: %v", err)
	}

	cfg, _, err := LoadWithWorkspace(explicitPath, WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.FallbackPhrase != "from explicit" {
		t.Errorf("expected explicit config to win, got %q", cfg.Agent.FallbackPhrase)
	}
}

func TestLoadWithWorkspace_Disabled(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "agent:\n  fallback_phrase: \"from workspace\"\n")

	cfg, resultDir, err := LoadWithWorkspace("", WorkspaceOptions{Disable: true, ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultDir != "" {
		t.Errorf("expected empty workspace dir with Disable, got %q", resultDir)
	}
	if cfg.Agent.FallbackPhrase != "continue" {
		t.Errorf("expected default fallback phrase when workspace disabled, got %q", cfg.Agent.FallbackPhrase)
	}
}

func TestLoadWithWorkspace_InvalidWorkspaceYAML(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "agent: [broken")

	if _, _, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir}); err == nil {
		t.Error("expected error for malformed workspace config")
	}
}

func TestResolveWorkspacePaths_Relative(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Config{
		Server:   ServerConfig{LogFile: "chatkeeper.log"},
		Mangle:   MangleConfig{SchemaPath: filepath.Join("schemas", "agent.mg")},
		Recorder: RecorderConfig{TraceDir: "traces"},
	}

	resolved := resolveWorkspacePaths(cfg, tmpDir)

	if want := filepath.Join(tmpDir, "chatkeeper.log"); resolved.Server.LogFile != want {
		t.Errorf("expected log file %q, got %q", want, resolved.Server.LogFile)
	}
	if want := filepath.Join(tmpDir, "schemas", "agent.mg"); resolved.Mangle.SchemaPath != want {
		t.Errorf("expected schema path %q, got %q", want, resolved.Mangle.SchemaPath)
	}
	if want := filepath.Join(tmpDir, "traces"); resolved.Recorder.TraceDir != want {
		t.Errorf("expected trace dir %q, got %q", want, resolved.Recorder.TraceDir)
	}
}

func TestResolveWorkspacePaths_AbsoluteUntouched(t *testing.T) {
	wsDir := t.TempDir()

	var absLog, absSchema string
	if runtime.GOOS == "windows" {
		absLog = `C:\var\log\chatkeeper.log`
		absSchema = `C:\etc\chatkeeper\agent.mg`
	} else {
		absLog = "/var/log/chatkeeper.log"
		absSchema = "/etc/chatkeeper/agent.mg"
	}

	cfg := Config{
		Server: ServerConfig{LogFile: absLog},
		Mangle: MangleConfig{SchemaPath: absSchema},
	}

	resolved := resolveWorkspacePaths(cfg, wsDir)

	if resolved.Server.LogFile != absLog {
		t.Errorf("expected absolute log file untouched %q, got %q", absLog, resolved.Server.LogFile)
	}
	if resolved.Mangle.SchemaPath != absSchema {
		t.Errorf("expected absolute schema path untouched %q, got %q", absSchema, resolved.Mangle.SchemaPath)
	}
	if resolved.Recorder.TraceDir != "" {
		t.Errorf("expected empty trace dir to stay empty, got %q", resolved.Recorder.TraceDir)
	}
}

func TestInitWorkspace_Creates(t *testing.T) {
	tmpDir := t.TempDir()

	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wsDir := filepath.Join(tmpDir, WorkspaceDirName)
	for _, dir := range []string{wsDir, filepath.Join(wsDir, "data")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("expected directory %q to exist: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("expected %q to be a directory", dir)
		}
	}

	data, err := os.ReadFile(filepath.Join(wsDir, WorkspaceConfigFile))
	if err != nil {
		t.Fatalf("failed to read config template: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty config template")
	}

	// The template is entirely commented out, so loading it yields defaults.
	cfg, _, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("template should load cleanly: %v", err)
	}
	if cfg.Agent.FallbackPhrase != "continue" {
		t.Errorf("expected defaults from commented template, got %q", cfg.Agent.FallbackPhrase)
	}

	if _, err := os.Stat(filepath.Join(wsDir, ".gitignore")); err != nil {
		t.Errorf("expected .gitignore: %v", err)
	}
}

func TestInitWorkspace_AlreadyExists(t *testing.T) {
	tmpDir := t.TempDir()

	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if err := InitWorkspace(tmpDir); err == nil {
		t.Error("expected error when workspace already exists")
	}
}
