package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "chatkeeper" {
		t.Errorf("expected server name 'chatkeeper', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Server.LogLevel)
	}
	if cfg.Browser.DebuggerURL == "" {
		t.Error("expected a default debugger URL")
	}

	if cfg.Agent.CheckInterval != "2s" {
		t.Errorf("expected check interval '2s', got %q", cfg.Agent.CheckInterval)
	}
	if cfg.Agent.VerificationTimeout != "5s" {
		t.Errorf("expected verification timeout '5s', got %q", cfg.Agent.VerificationTimeout)
	}
	if len(cfg.Agent.ProactiveActions) != 2 {
		t.Fatalf("expected 2 proactive actions, got %d", len(cfg.Agent.ProactiveActions))
	}
	if cfg.Agent.ProactiveActions[0].Name != "Accept Suggestion" {
		t.Errorf("expected first action 'Accept Suggestion', got %q", cfg.Agent.ProactiveActions[0].Name)
	}
	if len(cfg.Agent.ErrorScenarios) != 2 {
		t.Fatalf("expected 2 error scenarios, got %d", len(cfg.Agent.ErrorScenarios))
	}
	if cfg.Agent.ErrorScenarios[1].ButtonText != "Try again" {
		t.Errorf("expected 'Try again', got %q", cfg.Agent.ErrorScenarios[1].ButtonText)
	}
	if cfg.Agent.Selectors.ErrorContainer != ".bg-dropdown-background" {
		t.Errorf("unexpected error container selector %q", cfg.Agent.Selectors.ErrorContainer)
	}

	if !cfg.Mangle.Enable {
		t.Error("expected Mangle.Enable to be true")
	}
	if cfg.Mangle.FactBufferLimit != 2048 {
		t.Errorf("expected fact buffer limit 2048, got %d", cfg.Mangle.FactBufferLimit)
	}
	if cfg.MCP.Enable {
		t.Error("expected MCP.Enable to be false")
	}
	if cfg.Recorder.Enable {
		t.Error("expected Recorder.Enable to be false")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-agent"
  log_file: "agent.log"
  log_level: debug

browser:
  debugger_url: "ws://localhost:9333"
  target_url_contains: "workbench"
  links_in_current_window: true

agent:
  check_interval: "500ms"
  verification_timeout: "3s"
  fallback_phrase: "keep going"
  proactive_actions:
    - name: "Run"
      type: text
      value: "Run command"
      target: "button"
  error_scenarios:
    - name: "Rate Limited"
      error_message: "rate limit"
      button_text: "Retry"

mangle:
  enable: false

recorder:
  enable: true
  trace_dir: "traces"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-agent" {
		t.Errorf("expected server name 'test-agent', got %q", cfg.Server.Name)
	}
	if cfg.Browser.DebuggerURL != "ws://localhost:9333" {
		t.Errorf("expected debugger URL override, got %q", cfg.Browser.DebuggerURL)
	}
	if !cfg.Browser.LinksInCurrentWindow {
		t.Error("expected LinksInCurrentWindow to be true")
	}
	if cfg.Agent.GetCheckInterval() != 500*time.Millisecond {
		t.Errorf("expected 500ms interval, got %v", cfg.Agent.GetCheckInterval())
	}
	if cfg.Agent.FallbackPhrase != "keep going" {
		t.Errorf("expected fallback phrase override, got %q", cfg.Agent.FallbackPhrase)
	}
	// Lists replace the defaults rather than appending.
	if len(cfg.Agent.ProactiveActions) != 1 || cfg.Agent.ProactiveActions[0].Name != "Run" {
		t.Errorf("expected proactive actions to be replaced, got %+v", cfg.Agent.ProactiveActions)
	}
	if len(cfg.Agent.ErrorScenarios) != 1 || cfg.Agent.ErrorScenarios[0].ButtonText != "Retry" {
		t.Errorf("expected error scenarios to be replaced, got %+v", cfg.Agent.ErrorScenarios)
	}
	// Unset nested fields keep their defaults.
	if cfg.Agent.Selectors.InputBox != DefaultSelectors().InputBox {
		t.Errorf("expected default input box selector, got %q", cfg.Agent.Selectors.InputBox)
	}
	if cfg.Mangle.Enable {
		t.Error("expected Mangle.Enable to be false")
	}
	if !cfg.Recorder.Enable || cfg.Recorder.GetTraceDir() != "traces" {
		t.Errorf("unexpected recorder config %+v", cfg.Recorder)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("agent: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing server name",
			mutate:  func(c *Config) { c.Server.Name = "" },
			wantErr: true,
		},
		{
			name: "no browser endpoint",
			mutate: func(c *Config) {
				c.Browser.DebuggerURL = ""
				c.Browser.Launch = nil
			},
			wantErr: true,
		},
		{
			name: "launch instead of debugger url",
			mutate: func(c *Config) {
				c.Browser.DebuggerURL = ""
				c.Browser.Launch = []string{"chromium", "--remote-debugging-port=9222"}
			},
			wantErr: false,
		},
		{
			name:    "empty fallback phrase",
			mutate:  func(c *Config) { c.Agent.FallbackPhrase = "" },
			wantErr: true,
		},
		{
			name: "no rules at all",
			mutate: func(c *Config) {
				c.Agent.ProactiveActions = nil
				c.Agent.ErrorScenarios = nil
			},
			wantErr: true,
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Agent.CheckInterval = "often" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAgentDurations(t *testing.T) {
	tests := []struct {
		name     string
		cfg      AgentConfig
		interval time.Duration
		verify   time.Duration
		cooldown time.Duration
		send     time.Duration
	}{
		{
			name:     "empty uses defaults",
			cfg:      AgentConfig{},
			interval: 2 * time.Second,
			verify:   5 * time.Second,
			cooldown: time.Second,
			send:     500 * time.Millisecond,
		},
		{
			name: "valid values",
			cfg: AgentConfig{
				CheckInterval:       "250ms",
				VerificationTimeout: "1s",
				ActionCooldown:      "100ms",
				SendDelay:           "10ms",
			},
			interval: 250 * time.Millisecond,
			verify:   time.Second,
			cooldown: 100 * time.Millisecond,
			send:     10 * time.Millisecond,
		},
		{
			name: "invalid and negative fall back",
			cfg: AgentConfig{
				CheckInterval:       "nope",
				VerificationTimeout: "-1s",
			},
			interval: 2 * time.Second,
			verify:   5 * time.Second,
			cooldown: time.Second,
			send:     500 * time.Millisecond,
		},
		{
			name: "zero cooldown disables debounce",
			cfg: AgentConfig{
				CheckInterval:  "0s",
				ActionCooldown: "0s",
			},
			interval: 2 * time.Second,
			verify:   5 * time.Second,
			cooldown: 0,
			send:     500 * time.Millisecond,
		},
		{
			name:     "negative cooldown falls back",
			cfg:      AgentConfig{ActionCooldown: "-1s"},
			interval: 2 * time.Second,
			verify:   5 * time.Second,
			cooldown: time.Second,
			send:     500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetCheckInterval(); got != tt.interval {
				t.Errorf("GetCheckInterval() = %v, want %v", got, tt.interval)
			}
			if got := tt.cfg.GetVerificationTimeout(); got != tt.verify {
				t.Errorf("GetVerificationTimeout() = %v, want %v", got, tt.verify)
			}
			if got := tt.cfg.GetActionCooldown(); got != tt.cooldown {
				t.Errorf("GetActionCooldown() = %v, want %v", got, tt.cooldown)
			}
			if got := tt.cfg.GetSendDelay(); got != tt.send {
				t.Errorf("GetSendDelay() = %v, want %v", got, tt.send)
			}
		})
	}
}

func TestAttachTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeout  string
		expected time.Duration
	}{
		{"empty uses default", "", 10 * time.Second},
		{"valid duration", "3s", 3 * time.Second},
		{"invalid duration uses default", "invalid", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BrowserConfig{DefaultAttachTimeout: tt.timeout}
			if got := cfg.AttachTimeout(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestIsHeadless(t *testing.T) {
	trueVal := true
	falseVal := false

	tests := []struct {
		name     string
		headless *bool
		expected bool
	}{
		{"nil defaults to false", nil, false},
		{"explicit true", &trueVal, true},
		{"explicit false", &falseVal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BrowserConfig{Headless: tt.headless}
			if got := cfg.IsHeadless(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}
