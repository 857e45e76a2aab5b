package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level chatkeeper config.
	WorkspaceDirName = ".chatkeeper"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the chatkeeper agent.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Agent    AgentConfig    `yaml:"agent"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// LogLevel is one of debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether a launched Chrome runs in headless mode (default: false).
	Headless *bool `yaml:"headless"`
	// TargetURLContains selects the page to watch among the browser's open targets.
	TargetURLContains string `yaml:"target_url_contains"`
	// OpenURL is navigated in a new page when no existing target matches.
	OpenURL string `yaml:"open_url"`
	// Timeout when attaching to a target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// LinksInCurrentWindow installs a click interceptor that opens anchors in the same window.
	LinksInCurrentWindow bool `yaml:"links_in_current_window"`
}

// AgentConfig holds the load-time constants of the detection-and-recovery loop.
type AgentConfig struct {
	CheckInterval       string `yaml:"check_interval"`
	VerificationTimeout string `yaml:"verification_timeout"`
	ActionCooldown      string `yaml:"action_cooldown"`
	SendDelay           string `yaml:"send_delay"`
	FallbackPhrase      string `yaml:"fallback_phrase"`

	Selectors        SelectorConfig   `yaml:"selectors"`
	ProactiveActions []ActionConfig   `yaml:"proactive_actions"`
	ErrorScenarios   []ScenarioConfig `yaml:"error_scenarios"`
}

// SelectorConfig names the CSS selectors the agent uses to navigate the host page.
type SelectorConfig struct {
	ProactiveClickable string `yaml:"proactive_clickable"`
	ErrorText          string `yaml:"error_text"`
	ErrorContainer     string `yaml:"error_container"`
	RecoveryText       string `yaml:"recovery_text"`
	RecoveryClickable  string `yaml:"recovery_clickable"`
	InputBox           string `yaml:"input_box"`
	SendIcon           string `yaml:"send_icon"`
	SendButton         string `yaml:"send_button"`
}

// ActionConfig is the YAML form of a proactive action rule.
type ActionConfig struct {
	Name string `yaml:"name"`
	// Type is "regex" or "text".
	Type   string `yaml:"type"`
	Value  string `yaml:"value"`
	Target string `yaml:"target"`
}

// ScenarioConfig is the YAML form of an error scenario.
type ScenarioConfig struct {
	Name         string `yaml:"name"`
	ErrorMessage string `yaml:"error_message"`
	ButtonText   string `yaml:"button_text"`
}

type MCPConfig struct {
	// Enable exposes the agent control tools over MCP.
	Enable bool `yaml:"enable"`
	// When set, starts an SSE server on this port instead of stdio.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded telemetry engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL flight recorder.
type RecorderConfig struct {
	Enable   bool   `yaml:"enable"`
	TraceDir string `yaml:"trace_dir"`
}

// DefaultSelectors returns the selectors of the stock chat application layout.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		ProactiveClickable: `div, a, span[role="link"], [data-link]`,
		ErrorText:          "span",
		ErrorContainer:     ".bg-dropdown-background",
		RecoveryText:       "span",
		RecoveryClickable:  `div[role="button"], a, span[role="link"]`,
		InputBox:           `div[contenteditable="true"].aislash-editor-input`,
		SendIcon:           `.anysphere-icon-button:not([data-disabled="true"]) span.codicon-arrow-up-two`,
		SendButton:         ".anysphere-icon-button",
	}
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "chatkeeper",
			Version:  "0.1.0",
			LogFile:  "",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			DebuggerURL:          "ws://127.0.0.1:9222",
			DefaultAttachTimeout: "10s",
		},
		Agent: AgentConfig{
			CheckInterval:       "2s",
			VerificationTimeout: "5s",
			ActionCooldown:      "1s",
			SendDelay:           "500ms",
			FallbackPhrase:      "continue",
			Selectors:           DefaultSelectors(),
			ProactiveActions: []ActionConfig{
				{Name: "Accept Suggestion", Type: "regex", Value: `^Accept.*⏎$`, Target: "span"},
				{Name: "Resume Conversation", Type: "text", Value: "resume the conversation", Target: "a, span"},
			},
			ErrorScenarios: []ScenarioConfig{
				{
					Name:         "Model Connection Error",
					ErrorMessage: "We're having trouble connecting to the model provider",
					ButtonText:   "Resume",
				},
				{
					Name:         "Network Connection Error",
					ErrorMessage: "Connection failed",
					ButtonText:   "Try again",
				},
			},
		},
		MCP: MCPConfig{
			Enable:  false,
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable:   false,
			TraceDir: "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .chatkeeper/config.yaml file.
// Returns the workspace root directory (parent of .chatkeeper/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .chatkeeper/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .chatkeeper/ directory with a template config at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# chatkeeper project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   debugger_url: "ws://127.0.0.1:9222"
#   target_url_contains: "workbench"
#   links_in_current_window: true

# agent:
#   check_interval: "2s"
#   verification_timeout: "5s"
#   fallback_phrase: "continue"
#   proactive_actions:
#     - name: "Accept Suggestion"
#       type: regex
#       value: "^Accept.*⏎$"
#       target: span
#   error_scenarios:
#     - name: "Network Connection Error"
#       error_message: "Connection failed"
#       button_text: "Try again"

# recorder:
#   enable: true
#   trace_dir: "data/traces"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.TraceDir = resolve(cfg.Recorder.TraceDir)
	return cfg
}

// Validate ensures required fields exist so the agent can start deterministically.
// Rule tables are compiled (and their patterns checked) by the rules package.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
		return errors.New("browser.debugger_url or browser.launch must be provided")
	}
	if c.Agent.FallbackPhrase == "" {
		return errors.New("agent.fallback_phrase is required")
	}
	if len(c.Agent.ProactiveActions) == 0 && len(c.Agent.ErrorScenarios) == 0 {
		return errors.New("agent needs at least one proactive action or error scenario")
	}
	for _, raw := range []struct{ name, value string }{
		{"agent.check_interval", c.Agent.CheckInterval},
		{"agent.verification_timeout", c.Agent.VerificationTimeout},
		{"agent.action_cooldown", c.Agent.ActionCooldown},
		{"agent.send_delay", c.Agent.SendDelay},
	} {
		if raw.value == "" {
			continue
		}
		if _, err := time.ParseDuration(raw.value); err != nil {
			return fmt.Errorf("%s: %w", raw.name, err)
		}
	}
	return nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, ok := parseDuration(raw)
	if !ok || d <= 0 {
		return fallback
	}
	return d
}

// parseNonNegativeDurationOr is parseDurationOr for windows where zero means "off".
func parseNonNegativeDurationOr(raw string, fallback time.Duration) time.Duration {
	d, ok := parseDuration(raw)
	if !ok || d < 0 {
		return fallback
	}
	return d
}

func parseDuration(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	return d, err == nil
}

// GetCheckInterval returns the tick period with a sane default.
func (a AgentConfig) GetCheckInterval() time.Duration {
	return parseDurationOr(a.CheckInterval, 2*time.Second)
}

// GetVerificationTimeout returns the recovery verification window with a sane default.
func (a AgentConfig) GetVerificationTimeout() time.Duration {
	return parseDurationOr(a.VerificationTimeout, 5*time.Second)
}

// GetActionCooldown returns the debounce window after an action with a sane default.
// "0s" disables the debounce.
func (a AgentConfig) GetActionCooldown() time.Duration {
	return parseNonNegativeDurationOr(a.ActionCooldown, time.Second)
}

// GetSendDelay returns the pause between typing the fallback phrase and pressing send.
func (a AgentConfig) GetSendDelay() time.Duration {
	return parseDurationOr(a.SendDelay, 500*time.Millisecond)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDurationOr(b.DefaultAttachTimeout, 10*time.Second)
}

// IsHeadless returns whether a launched Chrome should run headless (default: false,
// since the agent usually watches a window someone is using).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetTraceDir returns the recorder directory with a sane default.
func (r RecorderConfig) GetTraceDir() string {
	if r.TraceDir == "" {
		return "data/traces"
	}
	return r.TraceDir
}
