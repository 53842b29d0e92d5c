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
	// WorkspaceDirName is the directory name for project-level scriptnerd config.
	WorkspaceDirName = ".scriptnerd"
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

// Config captures all tunable settings for the scriptnerd daemon.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Model    ModelConfig    `yaml:"model"`
	Storage  StorageConfig  `yaml:"storage"`
	Capture  CaptureConfig  `yaml:"capture"`
	Loop     LoopConfig     `yaml:"loop"`
	Recorder RecorderConfig `yaml:"recorder"`
	MCP      MCPConfig      `yaml:"mcp"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Address the local HTTP/WebSocket API binds to.
	ListenAddr string `yaml:"listen_addr"`
	// Optional log file; stderr when empty. Required for MCP stdio mode so
	// logging never corrupts the protocol stream.
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Attaches instead of launching.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (binary + flags). Empty means the launcher resolves a browser itself.
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the daemon launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: false; this
	// tool exists to watch scripts run against a visible page).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout for one script execution against a page (e.g., "30s").
	DefaultExecutionTimeout string `yaml:"default_execution_timeout"`
	// Console ring buffer size per target.
	ConsoleBufferSize int `yaml:"console_buffer_size"`
	// Viewport width for new targets (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new targets (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// ModelConfig configures the chat-completions provider.
type ModelConfig struct {
	// Base URL of an OpenAI-compatible endpoint. Empty uses the SDK default.
	BaseURL string `yaml:"base_url"`
	// Environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	// Inline API key; takes precedence over APIKeyEnv when set.
	APIKey string `yaml:"api_key"`
	// Model name for the main loop.
	Name string `yaml:"name"`
	// Optional smaller model used to generate task titles on approve. Empty disables.
	TitleModel string `yaml:"title_model"`
	// Per-request timeout (e.g., "120s").
	RequestTimeout string `yaml:"request_timeout"`
	// Optional completion token cap; 0 leaves it to the provider.
	MaxTokens int `yaml:"max_tokens"`
}

type StorageConfig struct {
	// SQLite database path.
	Path string `yaml:"path"`
	// Read-through cache entries per collection.
	CacheSize int `yaml:"cache_size"`
}

// CaptureConfig bounds what an observation may carry to the model.
type CaptureConfig struct {
	// Max characters of scrubbed markup before the structural summary kicks in.
	MarkupCharBudget int `yaml:"markup_char_budget"`
	// Console lines included in an observation.
	ConsoleTailLines int `yaml:"console_tail_lines"`
	// Depth cap for generic containers in the structural summary.
	SummaryMaxDepth int `yaml:"summary_max_depth"`
	// Depth cap for interactive elements (links, buttons, inputs, forms).
	SummaryInteractiveDepth int `yaml:"summary_interactive_depth"`
	// Per-node text truncation in the structural summary.
	SummaryTextLimit int `yaml:"summary_text_limit"`
	// Screenshot format: png | jpeg.
	ScreenshotFormat string `yaml:"screenshot_format"`
	// JPEG quality (ignored for png).
	ScreenshotQuality int `yaml:"screenshot_quality"`
}

// LoopConfig tunes the orchestrator.
type LoopConfig struct {
	// Queued Advance calls per conversation before enqueue rejects.
	QueueSize int `yaml:"queue_size"`
	// Window within which a second cancel signal confirms the abort (e.g., "500ms").
	CancelConfirmWindow string `yaml:"cancel_confirm_window"`
}

// RecorderConfig controls JSONL tracing of loop runs.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// Rotated trace files kept per conversation.
	MaxRotatedFiles int `yaml:"max_rotated_files"`
}

type MCPConfig struct {
	// Enable the MCP tool surface (stdio).
	Enabled bool `yaml:"enabled"`
	// When set, also starts an SSE server on this port.
	SSEPort int `yaml:"sse_port"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:       "scriptnerd",
			Version:    "0.1.0",
			ListenAddr: "127.0.0.1:8917",
			LogFile:    "",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultExecutionTimeout:  "30s",
			ConsoleBufferSize:        500,
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Model: ModelConfig{
			APIKeyEnv:      "OPENAI_API_KEY",
			Name:           "gpt-4o",
			RequestTimeout: "120s",
		},
		Storage: StorageConfig{
			Path:      "scriptnerd.db",
			CacheSize: 256,
		},
		Capture: CaptureConfig{
			MarkupCharBudget:        100000,
			ConsoleTailLines:        50,
			SummaryMaxDepth:         6,
			SummaryInteractiveDepth: 10,
			SummaryTextLimit:        80,
			ScreenshotFormat:        "png",
			ScreenshotQuality:       80,
		},
		Loop: LoopConfig{
			QueueSize:           16,
			CancelConfirmWindow: "500ms",
		},
		Recorder: RecorderConfig{
			Enabled:         false,
			Dir:             "traces",
			MaxRotatedFiles: 3,
		},
		MCP: MCPConfig{
			Enabled: false,
			SSEPort: 0,
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

// DiscoverWorkspace walks up from startDir looking for a .scriptnerd/config.yaml file.
// Returns the workspace root directory (parent of .scriptnerd/) or empty string if not found.
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
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .scriptnerd/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
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

	// Layer 2: Explicit config file (--config flag)
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

// InitWorkspace creates a .scriptnerd/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
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

	templateConfig := `# scriptnerd project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   headless: false
#   debugger_url: "ws://localhost:9222"

# model:
#   name: "gpt-4o"
#   title_model: "gpt-4o-mini"

# storage:
#   path: ".scriptnerd/data/scriptnerd.db"

# capture:
#   markup_char_budget: 100000
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (database, traces) - do not version control\ndata/\n"
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
	cfg.Storage.Path = resolve(cfg.Storage.Path)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the daemon can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.Model.Name == "" {
		return errors.New("model.name is required")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Capture.MarkupCharBudget <= 0 {
		return errors.New("capture.markup_char_budget must be positive")
	}
	if c.Loop.QueueSize <= 0 {
		return errors.New("loop.queue_size must be positive")
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// ExecutionTimeout returns the parsed per-execution timeout with a sane default.
func (b BrowserConfig) ExecutionTimeout() time.Duration {
	if b.DefaultExecutionTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultExecutionTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetConsoleBufferSize returns the console ring buffer size with a sane default.
func (b BrowserConfig) GetConsoleBufferSize() int {
	if b.ConsoleBufferSize <= 0 {
		return 500
	}
	return b.ConsoleBufferSize
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetRequestTimeout returns the parsed provider request timeout with a sane default.
func (m ModelConfig) GetRequestTimeout() time.Duration {
	if m.RequestTimeout == "" {
		return 120 * time.Second
	}
	d, err := time.ParseDuration(m.RequestTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// ResolveAPIKey returns the configured API key, falling back to the environment.
func (m ModelConfig) ResolveAPIKey() string {
	if m.APIKey != "" {
		return m.APIKey
	}
	if m.APIKeyEnv != "" {
		return os.Getenv(m.APIKeyEnv)
	}
	return ""
}

// GetCacheSize returns the cache size with a sane default.
func (s StorageConfig) GetCacheSize() int {
	if s.CacheSize <= 0 {
		return 256
	}
	return s.CacheSize
}

// GetMarkupCharBudget returns the markup budget with a sane default.
func (c CaptureConfig) GetMarkupCharBudget() int {
	if c.MarkupCharBudget <= 0 {
		return 100000
	}
	return c.MarkupCharBudget
}

// GetConsoleTailLines returns the console tail bound with a sane default.
func (c CaptureConfig) GetConsoleTailLines() int {
	if c.ConsoleTailLines <= 0 {
		return 50
	}
	return c.ConsoleTailLines
}

// GetSummaryMaxDepth returns the generic-container depth cap with a sane default.
func (c CaptureConfig) GetSummaryMaxDepth() int {
	if c.SummaryMaxDepth <= 0 {
		return 6
	}
	return c.SummaryMaxDepth
}

// GetSummaryInteractiveDepth returns the interactive-element depth cap with a sane default.
func (c CaptureConfig) GetSummaryInteractiveDepth() int {
	if c.SummaryInteractiveDepth <= 0 {
		return 10
	}
	return c.SummaryInteractiveDepth
}

// GetSummaryTextLimit returns the per-node text truncation with a sane default.
func (c CaptureConfig) GetSummaryTextLimit() int {
	if c.SummaryTextLimit <= 0 {
		return 80
	}
	return c.SummaryTextLimit
}

// GetScreenshotFormat returns the screenshot format with a sane default.
func (c CaptureConfig) GetScreenshotFormat() string {
	if c.ScreenshotFormat != "png" && c.ScreenshotFormat != "jpeg" {
		return "png"
	}
	return c.ScreenshotFormat
}

// ConfirmWindow returns the parsed cancel confirmation window with a sane default.
func (l LoopConfig) ConfirmWindow() time.Duration {
	if l.CancelConfirmWindow == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(l.CancelConfirmWindow)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetMaxRotatedFiles returns the rotation bound with a sane default.
func (r RecorderConfig) GetMaxRotatedFiles() int {
	if r.MaxRotatedFiles <= 0 {
		return 3
	}
	return r.MaxRotatedFiles
}
