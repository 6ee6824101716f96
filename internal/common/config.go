package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/portalbatch/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Logging     LoggingConfig    `toml:"logging"`
	Browser     BrowserConfig    `toml:"browser"`
	Portal      PortalConfig     `toml:"portal"`
	Automation  AutomationConfig `toml:"automation"`
	Batch       BatchConfig      `toml:"batch"`
	Input       InputConfig      `toml:"input"`
	Artifacts   ArtifactsConfig  `toml:"artifacts"`
	Storage     StorageConfig    `toml:"storage"`
	Scheduler   SchedulerConfig  `toml:"scheduler"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// BrowserConfig controls the chromedp allocator
type BrowserConfig struct {
	Headless                bool    `toml:"headless"`
	NoSandbox               bool    `toml:"no_sandbox"`
	DisableGPU              bool    `toml:"disable_gpu"`
	IgnoreCertificateErrors bool    `toml:"ignore_certificate_errors"` // the portal serves a self-signed certificate
	UserAgent               string  `toml:"user_agent"`
	WindowWidth             int     `toml:"window_width"`
	WindowHeight            int     `toml:"window_height"`
	StartupTimeout          string  `toml:"startup_timeout"`    // e.g. "30s"
	ActionsPerSecond        float64 `toml:"actions_per_second"` // input pacing, 0 = unlimited
	ExecPath                string  `toml:"exec_path"`          // empty uses the chromedp lookup
}

// PortalConfig identifies the target portal and the operator account.
// Username and password are normally supplied through PORTALBATCH_PORTAL_USERNAME and
// PORTALBATCH_PORTAL_PASSWORD and are never logged.
type PortalConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Role     string `toml:"role"` // option value of the role select
}

// AutomationConfig tunes frame search and step retries
type AutomationConfig struct {
	WorkflowFile      string `toml:"workflow_file"` // empty uses the embedded portal workflow
	FrameMaxDepth     int    `toml:"frame_max_depth"`
	FrameMaxBranching int    `toml:"frame_max_branching"`
	StepAttempts      int    `toml:"step_attempts"`
	StepDelay         string `toml:"step_delay"`
	VerifyWindow      string `toml:"verify_window"`
	PollInterval      string `toml:"poll_interval"`
	LoginRetries      int    `toml:"login_retries"`
}

// BatchConfig holds the default run policy
type BatchConfig struct {
	SessionMode              string `toml:"session_mode"` // "fresh" or "shared"
	StepTimeout              string `toml:"step_timeout"`
	ItemPause                string `toml:"item_pause"`
	RecreateOnSessionFailure bool   `toml:"recreate_on_session_failure"`
	Limit                    int    `toml:"limit"`
}

// InputConfig describes the identifier spreadsheet
type InputConfig struct {
	Path      string `toml:"path"`
	Sheet     string `toml:"sheet"`      // empty uses the first sheet
	HasHeader string `toml:"has_header"` // "auto", "true" or "false"
}

// ArtifactsConfig locates run outputs
type ArtifactsConfig struct {
	Dir           string   `toml:"dir"`            // screenshots and snapshots
	DownloadDir   string   `toml:"download_dir"`   // browser download directory for generated reports
	ReportsDir    string   `toml:"reports_dir"`    // exported run reports
	SnapshotSteps bool     `toml:"snapshot_steps"` // snapshot every step flagged snapshot=true
	ReportFormats []string `toml:"report_formats"` // "json", "md", "html", "pdf"; empty exports json, md and html
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// SchedulerConfig triggers unattended runs
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // standard 5-field cron expression
	Input    string `toml:"input"`    // empty falls back to input.path
}

type WebSocketConfig struct {
	ProgressThrottle string `toml:"progress_throttle"` // minimum gap between progress broadcasts
}

// NewDefaultConfig creates a configuration with default values matching the enrollment portal
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8086,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Browser: BrowserConfig{
			Headless:                true,
			NoSandbox:               true,
			DisableGPU:              true,
			IgnoreCertificateErrors: true,
			WindowWidth:             1366,
			WindowHeight:            900,
			StartupTimeout:          "30s",
		},
		Portal: PortalConfig{
			URL:  "http://senasofiaplus.edu.co/sofia-public/",
			Role: "33",
		},
		Automation: AutomationConfig{
			FrameMaxDepth:     2,
			FrameMaxBranching: 16,
			StepAttempts:      3,
			StepDelay:         "2s",
			VerifyWindow:      "3s",
			PollInterval:      "250ms",
			LoginRetries:      1,
		},
		Batch: BatchConfig{
			SessionMode: string(models.SessionModeFresh),
			StepTimeout: "60s",
			ItemPause:   "3s",
		},
		Input: InputConfig{
			HasHeader: "auto",
		},
		Artifacts: ArtifactsConfig{
			Dir:           "./artifacts",
			DownloadDir:   "./reportes",
			ReportsDir:    "./reports",
			SnapshotSteps: true,
			ReportFormats: []string{"json", "md", "html"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Scheduler: SchedulerConfig{
			Schedule: "0 6 * * 1-5",
		},
		WebSocket: WebSocketConfig{
			ProgressThrottle: "250ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies PORTALBATCH_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PORTALBATCH_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("PORTALBATCH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PORTALBATCH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("PORTALBATCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("PORTALBATCH_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Browser configuration
	if headless := os.Getenv("PORTALBATCH_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if execPath := os.Getenv("PORTALBATCH_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}

	// Portal configuration (credentials are expected here rather than in files)
	if url := os.Getenv("PORTALBATCH_PORTAL_URL"); url != "" {
		config.Portal.URL = url
	}
	if username := os.Getenv("PORTALBATCH_PORTAL_USERNAME"); username != "" {
		config.Portal.Username = username
	}
	if password := os.Getenv("PORTALBATCH_PORTAL_PASSWORD"); password != "" {
		config.Portal.Password = password
	}
	if role := os.Getenv("PORTALBATCH_PORTAL_ROLE"); role != "" {
		config.Portal.Role = role
	}

	// Batch configuration
	if mode := os.Getenv("PORTALBATCH_BATCH_SESSION_MODE"); mode != "" {
		config.Batch.SessionMode = mode
	}
	if stepTimeout := os.Getenv("PORTALBATCH_BATCH_STEP_TIMEOUT"); stepTimeout != "" {
		config.Batch.StepTimeout = stepTimeout
	}
	if pause := os.Getenv("PORTALBATCH_BATCH_ITEM_PAUSE"); pause != "" {
		config.Batch.ItemPause = pause
	}
	if limit := os.Getenv("PORTALBATCH_BATCH_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			config.Batch.Limit = l
		}
	}

	// Input and storage
	if input := os.Getenv("PORTALBATCH_INPUT_PATH"); input != "" {
		config.Input.Path = input
	}
	if badgerPath := os.Getenv("PORTALBATCH_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if workflow := os.Getenv("PORTALBATCH_WORKFLOW_FILE"); workflow != "" {
		config.Automation.WorkflowFile = workflow
	}
}

// FlagOverrides carries command-line values. Zero values leave the config untouched;
// Limit uses -1 for "not set".
type FlagOverrides struct {
	Port        int
	Host        string
	Input       string
	SessionMode string
	StepTimeout string
	ItemPause   string
	Limit       int
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, flags FlagOverrides) {
	// Command-line flags have highest priority
	if flags.Port > 0 {
		config.Server.Port = flags.Port
	}
	if flags.Host != "" {
		config.Server.Host = flags.Host
	}
	if flags.Input != "" {
		config.Input.Path = flags.Input
	}
	if flags.SessionMode != "" {
		config.Batch.SessionMode = flags.SessionMode
	}
	if flags.StepTimeout != "" {
		config.Batch.StepTimeout = flags.StepTimeout
	}
	if flags.ItemPause != "" {
		config.Batch.ItemPause = flags.ItemPause
	}
	if flags.Limit >= 0 {
		config.Batch.Limit = flags.Limit
	}
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if _, err := c.Batch.Policy(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	for name, value := range map[string]string{
		"automation.step_delay":      c.Automation.StepDelay,
		"automation.verify_window":   c.Automation.VerifyWindow,
		"automation.poll_interval":   c.Automation.PollInterval,
		"browser.startup_timeout":    c.Browser.StartupTimeout,
		"websocket.progress_throttle": c.WebSocket.ProgressThrottle,
	} {
		if _, err := ParseDuration(value, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Automation.FrameMaxDepth < 1 || c.Automation.FrameMaxBranching < 1 {
		return fmt.Errorf("automation: frame_max_depth and frame_max_branching must be >= 1")
	}
	switch c.Input.HasHeader {
	case "", "auto", "true", "false":
	default:
		return fmt.Errorf("input.has_header must be auto, true or false, got %q", c.Input.HasHeader)
	}
	if c.Portal.URL == "" {
		return fmt.Errorf("portal.url is required")
	}
	if c.Scheduler.Enabled {
		if err := ValidateSchedule(c.Scheduler.Schedule); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	return nil
}

// Policy converts the batch section into a run policy
func (b BatchConfig) Policy() (models.RunPolicy, error) {
	mode, err := models.ParseSessionMode(b.SessionMode)
	if err != nil {
		return models.RunPolicy{}, err
	}
	stepTimeout, err := ParseDuration(b.StepTimeout, 0)
	if err != nil {
		return models.RunPolicy{}, fmt.Errorf("step_timeout: %w", err)
	}
	pause, err := ParseDuration(b.ItemPause, 0)
	if err != nil {
		return models.RunPolicy{}, fmt.Errorf("item_pause: %w", err)
	}
	policy := models.RunPolicy{
		SessionMode:              mode,
		StepTimeout:              stepTimeout,
		ItemPause:                pause,
		RecreateOnSessionFailure: b.RecreateOnSessionFailure,
		Limit:                    b.Limit,
	}
	return policy, policy.Validate()
}

// ParseDuration parses a Go duration string; empty returns fallback
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}

// MustDuration parses value and falls back on any error. Only use after Validate.
func MustDuration(value string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(value, fallback)
	if err != nil {
		return fallback
	}
	return d
}

// ValidateSchedule validates a cron schedule expression and ensures a minimum 5-minute interval
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	minuteField := strings.Fields(schedule)[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
