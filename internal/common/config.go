package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" yaml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server" yaml:"server"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
	Storage     StorageConfig   `toml:"storage" yaml:"storage"`
	Browser     BrowserConfig   `toml:"browser" yaml:"browser"`
	Portal      PortalConfig    `toml:"portal" yaml:"portal"`
	Captcha     CaptchaConfig   `toml:"captcha" yaml:"captcha"`
	Jobs        JobsConfig      `toml:"jobs" yaml:"jobs"`
	WebSocket   WebSocketConfig `toml:"websocket" yaml:"websocket"`
	Notify      NotifyConfig    `toml:"notify" yaml:"notify"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level"`             // "debug", "info", "warn", "error"
	Output     []string `toml:"output" yaml:"output"`           // "stdout", "file"
	TimeFormat string   `toml:"time_format" yaml:"time_format"` // default "15:04:05"
	Dir        string   `toml:"dir" yaml:"dir"`                 // log directory, default <exe dir>/logs
}

type StorageConfig struct {
	Badger      BadgerConfig `toml:"badger" yaml:"badger"`
	EvidenceDir string       `toml:"evidence_dir" yaml:"evidence_dir"` // screenshots and reports
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path"`
	InMemory       bool   `toml:"in_memory" yaml:"in_memory"`
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"`

	// CompactionSchedule runs value log GC (cron format, empty disables)
	CompactionSchedule string `toml:"compaction_schedule" yaml:"compaction_schedule"`
}

// BrowserConfig controls the headless browser sessions used by lookup workers
type BrowserConfig struct {
	Headless        bool   `toml:"headless" yaml:"headless"`
	MaxSessions     int    `toml:"max_sessions" yaml:"max_sessions"`         // concurrent browsers, extra jobs wait in Pending
	UserAgent       string `toml:"user_agent" yaml:"user_agent"`
	ViewportWidth   int    `toml:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int    `toml:"viewport_height" yaml:"viewport_height"`
	RequestTimeout  string `toml:"request_timeout" yaml:"request_timeout"`   // per navigation step, e.g. "30s"
	SessionInterval string `toml:"session_interval" yaml:"session_interval"` // minimum spacing between new sessions
}

// PortalConfig describes the remote company search portal
type PortalConfig struct {
	URL         string `toml:"url" yaml:"url"`
	TypeDelay   string `toml:"type_delay" yaml:"type_delay"`     // delay between typed characters
	SettleDelay string `toml:"settle_delay" yaml:"settle_delay"` // wait after submitting the captcha
}

type CaptchaConfig struct {
	Timeout     string `toml:"timeout" yaml:"timeout"`           // operator wait, default "5m"
	MaxAttempts int    `toml:"max_attempts" yaml:"max_attempts"` // challenges per job before giving up
}

// JobsConfig contains configuration for lookup jobs and their history
type JobsConfig struct {
	AvailableYears    []string `toml:"available_years" yaml:"available_years"`
	HistoryLimit      int      `toml:"history_limit" yaml:"history_limit"`           // finished jobs kept in memory
	Retention         string   `toml:"retention" yaml:"retention"`                   // finished jobs and history older than this are pruned
	RetentionSchedule string   `toml:"retention_schedule" yaml:"retention_schedule"` // cron format
}

// WebSocketConfig contains configuration for job event streaming
type WebSocketConfig struct {
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events" yaml:"allowed_events"`
	// Minimum spacing between broadcasts of the same event type and job.
	ThrottleInterval string `toml:"throttle_interval" yaml:"throttle_interval"`
}

// NotifyConfig configures the operator e-mail sent when a challenge is waiting
type NotifyConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	SMTPHost string   `toml:"smtp_host" yaml:"smtp_host"`
	SMTPPort int      `toml:"smtp_port" yaml:"smtp_port"`
	Username string   `toml:"username" yaml:"username"`
	Password string   `toml:"password" yaml:"password"`
	From     string   `toml:"from" yaml:"from"`
	To       []string `toml:"to" yaml:"to"`
	BaseURL  string   `toml:"base_url" yaml:"base_url"` // link included in the message
}

// DefaultPortalURL is the company search page of the Superintendencia de Compañías.
const DefaultPortalURL = "https://appscvsgen.supercias.gob.ec/consultaCompanias/societario/busquedaCompanias.jsf"

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 5000,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:               "./data",
				CompactionSchedule: "30 3 * * *",
			},
			EvidenceDir: "./data/evidence",
		},
		Browser: BrowserConfig{
			Headless:        true,
			MaxSessions:     2,
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ViewportWidth:   1280,
			ViewportHeight:  800,
			RequestTimeout:  "30s",
			SessionInterval: "2s",
		},
		Portal: PortalConfig{
			URL:         DefaultPortalURL,
			TypeDelay:   "250ms",
			SettleDelay: "6s",
		},
		Captcha: CaptchaConfig{
			Timeout:     "5m",
			MaxAttempts: 3,
		},
		Jobs: JobsConfig{
			AvailableYears:    []string{"2024", "2023", "2022", "2021", "2020"},
			HistoryLimit:      500,
			Retention:         "720h",
			RetentionSchedule: "0 3 * * *",
		},
		WebSocket: WebSocketConfig{
			AllowedEvents:    []string{},
			ThrottleInterval: "250ms",
		},
		Notify: NotifyConfig{
			Enabled:  false,
			SMTPPort: 587,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. Files ending in .yaml or .yml are parsed as YAML, everything else as TOML.
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

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies SUPERCOMP_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SUPERCOMP_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("SUPERCOMP_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SUPERCOMP_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("SUPERCOMP_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SUPERCOMP_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("SUPERCOMP_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if inMemory := os.Getenv("SUPERCOMP_BADGER_IN_MEMORY"); inMemory != "" {
		if b, err := strconv.ParseBool(inMemory); err == nil {
			config.Storage.Badger.InMemory = b
		}
	}
	if evidenceDir := os.Getenv("SUPERCOMP_EVIDENCE_DIR"); evidenceDir != "" {
		config.Storage.EvidenceDir = evidenceDir
	}

	// Browser configuration
	if headless := os.Getenv("SUPERCOMP_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
	if maxSessions := os.Getenv("SUPERCOMP_BROWSER_MAX_SESSIONS"); maxSessions != "" {
		if n, err := strconv.Atoi(maxSessions); err == nil {
			config.Browser.MaxSessions = n
		}
	}
	if userAgent := os.Getenv("SUPERCOMP_BROWSER_USER_AGENT"); userAgent != "" {
		config.Browser.UserAgent = userAgent
	}

	// Portal configuration
	if url := os.Getenv("SUPERCOMP_PORTAL_URL"); url != "" {
		config.Portal.URL = url
	}

	// Captcha configuration
	if timeout := os.Getenv("SUPERCOMP_CAPTCHA_TIMEOUT"); timeout != "" {
		config.Captcha.Timeout = timeout
	}
	if maxAttempts := os.Getenv("SUPERCOMP_CAPTCHA_MAX_ATTEMPTS"); maxAttempts != "" {
		if n, err := strconv.Atoi(maxAttempts); err == nil {
			config.Captcha.MaxAttempts = n
		}
	}

	// Jobs configuration
	if years := os.Getenv("SUPERCOMP_AVAILABLE_YEARS"); years != "" {
		if list := splitList(years); len(list) > 0 {
			config.Jobs.AvailableYears = list
		}
	}
	if retention := os.Getenv("SUPERCOMP_JOBS_RETENTION"); retention != "" {
		config.Jobs.Retention = retention
	}

	// Notify configuration
	if enabled := os.Getenv("SUPERCOMP_NOTIFY_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Notify.Enabled = b
		}
	}
	if host := os.Getenv("SUPERCOMP_SMTP_HOST"); host != "" {
		config.Notify.SMTPHost = host
	}
	if user := os.Getenv("SUPERCOMP_SMTP_USERNAME"); user != "" {
		config.Notify.Username = user
	}
	if pass := os.Getenv("SUPERCOMP_SMTP_PASSWORD"); pass != "" {
		config.Notify.Password = pass
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, headed bool) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if headed {
		config.Browser.Headless = false
	}
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	durations := map[string]string{
		"browser.request_timeout":     c.Browser.RequestTimeout,
		"browser.session_interval":    c.Browser.SessionInterval,
		"portal.type_delay":           c.Portal.TypeDelay,
		"portal.settle_delay":         c.Portal.SettleDelay,
		"captcha.timeout":             c.Captcha.Timeout,
		"jobs.retention":              c.Jobs.Retention,
		"websocket.throttle_interval": c.WebSocket.ThrottleInterval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q: %w", key, value, err)
		}
	}

	if c.Browser.MaxSessions < 1 {
		return fmt.Errorf("browser.max_sessions must be at least 1, got %d", c.Browser.MaxSessions)
	}
	if c.Captcha.MaxAttempts < 1 {
		return fmt.Errorf("captcha.max_attempts must be at least 1, got %d", c.Captcha.MaxAttempts)
	}
	for _, year := range c.Jobs.AvailableYears {
		if len(year) != 4 {
			return fmt.Errorf("jobs.available_years entry %q is not a 4-digit year", year)
		}
		if _, err := strconv.Atoi(year); err != nil {
			return fmt.Errorf("jobs.available_years entry %q is not a 4-digit year", year)
		}
	}
	if c.Jobs.RetentionSchedule != "" {
		if err := ValidateSchedule(c.Jobs.RetentionSchedule); err != nil {
			return fmt.Errorf("jobs.retention_schedule: %w", err)
		}
	}
	if c.Storage.Badger.CompactionSchedule != "" {
		if err := ValidateSchedule(c.Storage.Badger.CompactionSchedule); err != nil {
			return fmt.Errorf("storage.badger.compaction_schedule: %w", err)
		}
	}
	if c.Notify.Enabled && (c.Notify.SMTPHost == "" || c.Notify.From == "" || len(c.Notify.To) == 0) {
		return fmt.Errorf("notify is enabled but smtp_host, from or to is missing")
	}
	return nil
}

// ValidateSchedule validates a standard 5-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// IsAvailableYear reports whether year is one of the configured lookup years.
func (c *Config) IsAvailableYear(year string) bool {
	for _, y := range c.Jobs.AvailableYears {
		if y == year {
			return true
		}
	}
	return false
}

// ParseDurationOr parses value, falling back to def when empty or invalid.
func ParseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
