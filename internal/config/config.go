// The application's root configuration: session registry, browser launch, waiting
// policy, video, journal and logging settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Engine names accepted by browser.engine.
const (
	EnginePlaywright = "playwright"
	EngineChromedp   = "chromedp"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Session   SessionConfig   `mapstructure:"session"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Wait      WaitConfig      `mapstructure:"wait"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Video     VideoConfig     `mapstructure:"video"`
	Transport TransportConfig `mapstructure:"transport"`
	Journal   JournalConfig   `mapstructure:"journal"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// SessionConfig controls naming, addressing and lifecycle of session daemons.
type SessionConfig struct {
	Name           string        `mapstructure:"name"`
	TimeoutMS      int64         `mapstructure:"timeout"`
	AutoStart      bool          `mapstructure:"auto_start"`
	RuntimeDir     string        `mapstructure:"runtime_dir"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	StopGrace      time.Duration `mapstructure:"stop_grace"`
}

// Timeout returns the default command timeout as a duration.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// ViewportConfig is the initial page size. Zero values keep the engine default.
type ViewportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// HumanoidConfig tunes the pointer paths traced before pointer interactions.
type HumanoidConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Steps           int           `mapstructure:"steps"`
	PerlinAmplitude float64       `mapstructure:"perlin_amplitude"`
	StepDelay       time.Duration `mapstructure:"step_delay"`
}

// BrowserConfig holds settings for the browser owned by a daemon.
type BrowserConfig struct {
	Engine          string         `mapstructure:"engine"`
	Headed          bool           `mapstructure:"headed"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors"`
	Args            []string       `mapstructure:"args"`
	ExecutablePath  string         `mapstructure:"executable_path"`
	Viewport        ViewportConfig `mapstructure:"viewport"`
	Humanoid        HumanoidConfig `mapstructure:"humanoid"`
}

// WaitConfig holds the auto-wait policy.
type WaitConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ConsoleConfig bounds the console buffer. Capacity 0 means unbounded.
type ConsoleConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// VideoConfig holds recording settings.
type VideoConfig struct {
	Path         string `mapstructure:"path"`
	Dir          string `mapstructure:"dir"`
	FFmpegBinary string `mapstructure:"ffmpeg_binary"`
}

// TransportConfig holds client socket settings.
type TransportConfig struct {
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ResponseGrace time.Duration `mapstructure:"response_grace"`
}

// JournalConfig enables the optional Postgres command journal.
type JournalConfig struct {
	PostgresURL string `mapstructure:"postgres_url"`
}

// DefaultRuntimeDir is where socket, pid and lock files live unless configured.
func DefaultRuntimeDir() string {
	return filepath.Join(os.TempDir(), "plwr")
}

func defaultVideoDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "plwr", "video")
	}
	return filepath.Join(os.TempDir(), "plwr", "video")
}

// SetDefaults registers every default with viper so the app runs without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "warn")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "plwr")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", false)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("session.name", "default")
	v.SetDefault("session.timeout", 5000)
	v.SetDefault("session.auto_start", false)
	v.SetDefault("session.runtime_dir", DefaultRuntimeDir())
	v.SetDefault("session.startup_timeout", 30*time.Second)
	v.SetDefault("session.stop_grace", 15*time.Second)

	v.SetDefault("browser.engine", EnginePlaywright)
	v.SetDefault("browser.headed", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.humanoid.enabled", false)
	v.SetDefault("browser.humanoid.steps", 24)
	v.SetDefault("browser.humanoid.perlin_amplitude", 3.0)
	v.SetDefault("browser.humanoid.step_delay", 8*time.Millisecond)

	v.SetDefault("wait.poll_interval", 50*time.Millisecond)
	v.SetDefault("console.capacity", 0)

	v.SetDefault("video.dir", defaultVideoDir())
	v.SetDefault("video.ffmpeg_binary", "ffmpeg")

	v.SetDefault("transport.dial_timeout", 200*time.Millisecond)
	v.SetDefault("transport.response_grace", 30*time.Second)
}

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidSessionName reports whether name can be used as a registry key.
func ValidSessionName(name string) bool {
	return sessionNamePattern.MatchString(name) && name != "." && name != ".."
}

// Validate checks for inconsistent or unusable settings.
func (c *Config) Validate() error {
	if !ValidSessionName(c.Session.Name) {
		return fmt.Errorf("session.name %q must match [A-Za-z0-9._-]{1,64}", c.Session.Name)
	}
	if c.Session.TimeoutMS < 0 {
		return fmt.Errorf("session.timeout must not be negative")
	}
	if c.Session.RuntimeDir == "" {
		return fmt.Errorf("session.runtime_dir must be set")
	}
	if c.Session.StartupTimeout <= 0 {
		return fmt.Errorf("session.startup_timeout must be positive")
	}
	if c.Session.StopGrace <= 0 {
		return fmt.Errorf("session.stop_grace must be positive")
	}
	switch c.Browser.Engine {
	case EnginePlaywright, EngineChromedp:
	default:
		return fmt.Errorf("browser.engine must be %q or %q, got %q", EnginePlaywright, EngineChromedp, c.Browser.Engine)
	}
	if c.Wait.PollInterval <= 0 {
		return fmt.Errorf("wait.poll_interval must be positive")
	}
	if c.Console.Capacity < 0 {
		return fmt.Errorf("console.capacity must not be negative")
	}
	if (c.Browser.Viewport.Width == 0) != (c.Browser.Viewport.Height == 0) {
		return fmt.Errorf("browser.viewport needs both width and height")
	}
	if c.Browser.Humanoid.Enabled && c.Browser.Humanoid.Steps < 2 {
		return fmt.Errorf("browser.humanoid.steps must be at least 2")
	}
	return nil
}

// FromViper decodes the settings v has resolved and validates them.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
