package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// PresetConfig selects ffmpeg output arguments for target extensions
// matching Pattern.
type PresetConfig struct {
	Name    string   `toml:"name" yaml:"name"`
	Pattern string   `toml:"pattern" yaml:"pattern"`
	Args    []string `toml:"args" yaml:"args"`
	Format  string   `toml:"format" yaml:"format"`
}

// Config holds application configuration.
type Config struct {
	Addr    string `toml:"addr" yaml:"addr"`
	DataDir string `toml:"data_dir" yaml:"data_dir"`
	// DBPath defaults to jobs.db inside DataDir.
	DBPath string `toml:"db" yaml:"db"`

	MaxConcurrent    int           `toml:"max_concurrent" yaml:"max_concurrent"`
	PollInterval     time.Duration `toml:"poll_interval" yaml:"poll_interval"`
	CancelGrace      time.Duration `toml:"cancel_grace" yaml:"cancel_grace"`
	KillGrace        time.Duration `toml:"kill_grace" yaml:"kill_grace"`
	JobTimeout       time.Duration `toml:"job_timeout" yaml:"job_timeout"`
	FetchRetries     int           `toml:"fetch_retries" yaml:"fetch_retries"`
	ProgressInterval time.Duration `toml:"progress_interval" yaml:"progress_interval"`
	Retention        time.Duration `toml:"retention" yaml:"retention"`

	FFmpegPath  string         `toml:"ffmpeg" yaml:"ffmpeg"`
	FFprobePath string         `toml:"ffprobe" yaml:"ffprobe"`
	FFmpegArgs  []string       `toml:"ffmpeg_args" yaml:"ffmpeg_args"`
	Presets     []PresetConfig `toml:"presets" yaml:"presets"`

	// UpstreamURL re-roots submitted URLs onto this host when set.
	UpstreamURL     string   `toml:"upstream_url" yaml:"upstream_url"`
	CORSOrigins     []string `toml:"cors_origins" yaml:"cors_origins"`
	SubmitRateLimit int      `toml:"submit_rate_limit" yaml:"submit_rate_limit"`

	LogLevel      string  `toml:"log_level" yaml:"log_level"`
	OTLPEndpoint  string  `toml:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure  bool    `toml:"otlp_insecure" yaml:"otlp_insecure"`
	TraceSampling float64 `toml:"trace_sampling" yaml:"trace_sampling"`
}

// DefaultDataDir returns the default artifact directory using XDG_CACHE_HOME.
func DefaultDataDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "optimizer")
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "jobs.db")
}

// DefaultConfigPath returns the config file looked up when none is given.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "optimizer", "config.toml")
}

// Default returns the built in configuration.
func Default() Config {
	return Config{
		Addr:             ":3000",
		DataDir:          DefaultDataDir(),
		MaxConcurrent:    1,
		PollInterval:     5 * time.Second,
		CancelGrace:      30 * time.Second,
		KillGrace:        5 * time.Second,
		FetchRetries:     2,
		ProgressInterval: 500 * time.Millisecond,
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		FFmpegArgs:       []string{"-map", "0", "-c", "copy"},
		CORSOrigins:      []string{"*"},
		SubmitRateLimit:  60,
		LogLevel:         "info",
		TraceSampling:    1,
	}
}

// RegisterFlags adds the command line flags read by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "config file (.toml, .yaml or .yml)")
	fs.String("addr", d.Addr, "HTTP listen address")
	fs.String("data-dir", d.DataDir, "directory for staged and finished files")
	fs.String("db", "", "SQLite database path (default <data-dir>/jobs.db)")
	fs.Int("max-concurrent", d.MaxConcurrent, "maximum number of jobs running at once")
	fs.Duration("poll-interval", d.PollInterval, "fallback interval for admitting queued jobs")
	fs.Duration("cancel-grace", d.CancelGrace, "time a cancelled job may hold its slot")
	fs.Duration("kill-grace", d.KillGrace, "time ffmpeg gets to exit after SIGTERM")
	fs.Duration("job-timeout", d.JobTimeout, "abort jobs running longer than this (0 disables)")
	fs.Int("fetch-retries", d.FetchRetries, "extra attempts for transient download failures")
	fs.Duration("retention", d.Retention, "delete finished outputs older than this (0 keeps them)")
	fs.String("ffmpeg", d.FFmpegPath, "ffmpeg binary")
	fs.String("ffprobe", d.FFprobePath, "ffprobe binary (empty disables duration probing)")
	fs.String("upstream-url", "", "re-root submitted URLs onto this host")
	fs.String("log-level", d.LogLevel, "log level")
	fs.String("otlp-endpoint", "", "OTLP/HTTP trace collector")
}

// Load builds Config from defaults, an optional config file, environment
// and explicitly set flags, in increasing precedence. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	path, explicit := configPath(fs)
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := applyFlags(&cfg, fs); err != nil {
			return nil, err
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "jobs.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configPath(fs *pflag.FlagSet) (string, bool) {
	if fs != nil {
		if p, _ := fs.GetString("config"); p != "" {
			return p, true
		}
	}
	if p := os.Getenv("OPTIMIZER_CONFIG"); p != "" {
		return p, true
	}
	return DefaultConfigPath(), false
}

// LoadFile decodes a TOML or YAML file over cfg, picked by extension.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("OPTIMIZER_ADDR", &cfg.Addr)
	str("OPTIMIZER_DATA_DIR", &cfg.DataDir)
	str("OPTIMIZER_DB", &cfg.DBPath)
	num("OPTIMIZER_MAX_CONCURRENT", &cfg.MaxConcurrent)
	dur("OPTIMIZER_JOB_TIMEOUT", &cfg.JobTimeout)
	dur("OPTIMIZER_RETENTION", &cfg.Retention)
	str("OPTIMIZER_FFMPEG", &cfg.FFmpegPath)
	str("OPTIMIZER_LOG_LEVEL", &cfg.LogLevel)
	str("OPTIMIZER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	str("JELLYFIN_URL", &cfg.UpstreamURL)
	str("OPTIMIZER_UPSTREAM_URL", &cfg.UpstreamURL)

	return errors.Join(errs...)
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var errs []error
	set := func(name string, apply func() error) {
		if fs.Changed(name) {
			if err := apply(); err != nil {
				errs = append(errs, fmt.Errorf("--%s: %w", name, err))
			}
		}
	}
	str := func(name string, dst *string) {
		set(name, func() (err error) { *dst, err = fs.GetString(name); return })
	}
	num := func(name string, dst *int) {
		set(name, func() (err error) { *dst, err = fs.GetInt(name); return })
	}
	dur := func(name string, dst *time.Duration) {
		set(name, func() (err error) { *dst, err = fs.GetDuration(name); return })
	}

	str("addr", &cfg.Addr)
	str("data-dir", &cfg.DataDir)
	str("db", &cfg.DBPath)
	num("max-concurrent", &cfg.MaxConcurrent)
	dur("poll-interval", &cfg.PollInterval)
	dur("cancel-grace", &cfg.CancelGrace)
	dur("kill-grace", &cfg.KillGrace)
	dur("job-timeout", &cfg.JobTimeout)
	num("fetch-retries", &cfg.FetchRetries)
	dur("retention", &cfg.Retention)
	str("ffmpeg", &cfg.FFmpegPath)
	str("ffprobe", &cfg.FFprobePath)
	str("upstream-url", &cfg.UpstreamURL)
	str("log-level", &cfg.LogLevel)
	str("otlp-endpoint", &cfg.OTLPEndpoint)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.CancelGrace <= 0 {
		errs = append(errs, errors.New("cancel_grace must be positive"))
	}
	if c.KillGrace <= 0 {
		errs = append(errs, errors.New("kill_grace must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"job_timeout":       c.JobTimeout,
		"progress_interval": c.ProgressInterval,
		"retention":         c.Retention,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.FetchRetries < 0 {
		errs = append(errs, errors.New("fetch_retries must not be negative"))
	}
	if c.SubmitRateLimit < 0 {
		errs = append(errs, errors.New("submit_rate_limit must not be negative"))
	}
	if c.FFmpegPath == "" {
		errs = append(errs, errors.New("ffmpeg must not be empty"))
	}
	if c.TraceSampling < 0 || c.TraceSampling > 1 {
		errs = append(errs, errors.New("trace_sampling must be between 0 and 1"))
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream_url %q is not an absolute http(s) URL", c.UpstreamURL))
		}
	}
	for i, p := range c.Presets {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("presets[%d]: name must not be empty", i))
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("presets[%d]: invalid pattern: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
