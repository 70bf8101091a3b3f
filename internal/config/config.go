// Package config loads and validates the dispatcher's hierarchical
// configuration (file plus environment overrides), built the way the
// teacher's internal/config builds it: a single struct tree unmarshalled by
// viper, dozens of SetDefault calls for optional fields, and a Validate
// method returning a domain.ConfigError on the first violated invariant.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"

	"github.com/cortexsys/dispatcher/internal/domain"
)

// Config is the dispatcher's entire validated settings value.
type Config struct {
	Storage          StorageConfig            `mapstructure:"storage"`
	SQLite           *SQLiteConfig            `mapstructure:"sqlite"`
	PostgreSQL       *PostgreSQLConfig        `mapstructure:"postgresql"`
	CommandQueue     CommandQueueConfig       `mapstructure:"command_queue"`
	DirectorySources []DirectorySourceConfig  `mapstructure:"directory_sources"`
	SftpSources      []SftpSourceConfig       `mapstructure:"sftp_sources"`
	Targets          []TargetConfig           `mapstructure:"targets"`
	HTTPServer       HTTPServerConfig         `mapstructure:"http_server"`
	PrometheusPush   *PrometheusPushConfig    `mapstructure:"prometheus_push"`
	Logging          LoggingConfig            `mapstructure:"logging"`
	Shutdown         ShutdownConfig           `mapstructure:"shutdown"`
}

// StorageConfig names the local root files are materialized under.
type StorageConfig struct {
	Directory string `mapstructure:"directory"`
}

// SQLiteConfig selects the SQLite registry backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgreSQLConfig selects the PostgreSQL registry backend.
type PostgreSQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MinConns int    `mapstructure:"min_conns"`
	MaxConns int    `mapstructure:"max_conns"`
}

// URL renders the PostgreSQL connection string consumed by pgxpool.
func (p *PostgreSQLConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// CommandQueueConfig is the AMQP broker endpoint. An "amqps://" scheme
// enables TLS in the Gateway.
type CommandQueueConfig struct {
	Address         string `mapstructure:"address"`
	Prefetch        int    `mapstructure:"prefetch"`
	ConfirmTimeout  string `mapstructure:"confirm_timeout"`
	ReconnectMaxSec int    `mapstructure:"reconnect_max_seconds"`
}

// GetConfirmTimeout returns the publisher-confirm wait timeout.
func (c *CommandQueueConfig) GetConfirmTimeout() time.Duration {
	d, _ := time.ParseDuration(c.ConfirmTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// DirectorySourceConfig configures one local-directory Source.
type DirectorySourceConfig struct {
	Name      string   `mapstructure:"name"`
	Directory string   `mapstructure:"directory"`
	Recursive bool     `mapstructure:"recursive"`
	Filter    string   `mapstructure:"filter"`
	Targets   []string `mapstructure:"targets"`
	DwellTime string   `mapstructure:"dwell_time"`
}

// GetDwellTime returns the configured stability dwell time, falling back to
// the spec's default of 250ms of post-write-event inactivity.
func (d *DirectorySourceConfig) GetDwellTime() time.Duration {
	parsed, _ := time.ParseDuration(d.DwellTime)
	if parsed == 0 {
		return 250 * time.Millisecond
	}
	return parsed
}

// FilterRegexp compiles Filter, defaulting to match-everything.
func (d *DirectorySourceConfig) FilterRegexp() (*regexp.Regexp, error) {
	if d.Filter == "" {
		return regexp.MustCompile(".*"), nil
	}
	return regexp.Compile(d.Filter)
}

// SftpSourceConfig configures one remote SFTP Source. ThreadCount and
// Compress are carried over from the original source's SftpSource struct
// (dropped by the distilled spec, restored here as real configuration
// surface — see original_source/dispatcher/src/settings.rs).
type SftpSourceConfig struct {
	Name          string `mapstructure:"name"`
	Address       string `mapstructure:"address"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	KeyFile       string `mapstructure:"key_file"`
	ThreadCount   int    `mapstructure:"thread_count"`
	Compress      bool   `mapstructure:"compress"`
	JobQueue      string `mapstructure:"job_queue"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
	ReadIdleTimeout string `mapstructure:"read_idle_timeout"`
	MaxRetries    int    `mapstructure:"max_retries"`
}

// GetMaxRetries returns the configured cap on transient-failure requeues
// before a job is routed to its dead-letter queue, default 5.
func (s *SftpSourceConfig) GetMaxRetries() int {
	if s.MaxRetries <= 0 {
		return 5
	}
	return s.MaxRetries
}

// GetConnectTimeout returns the configured SFTP connect timeout, default 30s.
func (s *SftpSourceConfig) GetConnectTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ConnectTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// GetReadIdleTimeout returns the configured SFTP read idle timeout, default 5m.
func (s *SftpSourceConfig) GetReadIdleTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadIdleTimeout)
	if d == 0 {
		return 5 * time.Minute
	}
	return d
}

// TargetConfig names an AMQP destination (directory_targets[] in the
// original source, renamed to the distilled spec's "targets" vocabulary).
type TargetConfig struct {
	Name  string `mapstructure:"name"`
	Match string `mapstructure:"match"`
	Queue string `mapstructure:"queue"`
}

// MatchRegexp compiles Match, defaulting to match-everything.
func (t *TargetConfig) MatchRegexp() (*regexp.Regexp, error) {
	if t.Match == "" {
		return regexp.MustCompile(".*"), nil
	}
	return regexp.Compile(t.Match)
}

// HTTPServerConfig is the metrics/admin surface's bind port and http.Server timeouts.
type HTTPServerConfig struct {
	Port         int    `mapstructure:"port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

// GetReadTimeout returns the configured HTTP read timeout, default 10s.
func (h *HTTPServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(h.ReadTimeout)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}

// GetWriteTimeout returns the configured HTTP write timeout, default 10s.
func (h *HTTPServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(h.WriteTimeout)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}

// GetIdleTimeout returns the configured HTTP idle timeout, default 60s.
func (h *HTTPServerConfig) GetIdleTimeout() time.Duration {
	d, _ := time.ParseDuration(h.IdleTimeout)
	if d == 0 {
		return 60 * time.Second
	}
	return d
}

// ShutdownConfig tunes the Supervisor's graceful-shutdown drain window (§5).
type ShutdownConfig struct {
	DrainTimeout string `mapstructure:"drain_timeout"`
}

// GetDrainTimeout returns the configured shutdown drain deadline, default 30s.
func (s *ShutdownConfig) GetDrainTimeout() time.Duration {
	d, _ := time.ParseDuration(s.DrainTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// PrometheusPushConfig configures an optional push-gateway target.
type PrometheusPushConfig struct {
	Gateway  string `mapstructure:"gateway"`
	Interval string `mapstructure:"interval"`
}

// GetInterval returns the push interval, default 15s.
func (p *PrometheusPushConfig) GetInterval() time.Duration {
	d, _ := time.ParseDuration(p.Interval)
	if d == 0 {
		return 15 * time.Second
	}
	return d
}

// LoggingConfig selects the zap logger's level/format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load builds a viper.Viper over configPath, applies defaults, unmarshals
// into a Config and validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CORTEX")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, domain.NewConfigError(err, "reading config file "+configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, domain.NewConfigError(err, "unmarshalling config")
	}

	// The sqlite/postgresql defaults make viper populate both backend
	// sections; keep only the backend(s) the config file actually names.
	if !v.InConfig("sqlite") {
		cfg.SQLite = nil
	}
	if !v.InConfig("postgresql") {
		cfg.PostgreSQL = nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("command_queue.prefetch", 10)
	v.SetDefault("command_queue.confirm_timeout", "30s")
	v.SetDefault("command_queue.reconnect_max_seconds", 60)
	v.SetDefault("http_server.port", 8080)
	v.SetDefault("http_server.read_timeout", "10s")
	v.SetDefault("http_server.write_timeout", "10s")
	v.SetDefault("http_server.idle_timeout", "60s")
	v.SetDefault("shutdown.drain_timeout", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("sqlite.path", "")
	v.SetDefault("postgresql.sslmode", "disable")
	v.SetDefault("postgresql.min_conns", 2)
	v.SetDefault("postgresql.max_conns", 10)
}

// Validate returns a domain.TypedError of Kind KindConfig on the first
// violated invariant, matching the teacher's single-error-at-a-time style.
func (c *Config) Validate() error {
	if c.Storage.Directory == "" {
		return domain.NewConfigError(fmt.Errorf("storage.directory is required"), "config validation")
	}

	if c.SQLite == nil && c.PostgreSQL == nil {
		return domain.NewConfigError(fmt.Errorf("exactly one of sqlite or postgresql must be configured"), "config validation")
	}
	if c.SQLite != nil && c.PostgreSQL != nil {
		return domain.NewConfigError(fmt.Errorf("sqlite and postgresql are mutually exclusive"), "config validation")
	}
	if c.SQLite != nil && c.SQLite.Path == "" {
		return domain.NewConfigError(fmt.Errorf("sqlite.path is required when sqlite is configured"), "config validation")
	}
	if c.PostgreSQL != nil {
		if c.PostgreSQL.Host == "" || c.PostgreSQL.DBName == "" {
			return domain.NewConfigError(fmt.Errorf("postgresql.host and postgresql.dbname are required"), "config validation")
		}
	}

	if c.CommandQueue.Address == "" {
		return domain.NewConfigError(fmt.Errorf("command_queue.address is required"), "config validation")
	}

	seenSources := make(map[string]bool)
	for _, ds := range c.DirectorySources {
		if ds.Name == "" || ds.Directory == "" {
			return domain.NewConfigError(fmt.Errorf("directory_sources entries require name and directory"), "config validation")
		}
		if seenSources[ds.Name] {
			return domain.NewConfigError(fmt.Errorf("duplicate source name %q", ds.Name), "config validation")
		}
		seenSources[ds.Name] = true
		if _, err := ds.FilterRegexp(); err != nil {
			return domain.NewConfigError(fmt.Errorf("directory_sources[%s].filter: %w", ds.Name, err), "config validation")
		}
	}

	for _, ss := range c.SftpSources {
		if ss.Name == "" || ss.Address == "" || ss.Username == "" {
			return domain.NewConfigError(fmt.Errorf("sftp_sources entries require name, address and username"), "config validation")
		}
		if seenSources[ss.Name] {
			return domain.NewConfigError(fmt.Errorf("duplicate source name %q", ss.Name), "config validation")
		}
		seenSources[ss.Name] = true
		if ss.Password == "" && ss.KeyFile == "" {
			return domain.NewConfigError(fmt.Errorf("sftp_sources[%s] requires password or key_file", ss.Name), "config validation")
		}
		if ss.JobQueue == "" {
			return domain.NewConfigError(fmt.Errorf("sftp_sources[%s].job_queue is required", ss.Name), "config validation")
		}
	}

	seenTargets := make(map[string]bool)
	for _, t := range c.Targets {
		if t.Name == "" || t.Queue == "" {
			return domain.NewConfigError(fmt.Errorf("targets entries require name and queue"), "config validation")
		}
		if seenTargets[t.Name] {
			return domain.NewConfigError(fmt.Errorf("duplicate target name %q", t.Name), "config validation")
		}
		seenTargets[t.Name] = true
		if _, err := t.MatchRegexp(); err != nil {
			return domain.NewConfigError(fmt.Errorf("targets[%s].match: %w", t.Name, err), "config validation")
		}
	}

	for _, ds := range c.DirectorySources {
		for _, name := range ds.Targets {
			if !seenTargets[name] {
				return domain.NewConfigError(fmt.Errorf("directory_sources[%s].targets references undeclared target %q", ds.Name, name), "config validation")
			}
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return domain.NewConfigError(fmt.Errorf("invalid logging.level: %s", c.Logging.Level), "config validation")
	}
	switch c.Logging.Format {
	case "json", "console", "":
	default:
		return domain.NewConfigError(fmt.Errorf("invalid logging.format: %s", c.Logging.Format), "config validation")
	}

	return nil
}
