package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vertextoedge/fetchd/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. FETCHD_LOGGING_LEVEL
const EnvPrefix = "FETCHD"

// Config represents the entire application configuration
type Config struct {
	Storage   StorageConfig        `mapstructure:"storage"`
	Download  DownloadConfig       `mapstructure:"download"`
	Transport TransportConfig      `mapstructure:"transport"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Catalog   []CatalogEntryConfig `mapstructure:"catalog"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	// Path of the sqlite database; empty keeps records in memory only
	Path string `mapstructure:"path"`
}

// DownloadConfig contains download manager settings
type DownloadConfig struct {
	WorkingSuffix       string  `mapstructure:"working_suffix"`
	ChunkSizeKB         int     `mapstructure:"chunk_size_kb"`
	ProgressInterval    string  `mapstructure:"progress_interval"`
	ProgressStepMB      int     `mapstructure:"progress_step_mb"`
	StaleMaxAge         string  `mapstructure:"stale_max_age"`
	CleanupInterval     string  `mapstructure:"cleanup_interval"`
	MinFreeDiskPercent  float64 `mapstructure:"min_free_disk_percent"`
	ConcurrentDownloads int     `mapstructure:"concurrent_downloads"`
}

// TransportConfig contains HTTP client settings for fetching
type TransportConfig struct {
	UserAgent             string `mapstructure:"user_agent"`
	ResponseHeaderTimeout string `mapstructure:"response_header_timeout"`
	IdleConnTimeout       string `mapstructure:"idle_conn_timeout"`
	BufferSizeMB          int    `mapstructure:"buffer_size_mb"`
	MaxBytesPerSecond     int64  `mapstructure:"max_bytes_per_second"`
	ResumeTokens          bool   `mapstructure:"resume_tokens"`
	Tracing               bool   `mapstructure:"tracing"`
}

// HTTPConfig contains admin API configuration
type HTTPConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BindAddr      string `mapstructure:"bind_addr"`
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
	ReadTimeout   string `mapstructure:"read_timeout"`
	WriteTimeout  string `mapstructure:"write_timeout"`
	IdleTimeout   string `mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CatalogEntryConfig is one asset to download
type CatalogEntryConfig struct {
	OwnerID              string `mapstructure:"owner_id"`
	Role                 string `mapstructure:"role"`
	URL                  string `mapstructure:"url"`
	DestinationDirectory string `mapstructure:"destination_directory"`
	FileName             string `mapstructure:"file_name"`
	ExpectedSHA256       string `mapstructure:"expected_sha256"`
}

// Entry converts the configured entry to a domain.CatalogEntry
func (c CatalogEntryConfig) Entry() (domain.CatalogEntry, error) {
	role := domain.RolePrimary
	if c.Role != "" {
		r, err := domain.ParseFileRole(c.Role)
		if err != nil {
			return domain.CatalogEntry{}, err
		}
		role = r
	}
	return domain.CatalogEntry{
		OwnerID:              c.OwnerID,
		Role:                 role,
		URL:                  c.URL,
		DestinationDirectory: c.DestinationDirectory,
		FileName:             c.FileName,
		ExpectedSHA256:       strings.ToLower(c.ExpectedSHA256),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", "fetchd.db")
	v.SetDefault("download.working_suffix", domain.DefaultWorkingSuffix)
	v.SetDefault("download.chunk_size_kb", 256)
	v.SetDefault("download.progress_interval", "2s")
	v.SetDefault("download.progress_step_mb", 64)
	v.SetDefault("download.stale_max_age", "168h")
	v.SetDefault("download.cleanup_interval", "1h")
	v.SetDefault("download.min_free_disk_percent", 0)
	v.SetDefault("download.concurrent_downloads", 3)
	v.SetDefault("transport.user_agent", "fetchd/1.0")
	v.SetDefault("transport.response_header_timeout", "30s")
	v.SetDefault("transport.idle_conn_timeout", "120s")
	v.SetDefault("transport.buffer_size_mb", 1)
	v.SetDefault("transport.max_bytes_per_second", 0)
	v.SetDefault("transport.resume_tokens", true)
	v.SetDefault("transport.tracing", false)
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.bind_addr", "127.0.0.1:8080")
	v.SetDefault("http.admin_username", "")
	v.SetDefault("http.admin_password", "")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load loads configuration from the specified file path. Scalar settings
// may be overridden by FETCHD_<SECTION>_<KEY> environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate download config
	if c.Download.WorkingSuffix == "" {
		return fmt.Errorf("download.working_suffix is required")
	}
	if c.Download.ChunkSizeKB <= 0 {
		return fmt.Errorf("download.chunk_size_kb must be positive")
	}
	if c.Download.ProgressStepMB < 0 {
		return fmt.Errorf("download.progress_step_mb must not be negative")
	}
	if c.Download.MinFreeDiskPercent < 0 || c.Download.MinFreeDiskPercent >= 100 {
		return fmt.Errorf("download.min_free_disk_percent must be between 0 and 100")
	}
	if c.Download.ConcurrentDownloads < 1 || c.Download.ConcurrentDownloads > 32 {
		return fmt.Errorf("download.concurrent_downloads must be between 1 and 32")
	}
	if c.Transport.MaxBytesPerSecond < 0 {
		return fmt.Errorf("transport.max_bytes_per_second must not be negative")
	}

	durations := map[string]string{
		"download.progress_interval":        c.Download.ProgressInterval,
		"download.stale_max_age":            c.Download.StaleMaxAge,
		"download.cleanup_interval":         c.Download.CleanupInterval,
		"transport.response_header_timeout": c.Transport.ResponseHeaderTimeout,
		"transport.idle_conn_timeout":       c.Transport.IdleConnTimeout,
		"http.read_timeout":                 c.HTTP.ReadTimeout,
		"http.write_timeout":                c.HTTP.WriteTimeout,
		"http.idle_timeout":                 c.HTTP.IdleTimeout,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.HTTP.Enabled && c.HTTP.AdminUsername != "" && c.HTTP.AdminPassword == "" {
		return fmt.Errorf("http.admin_password is required when http.admin_username is set")
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	seen := make(map[domain.DownloadKey]bool, len(c.Catalog))
	for i, ec := range c.Catalog {
		entry, err := ec.Entry()
		if err != nil {
			return fmt.Errorf("catalog[%d]: %w", i, err)
		}
		if err := entry.Key().Validate(); err != nil {
			return fmt.Errorf("catalog[%d]: %w", i, err)
		}
		if seen[entry.Key()] {
			return fmt.Errorf("catalog[%d]: duplicate entry for %s", i, entry.Key())
		}
		seen[entry.Key()] = true

		u, err := url.Parse(entry.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("catalog[%d]: url must be an absolute http(s) url", i)
		}
		if entry.DestinationDirectory == "" || entry.FileName == "" {
			return fmt.Errorf("catalog[%d]: destination_directory and file_name are required", i)
		}
		if entry.ExpectedSHA256 != "" && len(entry.ExpectedSHA256) != 64 {
			return fmt.Errorf("catalog[%d]: expected_sha256 must be 64 hex characters", i)
		}
	}

	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(s)
	if d == 0 {
		return def
	}
	return d
}

// GetChunkSize returns the chunk size in bytes
func (c *DownloadConfig) GetChunkSize() int {
	if c.ChunkSizeKB <= 0 {
		return 256 * 1024
	}
	return c.ChunkSizeKB * 1024
}

// GetProgressInterval returns the progress persist interval as time.Duration
func (c *DownloadConfig) GetProgressInterval() time.Duration {
	return parseDuration(c.ProgressInterval, 2*time.Second)
}

// GetProgressByteStep returns the byte step that forces a progress persist
func (c *DownloadConfig) GetProgressByteStep() int64 {
	return int64(c.ProgressStepMB) * 1024 * 1024
}

// GetStaleMaxAge returns the stale download age as time.Duration
func (c *DownloadConfig) GetStaleMaxAge() time.Duration {
	return parseDuration(c.StaleMaxAge, 7*24*time.Hour)
}

// GetCleanupInterval returns the maintenance interval as time.Duration
func (c *DownloadConfig) GetCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, time.Hour)
}

// GetResponseHeaderTimeout returns the response header timeout as time.Duration
func (c *TransportConfig) GetResponseHeaderTimeout() time.Duration {
	return parseDuration(c.ResponseHeaderTimeout, 30*time.Second)
}

// GetIdleConnTimeout returns the idle connection timeout as time.Duration
func (c *TransportConfig) GetIdleConnTimeout() time.Duration {
	return parseDuration(c.IdleConnTimeout, 120*time.Second)
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *HTTPConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration
func (c *HTTPConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 60*time.Second)
}

// Entries returns the catalog as domain entries. Call after Validate.
func (c *Config) Entries() []domain.CatalogEntry {
	entries := make([]domain.CatalogEntry, 0, len(c.Catalog))
	for _, ec := range c.Catalog {
		if entry, err := ec.Entry(); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}
