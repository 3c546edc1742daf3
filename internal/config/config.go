// Package config loads settings from a config file, the environment and
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/twistermc/attach-images/internal/auth"
	"github.com/twistermc/attach-images/internal/cache"
	"github.com/twistermc/attach-images/internal/matcher"
	"github.com/twistermc/attach-images/internal/scan"
)

// EnvPrefix prefixes every environment override, e.g. ATTACH_IMAGES_CACHE_BACKEND
const EnvPrefix = "ATTACH_IMAGES"

// Search backends
const (
	SearchSQLite = "sqlite"
	SearchBleve  = "bleve"
)

type Config struct {
	DataDir string     `mapstructure:"data_dir"`
	Site    SiteConfig `mapstructure:"site"`
	Scan    ScanConfig `mapstructure:"scan"`
	Search  struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"search"`
	Cache CacheConfig `mapstructure:"cache"`
	Redis RedisConfig `mapstructure:"redis"`
	Log   LogConfig   `mapstructure:"log"`
	HTTP  HTTPConfig  `mapstructure:"http"`
	Auth  struct {
		Tokens []TokenConfig `mapstructure:"tokens"`
	} `mapstructure:"auth"`
}

type SiteConfig struct {
	// UploadBaseURL is the public URL of the upload directory
	UploadBaseURL string `mapstructure:"upload_base_url"`
}

type ScanConfig struct {
	BatchLimit  int    `mapstructure:"batch_limit"`
	Concurrency int    `mapstructure:"concurrency"`
	TotalMode   string `mapstructure:"total_mode"`
}

type CacheConfig struct {
	Backend     string        `mapstructure:"backend"`
	Prefix      string        `mapstructure:"prefix"`
	PositiveTTL time.Duration `mapstructure:"positive_ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	MemorySize  int           `mapstructure:"memory_size"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file output in addition to the console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type TokenConfig struct {
	Name         string   `mapstructure:"name"`
	Token        string   `mapstructure:"token"`
	Capabilities []string `mapstructure:"capabilities"`
}

// Addr returns host:port
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// DatabasePath is the sqlite file inside DataDir
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "attach-images.db")
}

// IndexPath is the bleve index directory inside DataDir
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "index.bleve")
}

// CachePolicy converts the cache settings to a matcher policy
func (c *Config) CachePolicy() matcher.CachePolicy {
	return matcher.CachePolicy{
		Prefix:      c.Cache.Prefix,
		PositiveTTL: c.Cache.PositiveTTL,
		NegativeTTL: c.Cache.NegativeTTL,
	}
}

// Credentials converts configured tokens for the auth guard
func (c *Config) Credentials() []auth.Credential {
	creds := make([]auth.Credential, 0, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		caps := make([]auth.Capability, 0, len(t.Capabilities))
		for _, name := range t.Capabilities {
			caps = append(caps, auth.Capability(name))
		}
		creds = append(creds, auth.Credential{
			Token:     t.Token,
			Principal: auth.Principal{Name: t.Name, Capabilities: caps},
		})
	}
	return creds
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".")
	v.SetDefault("site.upload_base_url", "")

	v.SetDefault("scan.batch_limit", scan.DefaultLimit)
	v.SetDefault("scan.concurrency", 1)
	v.SetDefault("scan.total_mode", string(scan.TotalSnapshot))

	v.SetDefault("search.backend", SearchSQLite)

	v.SetDefault("cache.backend", cache.BackendSQLite)
	v.SetDefault("cache.prefix", matcher.DefaultPrefix)
	v.SetDefault("cache.positive_ttl", matcher.DefaultPositiveTTL)
	v.SetDefault("cache.negative_ttl", matcher.DefaultNegativeTTL)
	v.SetDefault("cache.memory_size", 10000)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8080)
}

// New returns a viper instance with defaults and environment binding.
// When configFile is set it is read and a missing file is an error;
// otherwise config.yaml is looked up in searchDirs, then the working directory.
func New(configFile string, searchDirs ...string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range searchDirs {
			if dir != "" {
				v.AddConfigPath(dir)
			}
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

// Load decodes and validates v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if c.Scan.BatchLimit < 1 || c.Scan.BatchLimit > scan.MaxLimit {
		errs = append(errs, fmt.Errorf("scan.batch_limit must be between 1 and %d", scan.MaxLimit))
	}
	if c.Scan.Concurrency < 1 {
		errs = append(errs, errors.New("scan.concurrency must be at least 1"))
	}
	if _, err := scan.ParseTotalMode(c.Scan.TotalMode); err != nil {
		errs = append(errs, fmt.Errorf("scan.total_mode: %w", err))
	}

	switch c.Search.Backend {
	case SearchSQLite, SearchBleve:
	default:
		errs = append(errs, fmt.Errorf("search.backend %q is not one of %s, %s", c.Search.Backend, SearchSQLite, SearchBleve))
	}

	switch c.Cache.Backend {
	case cache.BackendSQLite, cache.BackendMemory, cache.BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of %s, %s, %s",
			c.Cache.Backend, cache.BackendSQLite, cache.BackendMemory, cache.BackendRedis))
	}
	if c.Cache.Prefix == "" {
		errs = append(errs, errors.New("cache.prefix must not be empty"))
	}
	if c.Cache.PositiveTTL <= 0 || c.Cache.NegativeTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	for i, t := range c.Auth.Tokens {
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d] has no token", i))
		}
	}

	return errors.Join(errs...)
}
