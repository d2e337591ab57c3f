package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	maxWalkDepth = 25
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheLRU    = "lru"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config represents the grantry configuration from grantry.yaml.
type Config struct {
	// Fixture is a YAML fixture used as the data source when no database is
	// configured.
	Fixture string `mapstructure:"fixture" json:"fixture"`

	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Cache    CacheConfig    `mapstructure:"cache" json:"cache"`
	Policy   PolicyConfig   `mapstructure:"policy" json:"policy"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics"`

	// Per-command configuration
	Migrate MigrateConfig `mapstructure:"migrate" json:"migrate"`
	Doctor  DoctorConfig  `mapstructure:"doctor" json:"doctor"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver is the database/sql driver name: "postgres" (lib/pq) or "pgx".
	Driver   string `mapstructure:"driver" json:"driver"`
	URL      string `mapstructure:"url" json:"url"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Name     string `mapstructure:"name" json:"name"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"password"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`
}

// CacheConfig selects and sizes the decision cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend" json:"backend"`
	TTL     time.Duration `mapstructure:"ttl" json:"ttl"`
	Size    int           `mapstructure:"size" json:"size"`
	Redis   RedisConfig   `mapstructure:"redis" json:"redis"`
}

// RedisConfig holds settings for the redis cache backend.
type RedisConfig struct {
	Addr   string `mapstructure:"addr" json:"addr"`
	DB     int    `mapstructure:"db" json:"db"`
	Prefix string `mapstructure:"prefix" json:"prefix"`
}

// PolicyConfig holds evaluator policy flags.
type PolicyConfig struct {
	AdminImpliesAll bool `mapstructure:"admin_implies_all" json:"admin_implies_all"`
	ImplicitGroups  bool `mapstructure:"implicit_groups" json:"implicit_groups"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Env   string `mapstructure:"env" json:"env"`
	Level string `mapstructure:"level" json:"level"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// MigrateConfig holds migration settings.
type MigrateConfig struct {
	DryRun bool `mapstructure:"dry_run" json:"dry_run"`
	Force  bool `mapstructure:"force" json:"force"`
}

// DoctorConfig holds doctor command settings.
type DoctorConfig struct {
	Verbose bool `mapstructure:"verbose" json:"verbose"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("GRANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, configPath, err
	}
	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fixture", "")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	// Cache defaults
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "grantry")

	// Policy defaults
	v.SetDefault("policy.admin_implies_all", true)
	v.SetDefault("policy.implicit_groups", true)

	// Log defaults
	v.SetDefault("log.env", "production")
	v.SetDefault("log.level", "")

	v.SetDefault("metrics.enabled", false)

	// Migrate defaults
	v.SetDefault("migrate.dry_run", false)
	v.SetDefault("migrate.force", false)

	// Doctor defaults
	v.SetDefault("doctor.verbose", false)
}

// Validate rejects settings no command can use.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheMemory, CacheLRU, CacheRedis, CacheNone:
	default:
		return fmt.Errorf("cache.backend must be one of memory, lru, redis, none (got %q)", c.Cache.Backend)
	}
	if c.Cache.Backend == CacheLRU && c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive for the lru backend")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("database.driver must be postgres or pgx (got %q)", c.Database.Driver)
	}
	return nil
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for grantry.yaml or grantry.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	// Auto-discovery: walk up to .git or maxWalkDepth
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range []string{"grantry.yaml", "grantry.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Check for repo boundary (.git file or directory)
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			break // Stop at repo root
		}

		// Move up
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached filesystem root
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// HasDatabase reports whether any database setting was provided.
func (c *Config) HasDatabase() bool {
	return c.Database.URL != "" || c.Database.Host != ""
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	// Build DSN from discrete fields
	if db.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	// Build postgres:// URL
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// Redacted returns a copy safe to print: the database password and any
// password in database.url are masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = "***"
	}
	if u, err := url.Parse(out.Database.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
			out.Database.URL = u.String()
		}
	}
	return out
}
