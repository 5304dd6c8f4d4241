package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// GatewayConfig is the structured configuration of the gateway daemon.
//
// Sources in order of precedence: FILEGATE_* environment variables, the config file,
// then defaults.
type GatewayConfig struct {
	Logging   LoggingConfig  `mapstructure:"logging"`
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	URIScheme string         `mapstructure:"uri_scheme" validate:"required,alphanum"`
	Primary   DriverConfig   `mapstructure:"primary"`
	Mounts    []MountConfig  `mapstructure:"mounts" validate:"dive"`
	Locks     LocksConfig    `mapstructure:"locks"`
	Sessions  SessionsConfig `mapstructure:"sessions"`
	Editor    EditorConfig   `mapstructure:"editor"`
	Secret    SecretConfig   `mapstructure:"secret"`
	GC        GCConfig       `mapstructure:"gc"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	Output string `mapstructure:"output" validate:"required"`

	// Components overrides the level per component, for example {"xfer": "debug"}.
	Components map[string]string `mapstructure:"components" validate:"dive,oneof=debug info warn error"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" validate:"required"`

	// CallTimeout bounds every outbound backend call.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`

	// SpoolMemoryLimit is how many bytes of a cross-backend copy are buffered in memory
	// before the spool moves to a temp file.
	SpoolMemoryLimit int64 `mapstructure:"spool_memory_limit" validate:"gt=0"`

	// SpoolDir is where spool temp files are created. Empty means os.TempDir().
	SpoolDir string `mapstructure:"spool_dir"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// LoginCacheTTL is how long an accepted login is trusted before the primary backend
	// is asked again.
	LoginCacheTTL time.Duration `mapstructure:"login_cache_ttl" validate:"gte=0"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" validate:"required,oneof=sqlite mysql"`
	DSN  string `mapstructure:"dsn" validate:"required"`
}

// DriverConfig selects a backend driver kind and its options.
type DriverConfig struct {
	Kind    string         `mapstructure:"kind" validate:"required"`
	Options map[string]any `mapstructure:"options"`
}

// MountConfig is an admin-preconfigured mount point, visible to every user.
type MountConfig struct {
	Title   string         `mapstructure:"title" validate:"required,excludesall=/"`
	Kind    string         `mapstructure:"kind" validate:"required"`
	Options map[string]any `mapstructure:"options"`
	Enabled bool           `mapstructure:"enabled"`
}

type LocksConfig struct {
	MaxTimeout    time.Duration `mapstructure:"max_timeout" validate:"gt=0"`
	GCProbability int           `mapstructure:"gc_probability" validate:"gte=0"`
	GCDivisor     int           `mapstructure:"gc_divisor" validate:"gt=0"`

	// AncestorCacheTTL bounds how long a cached ancestor lock query is reused. Locks
	// taken by another process become visible within this time.
	AncestorCacheTTL time.Duration `mapstructure:"ancestor_cache_ttl" validate:"gte=0"`
}

type SessionsConfig struct {
	// MaxAge removes sessions older than this during GC. Zero keeps sessions forever.
	MaxAge time.Duration `mapstructure:"max_age" validate:"gte=0"`
}

type EditorConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type SecretConfig struct {
	Mode      string `mapstructure:"mode" validate:"required,oneof=user-password static"`
	StaticKey string `mapstructure:"static_key" validate:"required_if=Mode static"`
	Salt      string `mapstructure:"salt" validate:"required"`
}

type GCConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

var validate = validator.New()

// LoadGatewayConfig reads path (YAML, TOML or JSON, chosen by extension) and the
// FILEGATE_* environment. An empty path loads environment and defaults only.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FILEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file %s: %w", path, err)
		}
	}

	var cfg GatewayConfig
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("server.listen", ":1360")
	v.SetDefault("server.call_timeout", "60s")
	v.SetDefault("server.spool_memory_limit", 1<<20)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.login_cache_ttl", "5m")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "filegate.db")
	v.SetDefault("uri_scheme", "filegate")
	v.SetDefault("primary.kind", "local")
	v.SetDefault("locks.max_timeout", "30m")
	v.SetDefault("locks.gc_probability", 1)
	v.SetDefault("locks.gc_divisor", 100)
	v.SetDefault("locks.ancestor_cache_ttl", "2s")
	v.SetDefault("editor.timeout", "10s")
	v.SetDefault("secret.mode", "user-password")
	v.SetDefault("secret.salt", "filegate")
	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", "10m")
}

// applyDefaults normalizes values viper cannot default, such as fields inside list entries.
func applyDefaults(cfg *GatewayConfig) {
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	for component, level := range cfg.Logging.Components {
		cfg.Logging.Components[component] = strings.ToLower(level)
	}

	for i := range cfg.Mounts {
		cfg.Mounts[i].Title = strings.Trim(cfg.Mounts[i].Title, " ")
		if cfg.Mounts[i].Options == nil {
			cfg.Mounts[i].Options = map[string]any{}
		}
	}

	if cfg.Primary.Options == nil {
		cfg.Primary.Options = map[string]any{}
	}
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *GatewayConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	titles := make(map[string]bool)
	for i, m := range cfg.Mounts {
		if !m.Enabled {
			continue
		}

		if titles[m.Title] {
			return fmt.Errorf("mounts[%d]: duplicate mount title %q", i, m.Title)
		}
		titles[m.Title] = true
	}

	return nil
}

func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}

	return err
}
