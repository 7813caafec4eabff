// Package config loads qt settings from defaults, an optional config file
// and QT_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/quittances/quittances/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g. QT_REMOTE_BACKEND.
const EnvPrefix = "QT"

// Config is the full qt configuration.
type Config struct {
	DataPath string         `mapstructure:"data_path" validate:"required"`
	Log      LogConfig      `mapstructure:"log"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Identity IdentityConfig `mapstructure:"identity"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn error disabled"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

type RemoteConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=none memory dir redis postgres http"`
	Dir         string `mapstructure:"dir" validate:"required_if=Backend dir"`
	RedisURL    string `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	PostgresURL string `mapstructure:"postgres_url" validate:"required_if=Backend postgres"`
	URL         string `mapstructure:"url" validate:"required_if=Backend http"`
}

// IdentityConfig selects the signed-in identity: a fixed ID when set,
// otherwise the subject of the token stored in TokenFile.
type IdentityConfig struct {
	ID        string `mapstructure:"id"`
	TokenFile string `mapstructure:"token_file"`
}

type SyncConfig struct {
	PushTimeout    time.Duration `mapstructure:"push_timeout" validate:"gte=0"`
	RebindInterval time.Duration `mapstructure:"rebind_interval" validate:"gte=0"`
}

type MirrorConfig struct {
	Addr   string `mapstructure:"addr" validate:"required"`
	Secret string `mapstructure:"secret"`
}

// Dir returns the default configuration and data directory,
// $HOME/.quittances.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quittances"
	}
	return filepath.Join(home, ".quittances")
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("data_path", filepath.Join(dir, "quittances.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("remote.backend", remote.BackendNone)
	v.SetDefault("remote.dir", "")
	v.SetDefault("remote.redis_url", "")
	v.SetDefault("remote.redis_prefix", "quittances:")
	v.SetDefault("remote.postgres_url", "")
	v.SetDefault("remote.url", "")

	v.SetDefault("identity.id", "")
	v.SetDefault("identity.token_file", filepath.Join(dir, "token"))

	v.SetDefault("sync.push_timeout", 30*time.Second)
	v.SetDefault("sync.rebind_interval", 15*time.Second)

	v.SetDefault("mirror.addr", ":8787")
	v.SetDefault("mirror.secret", "")
}

// Load reads configuration. path names an explicit config file; when empty,
// qt.{toml,yaml,json} is looked up in the working directory and Dir(). A
// missing implicit file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("qt")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints such as the backend name and the
// settings each backend requires.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RemoteOptions converts the remote section for remote.Open. token may be
// nil.
func (c *Config) RemoteOptions(token remote.TokenSource) remote.Config {
	return remote.Config{
		Backend:     c.Remote.Backend,
		Dir:         c.Remote.Dir,
		RedisURL:    c.Remote.RedisURL,
		RedisPrefix: c.Remote.RedisPrefix,
		PostgresURL: c.Remote.PostgresURL,
		URL:         c.Remote.URL,
		Token:       token,
	}
}
