// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix MIDTERM_)
//  3. Config file (config.yaml in . or /etc/midterm/)
//  4. Compiled defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyServerAddress        = "server.address"
	KeyServerAllowedOrigins = "server.allowed_origins"
	KeyServerSettingsPath   = "server.settings_path"
	KeyServerDebugEnabled   = "server.debug.enabled"
)

const (
	KeySessionScrollbackBytes = "session.scrollback_bytes"
	KeySessionExitGrace       = "session.exit_grace"
	KeySessionSweepInterval   = "session.sweep_interval"
)

const (
	KeyUpdateEnabled  = "update.enabled"
	KeyUpdateURL      = "update.url"
	KeyUpdateInterval = "update.interval"
)

var ServerOptions = []ConfigOption{
	{Key: KeyServerAddress, Flag: flag(KeyServerAddress), Default: "127.0.0.1:8377", Description: "Server listen address"},
	{Key: KeyServerAllowedOrigins, Flag: flag(KeyServerAllowedOrigins), Default: []string{}, Description: "Server allowed CORS origins (empty allows all)"},
	{Key: KeyServerSettingsPath, Flag: flag(KeyServerSettingsPath), Default: "", Description: "Settings file path (defaults to the user config directory)"},
	{Key: KeyServerDebugEnabled, Flag: flag(KeyServerDebugEnabled), Default: false, Description: "Server debug logging"},
	{Key: KeySessionScrollbackBytes, Flag: flag(KeySessionScrollbackBytes), Default: 1 << 20, Description: "Scrollback ring capacity per session in bytes"},
	{Key: KeySessionExitGrace, Flag: flag(KeySessionExitGrace), Default: time.Duration(0), Description: "How long exited sessions stay listed"},
	{Key: KeySessionSweepInterval, Flag: flag(KeySessionSweepInterval), Default: time.Minute, Description: "Closed-session sweep interval"},
	{Key: KeyUpdateEnabled, Flag: flag(KeyUpdateEnabled), Default: true, Description: "Periodic update check"},
	{Key: KeyUpdateURL, Flag: flag(KeyUpdateURL), Default: "https://releases.midterm.sh/latest.json", Description: "Latest-version endpoint"},
	{Key: KeyUpdateInterval, Flag: flag(KeyUpdateInterval), Default: 6 * time.Hour, Description: "Update check interval"},
}

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range ServerOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/midterm/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("MIDTERM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServerAddress() string {
	return c.v.GetString(KeyServerAddress) // MIDTERM_SERVER_ADDRESS
}

func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(KeyServerAllowedOrigins) // MIDTERM_SERVER_ALLOWED_ORIGINS
}

func (c *Config) ServerSettingsPath() string {
	return c.v.GetString(KeyServerSettingsPath) // MIDTERM_SERVER_SETTINGS_PATH
}

func (c *Config) ServerDebugEnabled() bool {
	return c.v.GetBool(KeyServerDebugEnabled) // MIDTERM_SERVER_DEBUG_ENABLED
}

func (c *Config) SessionScrollbackBytes() int {
	return c.v.GetInt(KeySessionScrollbackBytes) // MIDTERM_SESSION_SCROLLBACK_BYTES
}

func (c *Config) SessionExitGrace() time.Duration {
	return c.v.GetDuration(KeySessionExitGrace) // MIDTERM_SESSION_EXIT_GRACE
}

func (c *Config) SessionSweepInterval() time.Duration {
	return c.v.GetDuration(KeySessionSweepInterval) // MIDTERM_SESSION_SWEEP_INTERVAL
}

func (c *Config) UpdateEnabled() bool {
	return c.v.GetBool(KeyUpdateEnabled) // MIDTERM_UPDATE_ENABLED
}

func (c *Config) UpdateURL() string {
	return c.v.GetString(KeyUpdateURL) // MIDTERM_UPDATE_URL
}

func (c *Config) UpdateInterval() time.Duration {
	return c.v.GetDuration(KeyUpdateInterval) // MIDTERM_UPDATE_INTERVAL
}

func flag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	return flag
}
