package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

const EnvPrefix = "WINDOW"

type Config struct {
	CredentialsDBPath string
	HealthInterval    time.Duration
	ReconnectDelay    time.Duration
	RequestTimeout    time.Duration
	WriteTimeout      time.Duration
	HistoryLimit      int
	LogVerbosity      int
}

func DefaultConfig() Config {
	return Config{
		CredentialsDBPath: defaultDBPath(),
		HealthInterval:    10 * time.Second,
		ReconnectDelay:    3 * time.Second,
		RequestTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		HistoryLimit:      20,
		LogVerbosity:      0,
	}
}

// Keys used in config files, flags and WINDOW_* environment variables.
const (
	KeyCredentialsDB  = "credentials-db"
	KeyHealthInterval = "health-interval"
	KeyReconnectDelay = "reconnect-delay"
	KeyRequestTimeout = "request-timeout"
	KeyWriteTimeout   = "write-timeout"
	KeyHistoryLimit   = "history-limit"
	KeyVerbosity      = "verbosity"
)

// NewViper returns a viper instance seeded with defaults and bound to the
// WINDOW_ environment namespace.
func NewViper() *viper.Viper {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault(KeyCredentialsDB, def.CredentialsDBPath)
	v.SetDefault(KeyHealthInterval, def.HealthInterval)
	v.SetDefault(KeyReconnectDelay, def.ReconnectDelay)
	v.SetDefault(KeyRequestTimeout, def.RequestTimeout)
	v.SetDefault(KeyWriteTimeout, def.WriteTimeout)
	v.SetDefault(KeyHistoryLimit, def.HistoryLimit)
	v.SetDefault(KeyVerbosity, def.LogVerbosity)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional config file into v and returns the merged config.
// A missing file is not an error; a malformed one is.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}
	cfg := Config{
		CredentialsDBPath: v.GetString(KeyCredentialsDB),
		HealthInterval:    v.GetDuration(KeyHealthInterval),
		ReconnectDelay:    v.GetDuration(KeyReconnectDelay),
		RequestTimeout:    v.GetDuration(KeyRequestTimeout),
		WriteTimeout:      v.GetDuration(KeyWriteTimeout),
		HistoryLimit:      v.GetInt(KeyHistoryLimit),
		LogVerbosity:      v.GetInt(KeyVerbosity),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.CredentialsDBPath) == "" {
		result = multierror.Append(result, errors.New("credentials db path is required"))
	}
	for name, d := range map[string]time.Duration{
		KeyHealthInterval: c.HealthInterval,
		KeyReconnectDelay: c.ReconnectDelay,
		KeyRequestTimeout: c.RequestTimeout,
		KeyWriteTimeout:   c.WriteTimeout,
	} {
		if d <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.HistoryLimit <= 0 {
		result = multierror.Append(result, fmt.Errorf("%s must be positive, got %d", KeyHistoryLimit, c.HistoryLimit))
	}
	if c.LogVerbosity < 0 {
		result = multierror.Append(result, fmt.Errorf("%s must not be negative", KeyVerbosity))
	}
	return result.ErrorOrNil()
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "window.db"
	}
	return filepath.Join(home, ".local", "state", "window", "credentials.db")
}
