package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "FIELDSYNC"
	defaultHTTPAddress      = "127.0.0.1:7330"
	defaultDatabasePath     = "fieldsync.db"
	defaultLogLevel         = "info"
	defaultRequestTimeout   = 15 * time.Second
	defaultProbeInterval    = 30 * time.Second
	defaultDrainSchedule    = "@every 2m"
	defaultRetryMinInterval = 30 * time.Second
	defaultDeviceTokenTTL   = 5 * time.Minute
	defaultNotifyBuffer     = 64
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress       string
	AgentToken        string
	DatabasePath      string
	LogLevel          string
	RemoteBaseURL     string
	DeviceID          string
	DeviceSecret      string
	RequestTimeout    time.Duration
	ProbeInterval     time.Duration
	DrainSchedule     string
	RetryMinInterval  time.Duration
	DeviceTokenTTL    time.Duration
	NotifyBuffer      int
	AssumeOnlineStart bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.timeout", defaultRequestTimeout)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("connectivity.assume_online", false)
	configViper.SetDefault("sync.schedule", defaultDrainSchedule)
	configViper.SetDefault("sync.retry_min_interval", defaultRetryMinInterval)
	configViper.SetDefault("device.token_ttl", defaultDeviceTokenTTL)
	configViper.SetDefault("notify.buffer", defaultNotifyBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AgentToken:        configViper.GetString("http.agent_token"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		RemoteBaseURL:     configViper.GetString("remote.base_url"),
		DeviceID:          configViper.GetString("device.id"),
		DeviceSecret:      configViper.GetString("device.signing_secret"),
		RequestTimeout:    configViper.GetDuration("remote.timeout"),
		ProbeInterval:     configViper.GetDuration("connectivity.probe_interval"),
		DrainSchedule:     configViper.GetString("sync.schedule"),
		RetryMinInterval:  configViper.GetDuration("sync.retry_min_interval"),
		DeviceTokenTTL:    configViper.GetDuration("device.token_ttl"),
		NotifyBuffer:      configViper.GetInt("notify.buffer"),
		AssumeOnlineStart: configViper.GetBool("connectivity.assume_online"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if strings.TrimSpace(c.DeviceSecret) == "" {
		return fmt.Errorf("device.signing_secret is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	return nil
}
