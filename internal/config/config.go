package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "ECOLAGE"
	defaultHTTPAddress     = "127.0.0.1:8787"
	defaultDatabasePath    = "ecolage-agent.db"
	defaultLogLevel        = "info"
	defaultRemoteTimeout   = 15 * time.Second
	defaultMaxRetries      = 5
	defaultRefreshDelay    = 300 * time.Millisecond
	defaultSettleDelay     = 10 * time.Second
	defaultProbeInterval   = 5 * time.Second
	defaultPendingInterval = 5 * time.Second
)

// DefaultEntities are the collections the agent manages when none are configured.
var DefaultEntities = []string{"eleves", "familles", "paiements", "moratoires"}

// AppConfig captures runtime configuration for the agent.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	RemoteBaseURL   string
	RemoteTimeout   time.Duration
	MaxRetries      int
	AbandonRejected bool
	RefreshDelay    time.Duration
	SettleDelay     time.Duration
	ProbeInterval   time.Duration
	PendingInterval time.Duration
	DeviceLabel     string
	Entities        []string
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

	for key, value := range Defaults() {
		configViper.SetDefault(key, value)
	}
}

// Defaults returns every configuration key with its default value.
func Defaults() map[string]any {
	return map[string]any{
		"http.address":                  defaultHTTPAddress,
		"database.path":                 defaultDatabasePath,
		"log.level":                     defaultLogLevel,
		"remote.base_url":               "",
		"remote.timeout":                defaultRemoteTimeout,
		"sync.max_retries":              defaultMaxRetries,
		"sync.abandon_rejected":         false,
		"sync.refresh_delay":            defaultRefreshDelay,
		"connectivity.settle_delay":     defaultSettleDelay,
		"connectivity.probe_interval":   defaultProbeInterval,
		"connectivity.pending_interval": defaultPendingInterval,
		"device.label":                  "",
		"entities":                      append([]string(nil), DefaultEntities...),
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		RemoteBaseURL:   strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteTimeout:   configViper.GetDuration("remote.timeout"),
		MaxRetries:      configViper.GetInt("sync.max_retries"),
		AbandonRejected: configViper.GetBool("sync.abandon_rejected"),
		RefreshDelay:    configViper.GetDuration("sync.refresh_delay"),
		SettleDelay:     configViper.GetDuration("connectivity.settle_delay"),
		ProbeInterval:   configViper.GetDuration("connectivity.probe_interval"),
		PendingInterval: configViper.GetDuration("connectivity.pending_interval"),
		DeviceLabel:     strings.TrimSpace(configViper.GetString("device.label")),
		Entities:        normalizeEntities(configViper.GetStringSlice("entities")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// HasEntity reports whether name is one of the configured collections.
func (c AppConfig) HasEntity(name string) bool {
	for _, entity := range c.Entities {
		if entity == name {
			return true
		}
	}
	return false
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	parsed, err := url.Parse(c.RemoteBaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("remote.base_url must be an absolute http(s) url")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if c.SettleDelay < 0 || c.ProbeInterval <= 0 || c.PendingInterval <= 0 {
		return fmt.Errorf("connectivity intervals must be positive")
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("entities must name at least one collection")
	}
	return nil
}

// normalizeEntities accepts both list values and comma separated env strings.
func normalizeEntities(raw []string) []string {
	seen := make(map[string]struct{})
	var entities []string
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			entities = append(entities, name)
		}
	}
	return entities
}
