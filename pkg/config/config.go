package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global              GlobalConfig      `yaml:"global"                mapstructure:"global"`
	Pterodactyl         PterodactylConfig `yaml:"pterodactyl"           mapstructure:"pterodactyl"`
	Unifi               UnifiConfig       `yaml:"unifi"                 mapstructure:"unifi"`
	Rules               RulesConfig       `yaml:"rules"                 mapstructure:"rules"`
	Metrics             MetricsConfig     `yaml:"metrics"               mapstructure:"metrics"`
	PollIntervalSeconds int               `yaml:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	Debug bool `yaml:"debug" mapstructure:"debug"`
}

// PterodactylConfig holds connection settings for the panel's application API.
type PterodactylConfig struct {
	URL    string `yaml:"url"     mapstructure:"url"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	NodeID int    `yaml:"node_id" mapstructure:"node_id"`
}

// UnifiConfig holds connection settings for the UDM controller.
type UnifiConfig struct {
	URL             string `yaml:"url"               mapstructure:"url"`
	Username        string `yaml:"username"          mapstructure:"username"`
	Password        string `yaml:"password"          mapstructure:"password"`
	Site            string `yaml:"site"              mapstructure:"site"`
	AllowSelfSigned bool   `yaml:"allow_self_signed" mapstructure:"allow_self_signed"`
}

// RulesConfig defines the port-forward rule policy applied to every allocation.
type RulesConfig struct {
	DefaultTargetIP string            `yaml:"default_target_ip" mapstructure:"default_target_ip"`
	IPMap           map[string]string `yaml:"ip_map"            mapstructure:"ip_map"`
	WANIP           string            `yaml:"wan_ip"            mapstructure:"wan_ip"`
	Source          string            `yaml:"source"            mapstructure:"source"`
	Destination     string            `yaml:"destination"       mapstructure:"destination"`
	Prefix          string            `yaml:"prefix"            mapstructure:"prefix"`
	Protocol        string            `yaml:"protocol"          mapstructure:"protocol"`
}

// MetricsConfig controls the optional Prometheus metrics listener.
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// PollInterval returns the reconcile tick interval.
// Defaults to 30s if not set.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// validProtocols is the set of supported rule protocol policies.
var validProtocols = map[string]bool{
	"tcp":     true,
	"udp":     true,
	"tcp_udp": true,
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	viperInstance.SetEnvPrefix("PTEROSYNC")
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperInstance.AutomaticEnv()

	// Keys without defaults must be bound explicitly for env-only overrides
	// to reach Unmarshal.
	for _, key := range []string{
		"pterodactyl.url", "pterodactyl.api_key", "pterodactyl.node_id",
		"unifi.url", "unifi.username", "unifi.password", "unifi.allow_self_signed",
		"rules.default_target_ip", "rules.wan_ip",
		"metrics.listen", "global.debug",
	} {
		_ = viperInstance.BindEnv(key)
	}

	// Set defaults
	viperInstance.SetDefault("poll_interval_seconds", 30)
	viperInstance.SetDefault("unifi.site", "default")
	viperInstance.SetDefault("rules.source", "any")
	viperInstance.SetDefault("rules.destination", "any")
	viperInstance.SetDefault("rules.prefix", "ptero-alloc-")
	viperInstance.SetDefault("rules.protocol", "tcp_udp")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The IP map may arrive as a JSON string via environment override.
	if raw := m.viper.GetString("rules.ip_map"); raw != "" && len(cfg.Rules.IPMap) == 0 {
		var ipMap map[string]string
		if err := json.Unmarshal([]byte(raw), &ipMap); err != nil {
			return nil, fmt.Errorf("rules.ip_map is not valid JSON: %w", err)
		}
		cfg.Rules.IPMap = ipMap
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if err := validateURL(cfg.Pterodactyl.URL); err != nil {
		return fmt.Errorf("pterodactyl.url: %w", err)
	}
	if cfg.Pterodactyl.APIKey == "" {
		return fmt.Errorf("pterodactyl.api_key is required")
	}
	if cfg.Pterodactyl.NodeID <= 0 {
		return fmt.Errorf("pterodactyl.node_id must be a positive integer")
	}

	if err := validateURL(cfg.Unifi.URL); err != nil {
		return fmt.Errorf("unifi.url: %w", err)
	}
	if cfg.Unifi.Username == "" {
		return fmt.Errorf("unifi.username is required")
	}
	if cfg.Unifi.Password == "" {
		return fmt.Errorf("unifi.password is required")
	}
	if cfg.Unifi.Site == "" {
		return fmt.Errorf("unifi.site is required")
	}

	if cfg.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds must not be negative")
	}

	if cfg.Rules.DefaultTargetIP == "" && len(cfg.Rules.IPMap) == 0 {
		return fmt.Errorf("at least one of rules.default_target_ip and rules.ip_map is required")
	}
	if cfg.Rules.DefaultTargetIP != "" && net.ParseIP(cfg.Rules.DefaultTargetIP) == nil {
		return fmt.Errorf("rules.default_target_ip: invalid IP %q", cfg.Rules.DefaultTargetIP)
	}
	for from, to := range cfg.Rules.IPMap {
		if net.ParseIP(from) == nil {
			return fmt.Errorf("rules.ip_map: invalid source IP %q", from)
		}
		if net.ParseIP(to) == nil {
			return fmt.Errorf("rules.ip_map: invalid target IP %q for %q", to, from)
		}
	}

	if cfg.Rules.Prefix == "" {
		return fmt.Errorf("rules.prefix is required")
	}
	if !validProtocols[cfg.Rules.Protocol] {
		return fmt.Errorf("rules.protocol: unsupported protocol %q (supported: tcp, udp, tcp_udp)", cfg.Rules.Protocol)
	}

	return nil
}

// validateURL checks that the value parses as an absolute http(s) URL.
func validateURL(value string) error {
	if value == "" {
		return fmt.Errorf("is required")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", value, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", value)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", value)
	}
	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
