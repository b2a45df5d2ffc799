package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	API       APIConfig       `mapstructure:"api"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

type ServerConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	EndpointPath string `mapstructure:"endpoint_path"`
	Transport    string `mapstructure:"transport"` // "gorilla" or "gobwas"
}

type AuthConfig struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

type ReconnectConfig struct {
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
}

type NotifyConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
	Ntfy     NtfyConfig    `mapstructure:"ntfy"`
}

type NtfyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Topic    string `mapstructure:"topic"`
	Priority string `mapstructure:"priority"`
	Tags     string `mapstructure:"tags"`
	Token    string `mapstructure:"token"`
}

type APIConfig struct {
	TimeoutSec    int `mapstructure:"timeout_sec"`
	RetryCount    int `mapstructure:"retry_count"`
	RetryDelayMs  int `mapstructure:"retry_delay_ms"`
	RatePerSecond int `mapstructure:"rate_per_second"`
}

type ChatConfig struct {
	PageSize        int     `mapstructure:"page_size"`
	ScrollThreshold float64 `mapstructure:"scroll_threshold"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

type DebugConfig struct {
	Addr string `mapstructure:"addr"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.endpoint_path", "/ws-stomp")
	v.SetDefault("server.transport", "gorilla")
	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)
	v.SetDefault("reconnect.handshake_timeout", 10*time.Second)
	v.SetDefault("reconnect.heartbeat", 10*time.Second)
	v.SetDefault("notify.cooldown", 10*time.Second)
	v.SetDefault("notify.ntfy.enabled", false)
	v.SetDefault("notify.ntfy.server", "https://ntfy.sh")
	v.SetDefault("notify.ntfy.priority", "default")
	v.SetDefault("notify.ntfy.tags", "speech_balloon")
	v.SetDefault("api.timeout_sec", 15)
	v.SetDefault("api.retry_count", 2)
	v.SetDefault("api.retry_delay_ms", 500)
	v.SetDefault("api.rate_per_second", 10)
	v.SetDefault("chat.page_size", 30)
	v.SetDefault("chat.scroll_threshold", 100)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("debug.addr", "")

	// Environment variable support
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("auth.token", "CHATSYNC_TOKEN")
	_ = v.BindEnv("auth.token_file", "CHATSYNC_TOKEN_FILE")
	_ = v.BindEnv("notify.ntfy.topic", "CHATSYNC_NTFY_TOPIC")
	_ = v.BindEnv("notify.ntfy.token", "CHATSYNC_NTFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SocketURL derives the websocket endpoint from the HTTP base URL.
func (c *Config) SocketURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.Server.EndpointPath
	return u.String(), nil
}

// APITimeout returns the per-request timeout for CRUD calls.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// APIRetryDelay returns the base delay between CRUD retries.
func (c *Config) APIRetryDelay() time.Duration {
	return time.Duration(c.API.RetryDelayMs) * time.Millisecond
}
