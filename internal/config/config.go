package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CANVAS"
	defaultHTTPAddress        = "0.0.0.0:3001"
	defaultLogLevel           = "info"
	defaultLogEncoding        = "json"
	defaultSendBuffer         = 64
	defaultOverflowPolicy     = OverflowDropOldest
	defaultMaxMessageBytes    = 1 << 20
	defaultPingInterval       = 25 * time.Second
	defaultPingTimeout        = 60 * time.Second
	defaultWriteTimeout       = 10 * time.Second
	defaultCookieName         = "app_session"
	defaultSessionIssuer      = "tauth"
	defaultPresenceTTL        = 2 * time.Minute
	defaultKafkaTopic         = "canvas.block-operations"
	defaultKafkaQueueSize     = 1024
	defaultKafkaWorkers       = 4
	defaultKafkaMaxRetry      = 3
	defaultKafkaBackoff       = 100 * time.Millisecond
	defaultKafkaMaxInFlight   = 8
	defaultClientServerURL    = "ws://localhost:3001/ws"
	defaultReconnectAttempts  = 5
	defaultReconnectDelay     = time.Second
	defaultShutdownTimeout    = 10 * time.Second
	minimumWebSocketFrameSize = 512
)

// Overflow policies for a connection whose outbound buffer is full.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// WebSocketConfig tunes the per-connection transport.
type WebSocketConfig struct {
	SendBuffer      int
	OverflowPolicy  string
	MaxMessageBytes int64
	PingInterval    time.Duration
	PingTimeout     time.Duration
	WriteTimeout    time.Duration
	AllowedOrigins  []string
}

// AuthConfig enables session validation when SigningSecret is set.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// Enabled reports whether session validation is configured.
func (c AuthConfig) Enabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
}

// RedisConfig enables the presence mirror when Address is set.
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// Enabled reports whether the presence mirror is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Address) != ""
}

// KafkaConfig enables the operation feed when Brokers is non-empty.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	QueueSize   int
	Workers     int
	MaxRetry    int
	Backoff     time.Duration
	MaxInFlight int64
}

// Enabled reports whether the operation feed is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// ClientConfig configures the command line client facade.
type ClientConfig struct {
	ServerURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	AutoRejoin        bool
}

// AppConfig captures runtime configuration for the collaboration server and its tools.
type AppConfig struct {
	HTTPAddress     string
	LogLevel        string
	LogEncoding     string
	ShutdownTimeout time.Duration
	WebSocket       WebSocketConfig
	Auth            AuthConfig
	Redis           RedisConfig
	Kafka           KafkaConfig
	Client          ClientConfig
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
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)

	configViper.SetDefault("ws.send_buffer", defaultSendBuffer)
	configViper.SetDefault("ws.overflow_policy", defaultOverflowPolicy)
	configViper.SetDefault("ws.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("ws.ping_interval", defaultPingInterval)
	configViper.SetDefault("ws.ping_timeout", defaultPingTimeout)
	configViper.SetDefault("ws.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("ws.allowed_origins", []string{})

	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)

	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.presence_ttl", defaultPresenceTTL)

	configViper.SetDefault("kafka.brokers", []string{})
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("kafka.queue_size", defaultKafkaQueueSize)
	configViper.SetDefault("kafka.workers", defaultKafkaWorkers)
	configViper.SetDefault("kafka.max_retry", defaultKafkaMaxRetry)
	configViper.SetDefault("kafka.backoff", defaultKafkaBackoff)
	configViper.SetDefault("kafka.max_in_flight", defaultKafkaMaxInFlight)

	configViper.SetDefault("client.server_url", defaultClientServerURL)
	configViper.SetDefault("client.reconnect_attempts", defaultReconnectAttempts)
	configViper.SetDefault("client.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("client.auto_rejoin", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:        configViper.GetString("log.level"),
		LogEncoding:     strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),
		ShutdownTimeout: configViper.GetDuration("http.shutdown_timeout"),
		WebSocket: WebSocketConfig{
			SendBuffer:      configViper.GetInt("ws.send_buffer"),
			OverflowPolicy:  strings.ToLower(strings.TrimSpace(configViper.GetString("ws.overflow_policy"))),
			MaxMessageBytes: configViper.GetInt64("ws.max_message_bytes"),
			PingInterval:    configViper.GetDuration("ws.ping_interval"),
			PingTimeout:     configViper.GetDuration("ws.ping_timeout"),
			WriteTimeout:    configViper.GetDuration("ws.write_timeout"),
			AllowedOrigins:  cleanList(configViper.GetStringSlice("ws.allowed_origins")),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
			CookieName:    strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		},
		Redis: RedisConfig{
			Address:     strings.TrimSpace(configViper.GetString("redis.address")),
			Password:    configViper.GetString("redis.password"),
			DB:          configViper.GetInt("redis.db"),
			PresenceTTL: configViper.GetDuration("redis.presence_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers:     cleanList(configViper.GetStringSlice("kafka.brokers")),
			Topic:       strings.TrimSpace(configViper.GetString("kafka.topic")),
			QueueSize:   configViper.GetInt("kafka.queue_size"),
			Workers:     configViper.GetInt("kafka.workers"),
			MaxRetry:    configViper.GetInt("kafka.max_retry"),
			Backoff:     configViper.GetDuration("kafka.backoff"),
			MaxInFlight: configViper.GetInt64("kafka.max_in_flight"),
		},
		Client: ClientConfig{
			ServerURL:         strings.TrimSpace(configViper.GetString("client.server_url")),
			ReconnectAttempts: configViper.GetInt("client.reconnect_attempts"),
			ReconnectDelay:    configViper.GetDuration("client.reconnect_delay"),
			AutoRejoin:        configViper.GetBool("client.auto_rejoin"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		return fmt.Errorf("log.encoding must be json or console")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_buffer must be positive")
	}
	switch c.WebSocket.OverflowPolicy {
	case OverflowDropOldest, OverflowDisconnect:
	default:
		return fmt.Errorf("ws.overflow_policy must be %q or %q", OverflowDropOldest, OverflowDisconnect)
	}
	if c.WebSocket.MaxMessageBytes < minimumWebSocketFrameSize {
		return fmt.Errorf("ws.max_message_bytes must be at least %d", minimumWebSocketFrameSize)
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("ws.ping_interval, ws.ping_timeout and ws.write_timeout must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PingTimeout {
		return fmt.Errorf("ws.ping_interval must be shorter than ws.ping_timeout")
	}
	if c.Auth.Enabled() {
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
		}
		if c.Auth.CookieName == "" {
			return fmt.Errorf("auth.cookie_name is required when auth.signing_secret is set")
		}
	}
	if c.Redis.Enabled() && c.Redis.PresenceTTL <= 0 {
		return fmt.Errorf("redis.presence_ttl must be positive")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
		}
		if c.Kafka.QueueSize <= 0 || c.Kafka.Workers <= 0 || c.Kafka.MaxInFlight <= 0 {
			return fmt.Errorf("kafka.queue_size, kafka.workers and kafka.max_in_flight must be positive")
		}
		if c.Kafka.MaxRetry < 0 {
			return fmt.Errorf("kafka.max_retry must not be negative")
		}
	}
	if c.Client.ReconnectAttempts < 0 {
		return fmt.Errorf("client.reconnect_attempts must not be negative")
	}
	return nil
}

func cleanList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
