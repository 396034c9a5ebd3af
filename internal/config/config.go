package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CLASSROOM"
	defaultHTTPAddress     = "127.0.0.1:8080"
	defaultServerURL       = "ws://127.0.0.1:8080/ws"
	defaultAPIURL          = "http://127.0.0.1:8080"
	defaultSandboxDatabase = "sandbox.db"
	defaultClientDatabase  = "notifications.db"
	defaultLogLevel        = "info"
	defaultLogEncoding     = "json"
	defaultTokenIssuer     = "classroom-sandbox"
	defaultTokenAudience   = "classroom-realtime"
	defaultTokenTTL        = 12 * time.Hour
	defaultHistoryPages    = 3
	defaultMaxRetryWindow  = 10 * time.Minute
)

// Logging captures log output settings shared by both commands.
type Logging struct {
	Level    string
	Encoding string
}

// Realtime mirrors the client tunables; zero values keep the client defaults.
// MaxRetryWindow defaults here because a zero window means retry forever.
type Realtime struct {
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxRetryWindow    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	AckTimeout        time.Duration
	MaxSendAttempts   int
	OutboxCapacity    int
	LeaveGrace        time.Duration
	TypingIdle        time.Duration
	TypingLiveness    time.Duration
	Retention         int
}

// ListenConfig drives the listen command.
type ListenConfig struct {
	ServerURL    string
	APIURL       string
	Token        string
	Channels     []string
	SessionID    string
	CourseID     string
	DatabasePath string
	HistoryPages int
	Realtime     Realtime
	Logging      Logging
}

// SandboxConfig drives the sandbox command.
type SandboxConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	AllowedOrigins []string
	Logging        Logging
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)

	configViper.SetDefault("listen.server_url", defaultServerURL)
	configViper.SetDefault("listen.api_url", defaultAPIURL)
	configViper.SetDefault("listen.database_path", defaultClientDatabase)
	configViper.SetDefault("listen.history_pages", defaultHistoryPages)

	configViper.SetDefault("realtime.max_retry_window", defaultMaxRetryWindow)

	configViper.SetDefault("sandbox.http_address", defaultHTTPAddress)
	configViper.SetDefault("sandbox.database_path", defaultSandboxDatabase)
	configViper.SetDefault("sandbox.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("sandbox.token_audience", defaultTokenAudience)
	configViper.SetDefault("sandbox.token_ttl", defaultTokenTTL)
	configViper.SetDefault("sandbox.allowed_origins", []string{"*"})
}

// LoadListen parses the listen command configuration.
func LoadListen(configViper *viper.Viper) (ListenConfig, error) {
	cfg := ListenConfig{
		ServerURL:    strings.TrimSpace(configViper.GetString("listen.server_url")),
		APIURL:       strings.TrimSpace(configViper.GetString("listen.api_url")),
		Token:        strings.TrimSpace(configViper.GetString("listen.token")),
		Channels:     cleanList(configViper.GetStringSlice("listen.channels")),
		SessionID:    strings.TrimSpace(configViper.GetString("listen.session_id")),
		CourseID:     strings.TrimSpace(configViper.GetString("listen.course_id")),
		DatabasePath: strings.TrimSpace(configViper.GetString("listen.database_path")),
		HistoryPages: configViper.GetInt("listen.history_pages"),
		Realtime:     loadRealtime(configViper),
		Logging:      loadLogging(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ListenConfig{}, err
	}
	return cfg, nil
}

// LoadSandbox parses the sandbox command configuration.
func LoadSandbox(configViper *viper.Viper) (SandboxConfig, error) {
	cfg := SandboxConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("sandbox.http_address")),
		DatabasePath:   strings.TrimSpace(configViper.GetString("sandbox.database_path")),
		SigningSecret:  configViper.GetString("sandbox.signing_secret"),
		TokenIssuer:    strings.TrimSpace(configViper.GetString("sandbox.token_issuer")),
		TokenAudience:  strings.TrimSpace(configViper.GetString("sandbox.token_audience")),
		TokenTTL:       configViper.GetDuration("sandbox.token_ttl"),
		AllowedOrigins: cleanList(configViper.GetStringSlice("sandbox.allowed_origins")),
		Logging:        loadLogging(configViper),
	}

	if err := cfg.validate(); err != nil {
		return SandboxConfig{}, err
	}
	return cfg, nil
}

func loadLogging(configViper *viper.Viper) Logging {
	return Logging{
		Level:    configViper.GetString("log.level"),
		Encoding: configViper.GetString("log.encoding"),
	}
}

func loadRealtime(configViper *viper.Viper) Realtime {
	return Realtime{
		ReconnectBase:     configViper.GetDuration("realtime.reconnect_base"),
		ReconnectMax:      configViper.GetDuration("realtime.reconnect_max"),
		MaxRetryWindow:    configViper.GetDuration("realtime.max_retry_window"),
		HandshakeTimeout:  configViper.GetDuration("realtime.handshake_timeout"),
		HeartbeatInterval: configViper.GetDuration("realtime.heartbeat_interval"),
		PongTimeout:       configViper.GetDuration("realtime.pong_timeout"),
		AckTimeout:        configViper.GetDuration("realtime.ack_timeout"),
		MaxSendAttempts:   configViper.GetInt("realtime.max_send_attempts"),
		OutboxCapacity:    configViper.GetInt("realtime.outbox_capacity"),
		LeaveGrace:        configViper.GetDuration("realtime.leave_grace"),
		TypingIdle:        configViper.GetDuration("realtime.typing_idle"),
		TypingLiveness:    configViper.GetDuration("realtime.typing_liveness"),
		Retention:         configViper.GetInt("realtime.retention"),
	}
}

func (c ListenConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("listen.server_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("listen.token is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("listen.database_path is required")
	}
	if c.HistoryPages < 0 {
		return fmt.Errorf("listen.history_pages must not be negative")
	}
	if c.CourseID != "" && c.SessionID == "" {
		return fmt.Errorf("listen.course_id requires listen.session_id")
	}
	if c.Realtime.MaxSendAttempts < 0 || c.Realtime.OutboxCapacity < 0 || c.Realtime.Retention < 0 {
		return fmt.Errorf("realtime counts must not be negative")
	}
	return nil
}

func (c SandboxConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("sandbox.signing_secret is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("sandbox.http_address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("sandbox.database_path is required")
	}
	if c.TokenIssuer == "" || c.TokenAudience == "" {
		return fmt.Errorf("sandbox.token_issuer and sandbox.token_audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("sandbox.token_ttl must be positive")
	}
	return nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
	}
	return cleaned
}
