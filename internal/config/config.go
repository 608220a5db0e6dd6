package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates relay, client and logging settings.
type Config struct {
	Server   ServerConfig
	Client   ClientConfig
	Relay    RelayConfig
	LogLevel string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Client:   client,
		Relay:    relay,
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}, nil
}

// ServerConfig describes the relay HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// ":8080" and "127.0.0.1:8080" are taken as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ClientConfig describes how the chat core reaches the REST API and the live channel.
type ClientConfig struct {
	APIBaseURL       string
	RealtimeURL      string
	Token            string
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	HTTPTimeout      time.Duration
	TypingInterval   time.Duration
	TypingTTL        time.Duration
}

func loadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL: strings.TrimRight(getEnvOrDefault("CHAT_API_URL", "http://localhost:8080"), "/"),
		Token:      strings.TrimSpace(os.Getenv("CHAT_TOKEN")),
	}

	if _, err := url.Parse(cfg.APIBaseURL); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid CHAT_API_URL value %q: %w", cfg.APIBaseURL, err)
	}

	cfg.RealtimeURL = strings.TrimSpace(os.Getenv("CHAT_WS_URL"))
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = RealtimeURLFor(cfg.APIBaseURL)
	}

	durations := []struct {
		key    string
		def    time.Duration
		target *time.Duration
	}{
		{"CHAT_BACKOFF_BASE", time.Second, &cfg.BackoffBase},
		{"CHAT_BACKOFF_MAX", 30 * time.Second, &cfg.BackoffMax},
		{"CHAT_HANDSHAKE_TIMEOUT", 10 * time.Second, &cfg.HandshakeTimeout},
		{"CHAT_PING_INTERVAL", 25 * time.Second, &cfg.PingInterval},
		{"CHAT_READ_TIMEOUT", 60 * time.Second, &cfg.ReadTimeout},
		{"CHAT_HTTP_TIMEOUT", 15 * time.Second, &cfg.HTTPTimeout},
		{"CHAT_TYPING_INTERVAL", 2 * time.Second, &cfg.TypingInterval},
		{"CHAT_TYPING_TTL", 3 * time.Second, &cfg.TypingTTL},
	}
	for _, d := range durations {
		val, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return ClientConfig{}, err
		}
		*d.target = val
	}

	if cfg.BackoffMax < cfg.BackoffBase {
		return ClientConfig{}, fmt.Errorf("CHAT_BACKOFF_MAX (%s) must not be below CHAT_BACKOFF_BASE (%s)", cfg.BackoffMax, cfg.BackoffBase)
	}

	return cfg, nil
}

// RealtimeURLFor derives the websocket endpoint served next to the REST API.
func RealtimeURLFor(apiBaseURL string) string {
	base := strings.TrimRight(apiBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// RelayConfig describes the reference relay server.
type RelayConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	HistoryLimit  int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// RedisEnabled reports whether messages should be kept in Redis rather than in memory.
func (c RelayConfig) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func loadRelayConfig() (RelayConfig, error) {
	ttl, err := parseDurationEnv("RELAY_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		return RelayConfig{}, err
	}

	limit := 200
	if override, err := parseOptionalIntEnv("RELAY_HISTORY_LIMIT"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override < 1 {
			limit = 1
		} else {
			limit = *override
		}
	}

	db := 0
	if override, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		db = *override
	}

	return RelayConfig{
		JWTSecret:     strings.TrimSpace(os.Getenv("RELAY_JWT_SECRET")),
		TokenTTL:      ttl,
		HistoryLimit:  limit,
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       db,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
