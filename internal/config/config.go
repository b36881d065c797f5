package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration for the sync daemon.
type Config struct {
	AppName   string
	AppEnv    string
	AppPort   string
	UserID    string
	LocalDSN  string
	RedisURL  string
	NATSURL   string
	JWTSecret string

	TypingDebounce    time.Duration
	TypingTTL         time.Duration
	HeartbeatInterval time.Duration

	SendRetryBackoffs []time.Duration
	SubscribeBaseWait time.Duration
	SubscribeMaxWait  time.Duration

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	OpenAIAPIKey string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and an
// optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "chatsync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8090")
	v.SetDefault("local.dsn", "chatsync.db")
	v.SetDefault("cloudinary.folder", "chatsync/media")
	v.SetDefault("typing.debounce", "3s")
	v.SetDefault("typing.ttl", "6s")
	v.SetDefault("heartbeat.interval", "60s")
	v.SetDefault("subscribe.base_wait", "1s")
	v.SetDefault("subscribe.max_wait", "30s")
	v.SetDefault("send.retry_backoffs", "1s,4s,10s")

	typingDebounce, err := parseDuration(v, "typing.debounce")
	if err != nil {
		return Config{}, err
	}
	typingTTL, err := parseDuration(v, "typing.ttl")
	if err != nil {
		return Config{}, err
	}
	heartbeat, err := parseDuration(v, "heartbeat.interval")
	if err != nil {
		return Config{}, err
	}
	baseWait, err := parseDuration(v, "subscribe.base_wait")
	if err != nil {
		return Config{}, err
	}
	maxWait, err := parseDuration(v, "subscribe.max_wait")
	if err != nil {
		return Config{}, err
	}

	backoffs, err := parseBackoffs(v.GetString("send.retry_backoffs"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		UserID:                 v.GetString("user.id"),
		LocalDSN:               v.GetString("local.dsn"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		TypingDebounce:         typingDebounce,
		TypingTTL:              typingTTL,
		HeartbeatInterval:      heartbeat,
		SendRetryBackoffs:      backoffs,
		SubscribeBaseWait:      baseWait,
		SubscribeMaxWait:       maxWait,
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
	}

	if cfg.UserID == "" {
		return Config{}, fmt.Errorf("user id must be provided")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("redis url must be provided")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseBackoffs(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	backoffs := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid send retry backoff %q: %w", part, err)
		}
		backoffs = append(backoffs, d)
	}
	if len(backoffs) == 0 {
		return nil, fmt.Errorf("send retry backoffs must not be empty")
	}
	return backoffs, nil
}
