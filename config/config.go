package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	StoreBackend   string
	Redis          RedisConfig
	Call           CallConfig
	Media          MediaConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type CallConfig struct {
	// SetupTimeout bounds ringing/answered -> active
	SetupTimeout time.Duration
	// SessionTTL is how long an abandoned call record survives in Redis
	SessionTTL time.Duration
}

type MediaConfig struct {
	ICEServers []webrtc.ICEServer
	UDPPortMin uint16
	UDPPortMax uint16
}

func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := func(key, defaultValue string) string {
		if value := getenv(key); value != "" {
			return value
		}
		return defaultValue
	}

	// Parse allowed origins (comma-separated)
	origins := splitCommaSeparated(env("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	iceServers, err := parseICEServers(getenv("STUN_URLS"), getenv("TURN_URLS"), getenv("TURN_USERNAME"), getenv("TURN_CREDENTIAL"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           env("PORT", "8080"),
		Environment:    env("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      env("JWT_SECRET", "change-me-in-production"),
		LogLevel:       env("LOG_LEVEL", "info"),
		StoreBackend:   strings.ToLower(env("STORE_BACKEND", StoreRedis)),
		Redis: RedisConfig{
			Host:     env("REDIS_HOST", "localhost"),
			Port:     env("REDIS_PORT", "6379"),
			Password: env("REDIS_PASSWORD", ""),
			DB:       getInt(env, "REDIS_DB", 0),
		},
		Call: CallConfig{
			SetupTimeout: getDuration(env, "CALL_SETUP_TIMEOUT", 45*time.Second),
			SessionTTL:   getDuration(env, "CALL_SESSION_TTL", 2*time.Hour),
		},
		Media: MediaConfig{
			ICEServers: iceServers,
			UDPPortMin: uint16(getInt(env, "UDP_PORT_MIN", 0)),
			UDPPortMax: uint16(getInt(env, "UDP_PORT_MAX", 0)),
		},
	}

	switch cfg.StoreBackend {
	case StoreRedis, StoreMemory:
	default:
		return nil, errors.Errorf("STORE_BACKEND: unknown backend %q", cfg.StoreBackend)
	}
	if cfg.Media.UDPPortMin > cfg.Media.UDPPortMax {
		return nil, errors.New("UDP_PORT_MIN must not exceed UDP_PORT_MAX")
	}
	return cfg, nil
}

// IsDevelopment reports whether human-friendly output should be used
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getDuration(env func(string, string) string, key string, defaultValue time.Duration) time.Duration {
	raw := env(key, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Dur("default", defaultValue).Msg("Invalid duration, using default")
		return defaultValue
	}
	return d
}

func getInt(env func(string, string) string, key string, defaultValue int) int {
	raw := env(key, "")
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 65535 {
		log.Warn().Str("key", key).Str("value", raw).Int("default", defaultValue).Msg("Invalid number, using default")
		return defaultValue
	}
	return n
}

// parseICEServers builds the STUN and TURN entries from comma-separated URL lists
func parseICEServers(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		for _, url := range stun {
			if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "stuns:") {
				return nil, errors.Errorf("STUN_URLS: unsupported url %q", url)
			}
		}
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		for _, url := range turn {
			if !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
				return nil, errors.Errorf("TURN_URLS: unsupported url %q", url)
			}
		}
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, errors.New("TURN_USERNAME/TURN_CREDENTIAL: both must be set when TURN_URLS is set")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
