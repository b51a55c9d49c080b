package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Signaling SignalingConfig `mapstructure:"signaling"`
	Session   SessionConfig   `mapstructure:"session"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Media     MediaConfig     `mapstructure:"media"`
}

type SignalingConfig struct {
	// MaxJoiners bounds the joiners per room; extra joiners are rejected.
	MaxJoiners int     `mapstructure:"max_joiners"`
	SendBuffer int     `mapstructure:"send_buffer"`
	RateLimit  float64 `mapstructure:"rate_limit"`
	RateBurst  int     `mapstructure:"rate_burst"`
	// ReconnectGrace is how long a dropped member keeps its seat.
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
}

type SessionConfig struct {
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff   time.Duration `mapstructure:"reconnect_backoff"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WebRTCConfig struct {
	ICEServers []ICEServer `mapstructure:"ice_servers"`
}

const (
	BackendSQLite = "sqlite"
	BackendRemote = "remote"
)

type BackendConfig struct {
	Mode    string        `mapstructure:"mode"`
	URL     string        `mapstructure:"url"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	AudioFile string `mapstructure:"audio_file"`
	VideoFile string `mapstructure:"video_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("signaling.max_joiners", 1)
	v.SetDefault("signaling.send_buffer", 64)
	v.SetDefault("signaling.rate_limit", 50)
	v.SetDefault("signaling.rate_burst", 100)
	v.SetDefault("signaling.reconnect_grace", "10s")

	v.SetDefault("session.negotiation_timeout", "30s")
	v.SetDefault("session.reconnect_attempts", 3)
	v.SetDefault("session.reconnect_backoff", "500ms")

	v.SetDefault("webrtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("backend.mode", BackendSQLite)
	v.SetDefault("backend.dsn", "file:lesson.db?_foreign_keys=on")
	v.SetDefault("backend.timeout", "5s")
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("LESSON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("backend", cfg.Backend.Mode).Dur("negotiation_timeout", cfg.Session.NegotiationTimeout).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Signaling.MaxJoiners < 1 {
		return fmt.Errorf("signaling.max_joiners must be >= 1, got %d", c.Signaling.MaxJoiners)
	}
	if c.Signaling.ReconnectGrace < 0 {
		return fmt.Errorf("signaling.reconnect_grace must not be negative")
	}
	if c.Session.NegotiationTimeout <= 0 {
		return fmt.Errorf("session.negotiation_timeout must be positive")
	}
	switch c.Backend.Mode {
	case BackendSQLite:
	case BackendRemote:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required when backend.mode=%s", BackendRemote)
		}
	default:
		return fmt.Errorf("unknown backend.mode %q", c.Backend.Mode)
	}
	return nil
}
