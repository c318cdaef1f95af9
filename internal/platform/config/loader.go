package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	platformerrors "tts-gateway/internal/platform/errors"
)

const defaultConfigFile = ".config.yaml"

// Loader assembles configuration from defaults, an optional yaml file and
// environment overrides, in that order.
type Loader struct {
	useDotEnv bool
	path      string
}

func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		path:      defaultConfigFile,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath overrides the yaml config file location (useful for tests).
func (l *Loader) WithPath(path string) *Loader {
	if path != "" {
		l.path = path
	}
	return l
}

// Load builds the effective configuration.
func (l *Loader) Load() (*Config, error) {
	if l.useDotEnv {
		if err := godotenv.Load(); err != nil {
			fmt.Println("no .env file found, using process environment")
		}
	}

	cfg := Default()

	if data, err := os.ReadFile(l.path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindConfig, "load",
				fmt.Sprintf("parse %s", l.path), err)
		}
	}

	applyEnvOverrides(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideInt("RATE_LIMIT_MAX_REQUESTS_PER_WINDOW", &cfg.RateLimit.MaxRequestsPerWindow)
	overrideInt("RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimit.WindowSeconds)
	overrideInt("SESSION_QUEUE_MAXSIZE", &cfg.Queue.MaxSize)
	overrideInt("SESSION_QUEUE_WORKER_COUNT", &cfg.Queue.WorkerCount)
	overrideInt("SESSION_RETENTION_MAX", &cfg.Session.RetentionMax)
	overrideBool("MOCK_TONE_ENABLED", &cfg.Providers.MockTone.Enabled)
	overrideBool("EDGE_TTS_ENABLED", &cfg.Providers.Edge.Enabled)
	overrideString("EDGE_TTS_VOICE", &cfg.Providers.Edge.Voice)
	overrideString("EDGE_TTS_LANGUAGE", &cfg.Providers.Edge.Language)
	overrideString("FFMPEG_PATH", &cfg.Audio.FfmpegPath)
	overrideString("LOG_LEVEL", &cfg.Log.Level)
	overrideInt("SERVER_PORT", &cfg.Server.Port)
}

func overrideInt(key string, dst *int) {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func overrideBool(key string, dst *bool) {
	if raw, ok := os.LookupEnv(key); ok {
		*dst = raw != "0" && raw != "false"
	}
}

func overrideString(key string, dst *string) {
	if raw, ok := os.LookupEnv(key); ok && raw != "" {
		*dst = raw
	}
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			fmt.Sprintf("server port %d out of range", cfg.Server.Port))
	}
	if cfg.RateLimit.MaxRequestsPerWindow <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"rate limit quota must be positive")
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"rate limit window must be positive")
	}
	if cfg.Queue.MaxSize <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"session queue maxsize must be positive")
	}
	if cfg.Queue.WorkerCount <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"session queue worker count must be positive")
	}
	if cfg.Breaker.FailureThreshold <= 0 || cfg.Breaker.HalfOpenMaxTrials <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"circuit breaker thresholds must be positive")
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"pipeline max attempts must be positive")
	}
	if cfg.Session.RetentionMax < 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"session retention max must not be negative")
	}
	return nil
}
