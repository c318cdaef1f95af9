package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"session_queue"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Providers ProvidersConfig `yaml:"providers"`
}

type ServerConfig struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

// RateLimitConfig controls per-origin admission limiting on session creation.
type RateLimitConfig struct {
	MaxRequestsPerWindow int `yaml:"max_requests_per_window"`
	WindowSeconds        int `yaml:"window_seconds"`
}

// QueueConfig bounds the streaming queue and its worker pool.
type QueueConfig struct {
	MaxSize     int `yaml:"maxsize"`
	WorkerCount int `yaml:"worker_count"`
}

// BreakerConfig controls the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	ResetTimeoutSec   int `yaml:"reset_timeout_seconds"`
	HalfOpenMaxTrials int `yaml:"half_open_max_trials"`
}

// PipelineConfig tunes the per-session streaming pipeline.
type PipelineConfig struct {
	ChunkPullTimeoutSec int `yaml:"chunk_pull_timeout_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	RetryBackoffBaseMs  int `yaml:"retry_backoff_base_ms"`
}

// SessionConfig controls retention of finished session records. Finished
// records are kept so the file endpoint can serve them later; RetentionMax
// bounds that memory.
type SessionConfig struct {
	RetentionMax        int  `yaml:"retention_max"`
	FileEndpointEnabled bool `yaml:"file_endpoint_enabled"`
}

type AudioConfig struct {
	FfmpegPath string `yaml:"ffmpeg_path"`
}

type ProvidersConfig struct {
	StrictVoiceOwnership bool           `yaml:"strict_voice_ownership"`
	MockTone             MockToneConfig `yaml:"mock_tone"`
	Edge                 EdgeConfig     `yaml:"edge"`
}

type MockToneConfig struct {
	Enabled    bool `yaml:"enabled"`
	SampleRate int  `yaml:"sample_rate"`
}

type EdgeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Voice      string `yaml:"voice"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
}

func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c *BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSec) * time.Second
}

func (c *PipelineConfig) ChunkPullTimeout() time.Duration {
	return time.Duration(c.ChunkPullTimeoutSec) * time.Second
}

func (c *PipelineConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMs) * time.Millisecond
}
