package config

// Default returns the baseline configuration. Every knob has a working value
// so the gateway can boot with no config file and no environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			IP:   "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "logs",
			File:  "gateway.log",
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerWindow: 50,
			WindowSeconds:        60,
		},
		Queue: QueueConfig{
			MaxSize:     100,
			WorkerCount: 8,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  3,
			ResetTimeoutSec:   30,
			HalfOpenMaxTrials: 1,
		},
		Pipeline: PipelineConfig{
			ChunkPullTimeoutSec: 10,
			MaxAttempts:         3,
			RetryBackoffBaseMs:  200,
		},
		Session: SessionConfig{
			RetentionMax:        1000,
			FileEndpointEnabled: true,
		},
		Audio: AudioConfig{
			FfmpegPath: "ffmpeg",
		},
		Providers: ProvidersConfig{
			StrictVoiceOwnership: false,
			MockTone: MockToneConfig{
				Enabled:    true,
				SampleRate: 16000,
			},
			Edge: EdgeConfig{
				Enabled:    false,
				Voice:      "en-US-AriaNeural",
				Language:   "en-US",
				SampleRate: 24000,
			},
		},
	}
}
