package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable read from the environment. main calls
// godotenv.Load before Load so a local .env works out of the box.
type Config struct {
	Port         string
	DatabasePath string
	UploadDir    string

	TranscriptionURL string
	DiarizationURL   string

	NotesGatewayURL string
	NotesModel      string
	NotesAPIKey     string

	MaxUploadBytes int64
	ServiceTimeout time.Duration

	// Soft budget for one whole pipeline run.
	PipelineBudget time.Duration

	ProgressTTL           time.Duration
	ProgressSweepInterval time.Duration

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	// Diarization cools down faster because its loss is recoverable.
	TranscriptionBreakerTimeout time.Duration
	DiarizationBreakerTimeout   time.Duration
}

func Load() Config {
	return Config{
		Port:         envOr("PORT", "8080"),
		DatabasePath: envOr("DATABASE_PATH", "therabridge.db"),
		UploadDir:    envOr("UPLOAD_DIR", "uploads"),

		TranscriptionURL: os.Getenv("TRANSCRIBE_URL"),
		DiarizationURL:   os.Getenv("DIARIZE_URL"),

		NotesGatewayURL: os.Getenv("LLM_GATEWAY_URL"),
		NotesModel:      os.Getenv("LLM_MODEL"),
		NotesAPIKey:     os.Getenv("LLM_API_KEY"),

		MaxUploadBytes: envInt64("MAX_UPLOAD_BYTES", 500*1024*1024),
		ServiceTimeout: envDuration("SERVICE_TIMEOUT", 25*time.Second),

		PipelineBudget: envDuration("PIPELINE_BUDGET", 50*time.Second),

		ProgressTTL:           envDuration("PROGRESS_TTL", time.Hour),
		ProgressSweepInterval: envDuration("PROGRESS_SWEEP_INTERVAL", time.Minute),

		RetryMaxAttempts:    envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoff: envDuration("RETRY_INITIAL_BACKOFF", 2*time.Second),
		RetryMaxBackoff:     envDuration("RETRY_MAX_BACKOFF", 30*time.Second),
		RetryMultiplier:     envFloat("RETRY_MULTIPLIER", 2.0),

		BreakerFailureThreshold:     envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold:     envInt("BREAKER_SUCCESS_THRESHOLD", 2),
		TranscriptionBreakerTimeout: envDuration("TRANSCRIBE_BREAKER_TIMEOUT", 120*time.Second),
		DiarizationBreakerTimeout:   envDuration("DIARIZE_BREAKER_TIMEOUT", 60*time.Second),
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
