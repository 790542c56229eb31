package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret     string
	AdminEmail    string
	AdminPassword string

	// Upstream pricing API
	PricingBaseURL string
	PricingAPIKey  string

	// Sync engine tuning
	BatchSize        int
	TimeBudget       time.Duration
	InterBatchDelay  time.Duration
	RateLimit        int
	RateWindow       time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MaxRetries       int
	StalenessWindow  time.Duration
	StuckJobMax      time.Duration
	MaxBatchesPerRun int

	// Cron spec for scheduled enqueue. Empty disables the scheduler.
	SyncCronSpec string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",

		JWTSecret:     mustGetenv("JWT_SECRET"),
		AdminEmail:    getenv("ADMIN_EMAIL", ""),
		AdminPassword: getenv("ADMIN_PASSWORD", ""),

		PricingBaseURL: mustGetenv("PRICING_BASE_URL"),
		PricingAPIKey:  getenv("PRICING_API_KEY", ""),

		BatchSize:        getenvInt("SYNC_BATCH_SIZE", 20),
		TimeBudget:       getenvDuration("SYNC_TIME_BUDGET", 8*time.Minute),
		InterBatchDelay:  getenvDuration("SYNC_INTER_BATCH_DELAY", 500*time.Millisecond),
		RateLimit:        getenvInt("SYNC_RATE_LIMIT", 30),
		RateWindow:       getenvDuration("SYNC_RATE_WINDOW", time.Minute),
		FailureThreshold: getenvInt("SYNC_FAILURE_THRESHOLD", 3),
		RecoveryTimeout:  getenvDuration("SYNC_RECOVERY_TIMEOUT", 5*time.Minute),
		MaxRetries:       getenvInt("SYNC_MAX_RETRIES", 3),
		StalenessWindow:  getenvDuration("SYNC_STALENESS_WINDOW", time.Hour),
		StuckJobMax:      getenvDuration("SYNC_STUCK_JOB_MAX", 60*time.Minute),
		MaxBatchesPerRun: getenvInt("SYNC_MAX_BATCHES_PER_RUN", 200),

		SyncCronSpec: getenv("SYNC_CRON_SPEC", ""),
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
