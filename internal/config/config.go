package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	AuthJWTSecret string
	CronSecret    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Dispatcher  DispatcherConfig
	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Checkers    CheckerConfig
	MetricsPush MetricsPushConfig

	CreditCostsPath string
}

// DispatcherConfig controls cron dispatcher budgets and batch sizes.
type DispatcherConfig struct {
	TimeBudget          time.Duration
	ItemTimeout         time.Duration
	ClaimBatchSize      int
	StaleRunThreshold   time.Duration
	LocalInterval       time.Duration
	LocalDriverEnabled  bool
	EnabledJobs         []string
	LockTTL             time.Duration
	ReconcileBatchSize  int
	FinalizeSweepLimit  int
	StaleRunReportLimit int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled        bool
	RunCreateRate  float64
	RunCreateBurst int
}

type CheckerConfig struct {
	RankURL    string
	LLMURL     string
	ConceptURL string
	APIKey     string
	Timeout    time.Duration
}

// MetricsPushConfig sends dispatcher metrics out after each invocation, for
// deployments where nothing scrapes a short-lived cron process.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "promptreviews"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		CronSecret:    strings.TrimSpace(getenv("CRON_SECRET", "")),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Dispatcher: DispatcherConfig{
			TimeBudget:          getenvDuration("DISPATCHER_TIME_BUDGET", 4*time.Minute),
			ItemTimeout:         getenvDuration("DISPATCHER_ITEM_TIMEOUT", 30*time.Second),
			ClaimBatchSize:      getenvInt("DISPATCHER_CLAIM_BATCH_SIZE", 25),
			StaleRunThreshold:   getenvDuration("DISPATCHER_STALE_RUN_THRESHOLD", 6*time.Hour),
			LocalInterval:       getenvDuration("DISPATCHER_LOCAL_INTERVAL", time.Hour),
			LocalDriverEnabled:  getenvBool("DISPATCHER_LOCAL_DRIVER", false),
			EnabledJobs:         parseList(getenv("DISPATCHER_ENABLED_JOBS", "")),
			LockTTL:             getenvDuration("DISPATCHER_LOCK_TTL", 10*time.Minute),
			ReconcileBatchSize:  getenvInt("DISPATCHER_RECONCILE_BATCH_SIZE", 200),
			FinalizeSweepLimit:  getenvInt("DISPATCHER_FINALIZE_SWEEP_LIMIT", 100),
			StaleRunReportLimit: getenvInt("DISPATCHER_STALE_RUN_REPORT_LIMIT", 100),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			RunCreateRate:  getenvFloat("RATE_LIMIT_RUN_CREATE_RATE", 1),
			RunCreateBurst: getenvInt("RATE_LIMIT_RUN_CREATE_BURST", 10),
		},
		Checkers: CheckerConfig{
			RankURL:    strings.TrimSpace(getenv("CHECKER_RANK_URL", "")),
			LLMURL:     strings.TrimSpace(getenv("CHECKER_LLM_URL", "")),
			ConceptURL: strings.TrimSpace(getenv("CHECKER_CONCEPT_URL", "")),
			APIKey:     strings.TrimSpace(getenv("CHECKER_API_KEY", "")),
			Timeout:    getenvDuration("CHECKER_HTTP_TIMEOUT", 25*time.Second),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
		CreditCostsPath: strings.TrimSpace(getenv("CREDIT_COSTS_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s", "4m") or plain seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
