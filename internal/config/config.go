package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	// Database. When DBHost is empty the server falls back to a local
	// sqlite file, which is also what the tests use.
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	// Timezone used for the calendar-day execution quota.
	Timezone string

	// Dispatcher knobs.
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration
	HandlerTimeout      time.Duration

	// Dedup claims left behind by a crashed dispatch expire after this.
	ClaimTTL time.Duration

	// How long the rule store may serve cached candidate rules.
	RuleCacheTTL time.Duration

	// Base URL of the CRM backend that owns tasks, notes and calendar
	// entries. The built-in handlers POST to it.
	CRMBaseURL string

	// Outbound messaging platform API.
	MessagingAPIURL string
	MessagingToken  string

	VerifyToken string
}

func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: Error loading .env file")
	}

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBHost:              getEnv("DB_HOST", ""),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "postgres"),
		DBPassword:          getEnv("DB_PASSWORD", ""),
		DBName:              getEnv("DB_NAME", "crm_automation"),
		DBSSLMode:           getEnv("DB_SSLMODE", "disable"),
		SQLitePath:          getEnv("SQLITE_PATH", "./crm-automation.db"),
		Timezone:            getEnv("TIMEZONE", "UTC"),
		DispatchMaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBackoff:     getEnvMillis("DISPATCH_BACKOFF_MS", 250*time.Millisecond),
		HandlerTimeout:      getEnvSeconds("HANDLER_TIMEOUT_SECONDS", 30*time.Second),
		ClaimTTL:            getEnvMinutes("CLAIM_TTL_MINUTES", 10*time.Minute),
		RuleCacheTTL:        getEnvSeconds("RULE_CACHE_TTL_SECONDS", 5*time.Second),
		CRMBaseURL:          getEnv("CRM_BASE_URL", "http://localhost:3000"),
		MessagingAPIURL:     getEnv("MESSAGING_API_URL", ""),
		MessagingToken:      getEnv("MESSAGING_TOKEN", ""),
		VerifyToken:         getEnv("VERIFY_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvMinutes(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Minute
		}
	}
	return fallback
}
