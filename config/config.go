package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted by PRESENCE_STORE.
const (
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
	StoreMemory    = "memory"
)

type Config struct {
	Port             string
	BaseURL          string
	CORSAllowOrigins []string
	JWTSecret        string
	AdminPINHash     string

	// Backing store
	StoreDriver             string
	AppDatabaseURL          string
	FirebaseProjectID       string
	FirebaseCredentialsFile string
	PresenceCollection      string

	// Tracking loop
	HeartbeatInterval    time.Duration
	WatchMaxCacheAge     time.Duration
	LocationTimeout      time.Duration
	LocationHighAccuracy bool
	ConsentPromptDelay   time.Duration
	WriteTimeout         time.Duration
	TrackRoles           []string // roles allowed on /api/track, empty allows any

	// Monitoring
	StaleAfter        time.Duration
	SweeperInterval   time.Duration
	MonitorRetryDelay time.Duration
	MapAPIKey         string

	// Rate limiter
	RateLimitPerSecond int
	RateLimitBurst     int
	RateLimitWindow    time.Duration

	// Agent
	AgentDBPath         string
	GPSDAddr            string
	SessionPollInterval time.Duration
}

// Load reads the configuration from the environment. Call godotenv.Load
// before this if a .env file should be honoured.
func Load() *Config {
	heartbeat := getEnvAsDuration("HEARTBEAT_INTERVAL", 45*time.Second)

	cfg := &Config{
		Port:         getEnv("PORT", "2121"),
		BaseURL:      getEnv("BASEURL", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		AdminPINHash: getEnv("ADMIN_PIN_HASH", ""),

		StoreDriver:             strings.ToLower(getEnv("PRESENCE_STORE", StoreFirestore)),
		AppDatabaseURL:          getEnv("APP_DATABASE_URL", ""),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		PresenceCollection:      getEnv("PRESENCE_COLLECTION", "presence"),

		HeartbeatInterval:    heartbeat,
		WatchMaxCacheAge:     getEnvAsDuration("WATCH_MAX_CACHE_AGE", 30*time.Second),
		LocationTimeout:      getEnvAsDuration("LOCATION_TIMEOUT", 15*time.Second),
		LocationHighAccuracy: getEnvAsBool("LOCATION_HIGH_ACCURACY", true),
		ConsentPromptDelay:   getEnvAsDuration("CONSENT_PROMPT_DELAY", 2*time.Second),
		WriteTimeout:         getEnvAsDuration("PRESENCE_WRITE_TIMEOUT", 10*time.Second),

		StaleAfter:        getEnvAsDuration("PRESENCE_STALE_AFTER", 3*heartbeat),
		SweeperInterval:   getEnvAsDuration("SWEEPER_INTERVAL", time.Minute),
		MonitorRetryDelay: getEnvAsDuration("MONITOR_RETRY_DELAY", 5*time.Second),
		MapAPIKey:         getEnv("MAP_API_KEY", ""),

		RateLimitPerSecond: getEnvAsInt("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 10),
		RateLimitWindow:    time.Duration(getEnvAsInt("RATE_LIMIT_WINDOW_MINUTES", 3)) * time.Minute,

		AgentDBPath:         getEnv("AGENT_DB_PATH", "agent.db"),
		GPSDAddr:            getEnv("GPSD_ADDR", "127.0.0.1:2947"),
		SessionPollInterval: getEnvAsDuration("SESSION_POLL_INTERVAL", 2*time.Second),
	}

	cfg.CORSAllowOrigins = getEnvAsList("CORS_ALLOW_ORIGINS")
	cfg.TrackRoles = getEnvAsList("TRACK_ROLES")

	return cfg
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("45s") or plain seconds ("45").
// A zero value is honoured so intervals can be disabled explicitly.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
