package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment (and .env when present).
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Inventory InventoryConfig
	Bus       BusConfig
	Push      PushConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port            string
	AllowedOrigins  string
	JWTSecret       string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

type DBConfig struct {
	// URL is empty when the in-memory store should be used.
	URL         string
	MaxConns    int32
	LockTimeout time.Duration
}

// InventoryConfig holds the mutation policy knobs of the core services.
type InventoryConfig struct {
	DefaultMethod        string
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	ExpirySweepInterval  time.Duration
	AlertSuppression     time.Duration
	// CountShrinksReservations lets a physical count below the reserved quantity
	// release the newest active reservations instead of failing.
	CountShrinksReservations bool
	ReservationTTL           time.Duration
}

type BusConfig struct {
	QueueSize int
}

type PushConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	SendQueue       int
	MaxMessageBytes int64
	RateLimit       float64
	RateBurst       int
}

type TelemetryConfig struct {
	Env          string
	LogLevel     string
	ServiceName  string
	OTLPEndpoint string
}

// Load reads .env (if any) and the environment into a Config and validates it.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env files.
func FromEnv() (Config, error) {
	var errs []string
	p := parser{errs: &errs}

	cfg := Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			AllowedOrigins:  getEnv("ALLOWED_ORIGINS", ""),
			JWTSecret:       getEnv("JWT_SECRET", ""),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
			MaxBodyBytes:    int64(p.int("SERVER_MAX_BODY_BYTES", 1<<20)),
		},
		DB: DBConfig{
			URL:         getEnv("DATABASE_URL", ""),
			MaxConns:    int32(p.int("DB_MAX_CONNS", 20)),
			LockTimeout: p.duration("DB_LOCK_TIMEOUT", 5*time.Second),
		},
		Inventory: InventoryConfig{
			DefaultMethod:            strings.ToUpper(getEnv("INVENTORY_DEFAULT_METHOD", "FIFO")),
			RetryMaxAttempts:         p.int("INVENTORY_RETRY_MAX_ATTEMPTS", 4),
			RetryInitialInterval:     p.duration("INVENTORY_RETRY_INITIAL", 20*time.Millisecond),
			RetryMaxInterval:         p.duration("INVENTORY_RETRY_MAX_INTERVAL", 500*time.Millisecond),
			ExpirySweepInterval:      p.duration("INVENTORY_EXPIRY_SWEEP", time.Minute),
			AlertSuppression:         p.duration("INVENTORY_ALERT_SUPPRESSION", time.Hour),
			CountShrinksReservations: p.bool("INVENTORY_COUNT_SHRINKS_RESERVATIONS", false),
			ReservationTTL:           p.duration("INVENTORY_RESERVATION_TTL", 0),
		},
		Bus: BusConfig{
			QueueSize: p.int("BUS_QUEUE_SIZE", 256),
		},
		Push: PushConfig{
			PingInterval:    p.duration("PUSH_PING_INTERVAL", 30*time.Second),
			PongWait:        p.duration("PUSH_PONG_WAIT", 60*time.Second),
			WriteTimeout:    p.duration("PUSH_WRITE_TIMEOUT", 10*time.Second),
			SendQueue:       p.int("PUSH_SEND_QUEUE", 64),
			MaxMessageBytes: int64(p.int("PUSH_MAX_MESSAGE_BYTES", 4096)),
			RateLimit:       p.float("PUSH_RATE_LIMIT", 10),
			RateBurst:       p.int("PUSH_RATE_BURST", 20),
		},
		Telemetry: TelemetryConfig{
			Env:          getEnv("APP_ENV", "production"),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "inventory-core"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	switch c.Inventory.DefaultMethod {
	case "FIFO", "LIFO", "AVERAGE":
	default:
		return fmt.Errorf("INVENTORY_DEFAULT_METHOD must be FIFO, LIFO or AVERAGE, got %q", c.Inventory.DefaultMethod)
	}
	if c.Inventory.RetryMaxAttempts < 1 {
		return fmt.Errorf("INVENTORY_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Inventory.ExpirySweepInterval <= 0 {
		return fmt.Errorf("INVENTORY_EXPIRY_SWEEP must be positive")
	}
	if c.Bus.QueueSize < 2 {
		return fmt.Errorf("BUS_QUEUE_SIZE must be at least 2")
	}
	if c.Push.PongWait <= c.Push.PingInterval {
		return fmt.Errorf("PUSH_PONG_WAIT (%s) must exceed PUSH_PING_INTERVAL (%s)", c.Push.PongWait, c.Push.PingInterval)
	}
	if c.Push.SendQueue < 1 {
		return fmt.Errorf("PUSH_SEND_QUEUE must be at least 1")
	}
	if c.DB.LockTimeout <= 0 {
		return fmt.Errorf("DB_LOCK_TIMEOUT must be positive")
	}
	return nil
}

// Development reports whether APP_ENV selects development defaults (console logs).
func (c Config) Development() bool {
	return c.Telemetry.Env == "development" || c.Telemetry.Env == "dev"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// parser collects conversion errors so Load reports every bad variable at once.
type parser struct {
	errs *[]string
}

func (p parser) int(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return v
}

func (p parser) float(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return v
}

func (p parser) bool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return v
}

func (p parser) duration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Sprintf("%s: %v", key, err))
		return fallback
	}
	return v
}
