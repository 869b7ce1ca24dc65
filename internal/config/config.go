package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	// StoreBackend is one of memory, sqlite, postgres, mysql.
	StoreBackend string
	DatabaseURL  string

	JWTSecret        string
	EncryptKey       string
	LegacyFernetKeys []string

	CORSOrigins []string
	Debug       bool

	RoutingFile         string
	RoutingPollInterval time.Duration
	PresenceTTL         time.Duration
	PresenceSweep       time.Duration

	AMQPURL            string
	AMQPEventsExchange string
	AMQPSendExchange   string
	AMQPInboundQueue   string
	AMQPReceiptQueue   string

	OTLPEndpoint string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppName: getEnv("APP_NAME", "omnirouter"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),

		JWTSecret:  os.Getenv("JWT_SECRET"),
		EncryptKey: os.Getenv("ENCRYPTION_KEY"),

		Debug: getEnvAsBool("DEBUG", false),

		RoutingFile:         getEnv("ROUTING_CONFIG", "conf/routing.ini"),
		RoutingPollInterval: time.Duration(getEnvAsInt("ROUTING_POLL_SECONDS", 60)) * time.Second,
		PresenceTTL:         time.Duration(getEnvAsInt("PRESENCE_TTL_SECONDS", 90)) * time.Second,
		PresenceSweep:       time.Duration(getEnvAsInt("PRESENCE_SWEEP_SECONDS", 15)) * time.Second,

		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPEventsExchange: getEnv("AMQP_EVENTS_EXCHANGE", "routing.events"),
		AMQPSendExchange:   getEnv("AMQP_SEND_EXCHANGE", "chat.delivery"),
		AMQPInboundQueue:   getEnv("AMQP_INBOUND_QUEUE", "chat.inbound"),
		AMQPReceiptQueue:   getEnv("AMQP_RECEIPT_QUEUE", "chat.receipts"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	switch cfg.StoreBackend {
	case "memory":
	case "sqlite":
		cfg.DatabaseURL = getEnv("SQLITE_PATH", "omnirouter.db")
	case "postgres":
		cfg.DatabaseURL = postgresURL()
	case "mysql":
		cfg.DatabaseURL = getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/omnirouter")
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	cfg.CORSOrigins = splitList(getEnv("CORS_ORIGINS", ""))
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	cfg.LegacyFernetKeys = splitList(os.Getenv("LEGACY_FERNET_KEYS"))

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func postgresURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "omnirouter")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
