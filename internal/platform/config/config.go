package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Server     Server
	Governance Governance
	Redis      RedisConfig
	Postgres   PostgresConfig
	Kafka      KafkaConfig
	RateLimit  RateLimitConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr             string
	Environment      string
	LogLevel         string
	JWTSigningKey    string
	JWTIssuer        string
	JWTAudience      string
	AdminToken       string
	WSAllowedOrigins []string
	ShutdownTimeout  time.Duration
}

// Governance holds the knobs of the governance core.
type Governance struct {
	PolicyPath          string
	CheckpointTTL       time.Duration
	SweepInterval       time.Duration
	DefaultBudget       int64
	DefaultBudgetPeriod string
}

// RedisConfig enables the Redis budget store when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig enables the Postgres checkpoint and audit stores when URL
// is set.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// KafkaConfig enables the audit mirror when Brokers is non-empty.
type KafkaConfig struct {
	Brokers     []string
	AuditTopic  string
	Partitions  int32
	Replication int16
}

// RateLimitConfig caps requests per identity over a sliding window. Reads
// and writes are counted separately.
type RateLimitConfig struct {
	Disabled      bool
	ReadRequests  int
	WriteRequests int
	Window        time.Duration
}

// IsProduction reports whether the process runs with production defaults.
func (s Server) IsProduction() bool {
	return s.Environment == "production"
}

const devSigningKey = "dev-secret-key-change-in-production"

// FromEnv builds the configuration from environment variables so main stays
// lean. Malformed values are reported rather than silently defaulted.
func FromEnv() (Config, error) {
	var p parser
	cfg := Config{
		Server: Server{
			Addr:             p.str("CHENU_ADDR", ":8080"),
			Environment:      p.str("CHENU_ENV", "development"),
			LogLevel:         p.str("LOG_LEVEL", "info"),
			JWTSigningKey:    p.str("JWT_SIGNING_KEY", devSigningKey),
			JWTIssuer:        p.str("JWT_ISSUER", "chenu"),
			JWTAudience:      p.str("JWT_AUDIENCE", "chenu-api"),
			AdminToken:       p.str("ADMIN_API_TOKEN", ""),
			WSAllowedOrigins: p.list("WS_ALLOWED_ORIGINS"),
			ShutdownTimeout:  p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Governance: Governance{
			PolicyPath:          p.str("POLICY_PATH", ""),
			CheckpointTTL:       p.duration("CHECKPOINT_TTL", 15*time.Minute),
			SweepInterval:       p.duration("EXPIRY_SWEEP_INTERVAL", 30*time.Second),
			DefaultBudget:       p.int64Val("DEFAULT_BUDGET", 0),
			DefaultBudgetPeriod: p.str("DEFAULT_BUDGET_PERIOD", "daily"),
		},
		Redis: RedisConfig{
			URL:          p.str("REDIS_URL", ""),
			PoolSize:     p.intVal("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.intVal("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			URL:             p.str("DATABASE_URL", ""),
			MaxOpenConns:    p.intVal("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    p.intVal("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:     p.list("KAFKA_BROKERS"),
			AuditTopic:  p.str("AUDIT_TOPIC", "chenu.audit"),
			Partitions:  int32(p.intVal("AUDIT_TOPIC_PARTITIONS", 1)),
			Replication: int16(p.intVal("AUDIT_TOPIC_REPLICATION", 1)),
		},
		RateLimit: RateLimitConfig{
			Disabled:      p.boolean("RATE_LIMIT_DISABLED", false),
			ReadRequests:  p.intVal("RATE_LIMIT_READ_REQUESTS", 300),
			WriteRequests: p.intVal("RATE_LIMIT_WRITE_REQUESTS", 60),
			Window:        p.duration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.Server.IsProduction() && cfg.Server.JWTSigningKey == devSigningKey {
		return Config{}, fmt.Errorf("JWT_SIGNING_KEY must be set in production")
	}
	if cfg.Governance.DefaultBudget < 0 {
		return Config{}, fmt.Errorf("DEFAULT_BUDGET must be non-negative")
	}
	if cfg.RateLimit.ReadRequests < 1 || cfg.RateLimit.WriteRequests < 1 {
		return Config{}, fmt.Errorf("RATE_LIMIT_READ_REQUESTS and RATE_LIMIT_WRITE_REQUESTS must be positive")
	}
	return cfg, nil
}

// parser keeps the first error so FromEnv reads top to bottom.
type parser struct {
	err error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) intVal(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) int64Val(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	if v <= 0 {
		p.fail(key, raw, fmt.Errorf("must be positive"))
		return def
	}
	return v
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
}
