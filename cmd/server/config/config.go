package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects which saga components a process runs.
type Role string

const (
	RoleAll               Role = "all"
	RoleOrder             Role = "order"
	RoleOrchestrator      Role = "orchestrator"
	RoleProductValidation Role = "product-validation"
	RoleInventory         Role = "inventory"
	RolePayment           Role = "payment"
)

var roles = []Role{RoleAll, RoleOrder, RoleOrchestrator, RoleProductValidation, RoleInventory, RolePayment}

// Runs reports whether a process configured with r should start component.
func (r Role) Runs(component Role) bool {
	return r == RoleAll || r == component
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Role        Role
	Env         string
	HTTPAddr    string
	GRPCAddr    string
	LogLevel    string
	LogFormat   string
	DatabaseURL string
	Seed        []SeedProduct
}

// SeedProduct is one catalog entry loaded at startup.
type SeedProduct struct {
	Code  string
	Stock int
}

// KafkaConfig holds broker settings. Empty Brokers selects the in-process bus.
type KafkaConfig struct {
	Brokers     []string
	GroupID     string
	Concurrency int
	Partitions  int
	Replication int
}

// Enabled reports whether a Kafka cluster is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	LedgerTTL          time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// Enabled reports whether a Redis ledger is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ParticipantConfig holds step runner settings.
type ParticipantConfig struct {
	StepTimeout time.Duration
}

// ReliabilityConfig tunes the retrying publisher.
type ReliabilityConfig struct {
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	BreakerFailures   int
	BreakerReset      time.Duration
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// LoadApp reads process settings from env.
func LoadApp() (AppConfig, error) {
	cfg := AppConfig{
		Env:         strings.TrimSpace(os.Getenv("APP_ENV")),
		HTTPAddr:    stringOr("HTTP_ADDR", ":8080"),
		GRPCAddr:    stringOr("GRPC_ADDR", ":50051"),
		LogLevel:    stringOr("LOG_LEVEL", "info"),
		LogFormat:   stringOr("LOG_FORMAT", "text"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	role := Role(strings.ToLower(stringOr("SAGA_ROLE", string(RoleAll))))
	if !knownRole(role) {
		return cfg, fmt.Errorf("SAGA_ROLE: unknown role %q", role)
	}
	cfg.Role = role

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return cfg, fmt.Errorf("LOG_FORMAT: must be text or json, got %q", cfg.LogFormat)
	}

	seed, err := parseSeed(os.Getenv("SEED_CATALOG"))
	if err != nil {
		return cfg, err
	}
	cfg.Seed = seed
	return cfg, nil
}

// LoadKafka reads broker settings from env.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{
		Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
		GroupID: stringOr("KAFKA_GROUP_ID", "order-saga"),
	}
	var err error
	if cfg.Concurrency, err = intOr("KAFKA_CONCURRENCY", 1); err != nil {
		return cfg, err
	}
	if cfg.Concurrency == 0 {
		return cfg, errors.New("KAFKA_CONCURRENCY must be > 0")
	}
	if cfg.Partitions, err = intOr("KAFKA_PARTITIONS", 1); err != nil {
		return cfg, err
	}
	if cfg.Replication, err = intOr("KAFKA_REPLICATION", 1); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env. An empty REDIS_URL disables Redis
// and skips the remaining settings.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{URL: strings.TrimSpace(os.Getenv("REDIS_URL"))}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.LedgerTTL, err = durationOr("REDIS_LEDGER_TTL", 0); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadParticipant reads step runner settings from env.
func LoadParticipant() (ParticipantConfig, error) {
	timeout, err := durationOr("STEP_TIMEOUT", 5*time.Second)
	if err != nil {
		return ParticipantConfig{}, err
	}
	return ParticipantConfig{StepTimeout: timeout}, nil
}

// LoadReliability reads publisher retry, breaker and rate limit settings from env.
func LoadReliability() (ReliabilityConfig, error) {
	var (
		cfg ReliabilityConfig
		err error
	)
	if cfg.RetryAttempts, err = intOr("PUBLISH_RETRY_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOr("PUBLISH_RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOr("PUBLISH_RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailures, err = intOr("PUBLISH_BREAKER_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerReset, err = durationOr("PUBLISH_BREAKER_RESET", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOr("PUBLISH_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("PUBLISH_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadObservability reads the metrics HTTP server address from env. An empty
// OBS_ADDR serves metrics on the API server instead.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{Addr: strings.TrimSpace(os.Getenv("OBS_ADDR"))}, nil
}

func knownRole(role Role) bool {
	for _, known := range roles {
		if role == known {
			return true
		}
	}
	return false
}

// parseSeed reads "CODE:stock" entries separated by commas.
func parseSeed(raw string) ([]SeedProduct, error) {
	var out []SeedProduct
	for _, entry := range splitList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("SEED_CATALOG: malformed entry %q", entry)
		}
		stock, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || stock < 0 {
			return nil, fmt.Errorf("SEED_CATALOG: invalid stock in %q", entry)
		}
		out = append(out, SeedProduct{Code: strings.TrimSpace(parts[0]), Stock: stock})
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intOr(name string, fallback int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
