package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config reúne toda a configuração do serviço
type Config struct {
	Env      string
	LogLevel string

	HTTP       HTTPConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Telemetry  TelemetryConfig
	Auth       AuthConfig
	Fees       FeesConfig
	Provider   ProviderConfig
	Firebase   FirebaseConfig
	Reconciler ReconcilerConfig

	Currency        string
	PlatformAccount string
}

type HTTPConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64
	RateBurst       int
}

// DatabaseConfig: Driver é postgres, mysql ou memory
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectAttempts int
}

// DSN monta a string de conexão para o driver configurado
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Name)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
	}
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type TelemetryConfig struct {
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
	Insecure       bool
}

type AuthConfig struct {
	JWTSecret string
}

// FeesConfig guarda as taxas em pontos-base (500 = 5%)
type FeesConfig struct {
	PlatformFeeBps int64
	CashbackBps    int64
}

// ProviderConfig: Name é http ou midtrans
type ProviderConfig struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	MaxTries      uint
	MaxElapsed    time.Duration
	// PublicKey é a chave publicável do PSP entregue ao frontend.
	PublicKey string

	MidtransServerKey   string
	MidtransClientKey   string
	MidtransIrisKey     string
	MidtransMerchantKey string
	MidtransProduction  bool
}

// ClientKey é a chave que o frontend usa para abrir o checkout do provedor
func (p ProviderConfig) ClientKey() string {
	if p.Name == "midtrans" {
		return p.MidtransClientKey
	}
	return p.PublicKey
}

type FirebaseConfig struct {
	CredentialsFile string
}

type ReconcilerConfig struct {
	Enabled   bool
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	Workers   int
}

// Load lê o .env (se existir) e as variáveis de ambiente
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	p := parser{errs: &errs}

	cfg := &Config{
		Env:      getEnv("APP_ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", ""),
		HTTP: HTTPConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     p.asDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    p.asDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     p.asDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: p.asDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RateLimit:       p.asFloat("RATE_LIMIT_RPS", 10),
			RateBurst:       p.asInt("RATE_LIMIT_BURST", 20),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Name:            getEnv("DB_NAME", "wallet"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        int32(p.asInt("DB_MAX_CONNS", 25)),
			MinConns:        int32(p.asInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime: p.asDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: p.asDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			ConnectAttempts: p.asInt("DB_CONNECT_ATTEMPTS", 30),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", ""),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             p.asInt("REDIS_DB", 0),
			IdempotencyTTL: p.asDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: getList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "wallet.ledger"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "wallet-escrow"),
			ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
			Insecure:       p.asBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Fees: FeesConfig{
			PlatformFeeBps: int64(p.asInt("PLATFORM_FEE_BPS", 500)),
			CashbackBps:    int64(p.asInt("CASHBACK_BPS", 200)),
		},
		Provider: ProviderConfig{
			Name:                getEnv("PAYMENT_PROVIDER", "http"),
			BaseURL:             getEnv("PROVIDER_BASE_URL", "http://localhost:9090"),
			APIKey:              getEnv("PROVIDER_API_KEY", ""),
			WebhookSecret:       getEnv("PROVIDER_WEBHOOK_SECRET", ""),
			Timeout:             p.asDuration("PROVIDER_TIMEOUT", 5*time.Second),
			MaxTries:            uint(p.asInt("PROVIDER_MAX_TRIES", 4)),
			MaxElapsed:          p.asDuration("PROVIDER_MAX_ELAPSED", 10*time.Second),
			PublicKey:           getEnv("PROVIDER_PUBLIC_KEY", ""),
			MidtransServerKey:   getEnv("MIDTRANS_SERVER_KEY", ""),
			MidtransClientKey:   getEnv("MIDTRANS_CLIENT_KEY", ""),
			MidtransIrisKey:     getEnv("MIDTRANS_IRIS_KEY", ""),
			MidtransMerchantKey: getEnv("MIDTRANS_MERCHANT_KEY", ""),
			MidtransProduction:  p.asBool("MIDTRANS_PRODUCTION", false),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Reconciler: ReconcilerConfig{
			Enabled:   p.asBool("RECONCILER_ENABLED", true),
			Interval:  p.asDuration("RECONCILER_INTERVAL", time.Minute),
			MinAge:    p.asDuration("RECONCILER_MIN_AGE", 5*time.Minute),
			BatchSize: p.asInt("RECONCILER_BATCH_SIZE", 100),
			Workers:   p.asInt("RECONCILER_WORKERS", 4),
		},
		Currency:        getEnv("WALLET_CURRENCY", "BRL"),
		PlatformAccount: getEnv("PLATFORM_ACCOUNT_ID", "platform"),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate confere combinações que não dependem de parsing
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres, mysql or memory, got %q", c.Database.Driver)
	}
	switch c.Provider.Name {
	case "http":
		if c.Provider.WebhookSecret == "" {
			return errors.New("PROVIDER_WEBHOOK_SECRET is required for the http provider")
		}
	case "midtrans":
		if c.Provider.MidtransServerKey == "" {
			return errors.New("MIDTRANS_SERVER_KEY is required for the midtrans provider")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be http or midtrans, got %q", c.Provider.Name)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Fees.PlatformFeeBps < 0 || c.Fees.PlatformFeeBps >= 10000 || c.Fees.CashbackBps < 0 || c.Fees.CashbackBps >= 10000 {
		return errors.New("fee and cashback basis points must be in [0, 10000)")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser acumula erros de conversão para reportar todos de uma vez
type parser struct {
	errs *[]error
}

func (p parser) asInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func (p parser) asFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

func (p parser) asBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func (p parser) asDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
