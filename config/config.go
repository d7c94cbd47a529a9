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

const (
	StorageMySQL    = "mysql"
	StorageBolt     = "bolt"
	StorageDynamoDB = "dynamodb"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	GRPC              ServerConfig
	MySQL             MySQLConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	Gateway           GatewayConfig
	Flow              FlowConfig
	Global66          Global66Config
	PayPal            PayPalConfig
	MercadoPago       MercadoPagoConfig
	Storage           StorageConfig
	Payments          PaymentsConfig
	Jobs              JobsConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type GatewayConfig struct {
	Provider            string
	Environment         string
	WebhookBaseURL      string
	SignatureTolerance  time.Duration
	ProviderHTTPTimeout time.Duration
}

type FlowConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
}

type Global66Config struct {
	APIKey       string
	WebhookToken string
	BaseURL      string
}

type PayPalConfig struct {
	ClientID       string
	ClientSecret   string
	WebhookID      string
	CertificatePEM string
	BaseURL        string
	BrandName      string
}

type MercadoPagoConfig struct {
	AccessToken   string
	WebhookSecret string
}

type StorageConfig struct {
	Driver   string
	BoltPath string
	DynamoDB DynamoDBConfig
}

type DynamoDBConfig struct {
	Region          string
	Endpoint        string
	TablePrefix     string
	AccessKeyID     string
	SecretAccessKey string
}

type PaymentsConfig struct {
	CallbackMaxAttempts   int32
	CallbackRetryInterval time.Duration
	CallbackHTTPTimeout   time.Duration
	ReconcileStaleAfter   time.Duration
	JobBatchSize          int32
	HistoryMaxEntries     int
	MaxConflictRetries    int
}

type JobsConfig struct {
	ReconcileInterval        time.Duration
	CallbackDispatchInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	driver := strings.ToLower(getEnv("STORAGE_DRIVER", StorageMySQL))
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if driver == StorageMySQL && mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	certPEM := getEnv("PAYPAL_WEBHOOK_CERT_PEM", "")
	if path := getEnv("PAYPAL_WEBHOOK_CERT_FILE", ""); certPEM == "" && path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read PAYPAL_WEBHOOK_CERT_FILE: %w", err)
		}
		certPEM = string(raw)
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "payment-gateway"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: ServerConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
		},
		Gateway: GatewayConfig{
			Provider:            strings.ToLower(getEnv("PAYMENT_PROVIDER", "flow")),
			Environment:         strings.ToLower(getEnv("PAYMENT_ENVIRONMENT", "sandbox")),
			WebhookBaseURL:      getEnv("PAYMENTS_WEBHOOK_BASE_URL", ""),
			SignatureTolerance:  getSecondsEnv("PAYMENTS_SIGNATURE_TOLERANCE_SECONDS", 5*time.Minute),
			ProviderHTTPTimeout: getSecondsEnv("PAYMENTS_PROVIDER_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Flow: FlowConfig{
			APIKey:    getEnv("FLOW_API_KEY", ""),
			SecretKey: getEnv("FLOW_SECRET_KEY", ""),
			BaseURL:   getEnv("FLOW_BASE_URL", ""),
		},
		Global66: Global66Config{
			APIKey:       getEnv("GLOBAL66_API_KEY", ""),
			WebhookToken: getEnv("GLOBAL66_WEBHOOK_TOKEN", ""),
			BaseURL:      getEnv("GLOBAL66_BASE_URL", ""),
		},
		PayPal: PayPalConfig{
			ClientID:       getEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret:   getEnv("PAYPAL_CLIENT_SECRET", ""),
			WebhookID:      getEnv("PAYPAL_WEBHOOK_ID", ""),
			CertificatePEM: certPEM,
			BaseURL:        getEnv("PAYPAL_BASE_URL", ""),
			BrandName:      getEnv("PAYPAL_BRAND_NAME", ""),
		},
		MercadoPago: MercadoPagoConfig{
			AccessToken:   getEnv("MERCADOPAGO_ACCESS_TOKEN", ""),
			WebhookSecret: getEnv("MERCADOPAGO_WEBHOOK_SECRET", ""),
		},
		Storage: StorageConfig{
			Driver:   driver,
			BoltPath: getEnv("BOLT_PATH", "payment-gateway.db"),
			DynamoDB: DynamoDBConfig{
				Region:          getEnv("DYNAMODB_REGION", "us-east-1"),
				Endpoint:        getEnv("DYNAMODB_ENDPOINT", ""),
				TablePrefix:     getEnv("DYNAMODB_TABLE_PREFIX", "payment_gateway_"),
				AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			},
		},
		Payments: PaymentsConfig{
			CallbackMaxAttempts:   int32(getIntEnv("PAYMENTS_CALLBACK_MAX_ATTEMPTS", 10)),
			CallbackRetryInterval: getMinutesEnv("PAYMENTS_CALLBACK_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			CallbackHTTPTimeout:   getSecondsEnv("PAYMENTS_CALLBACK_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			ReconcileStaleAfter:   getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			JobBatchSize:          int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
			HistoryMaxEntries:     getIntEnv("TRANSACTIONS_HISTORY_MAX_ENTRIES", 100),
			MaxConflictRetries:    getIntEnv("TRANSACTIONS_MAX_CONFLICT_RETRIES", 3),
		},
		Jobs: JobsConfig{
			ReconcileInterval:        getMinutesEnv("PAYMENTS_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
			CallbackDispatchInterval: getMinutesEnv("PAYMENTS_CALLBACK_DISPATCH_INTERVAL_MINUTES", time.Minute),
		},
	}, nil
}

// Validate checks that the selected provider and storage backend can work.
func (c *Config) Validate() error {
	if !c.ProviderConfigured(c.Gateway.Provider) {
		return fmt.Errorf("payment provider %q is not configured", c.Gateway.Provider)
	}

	switch c.Gateway.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("PAYMENT_ENVIRONMENT must be sandbox or production, got %q", c.Gateway.Environment)
	}

	switch c.Storage.Driver {
	case StorageMySQL:
		if c.MySQL.DSN == "" {
			return errors.New("MYSQL_DSN is required for the mysql storage driver")
		}
	case StorageBolt:
		if c.Storage.BoltPath == "" {
			return errors.New("BOLT_PATH is required for the bolt storage driver")
		}
	case StorageDynamoDB:
		if c.Storage.DynamoDB.Region == "" {
			return errors.New("DYNAMODB_REGION is required for the dynamodb storage driver")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.Storage.Driver)
	}

	return nil
}

// ProviderConfigured reports whether both API and webhook credentials for
// provider are present.
func (c *Config) ProviderConfigured(provider string) bool {
	switch provider {
	case "flow":
		return c.Flow.APIKey != "" && c.Flow.SecretKey != ""
	case "global66":
		return c.Global66.APIKey != "" && c.Global66.WebhookToken != ""
	case "paypal":
		return c.PayPal.ClientID != "" && c.PayPal.ClientSecret != "" && c.PayPal.WebhookID != "" && c.PayPal.CertificatePEM != ""
	case "mercadopago":
		return c.MercadoPago.AccessToken != "" && c.MercadoPago.WebhookSecret != ""
	default:
		return false
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
