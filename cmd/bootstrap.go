package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/provider"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/repository"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/service"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/signature"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
	"github.com/vibast-solutions/ms-go-payment-gateway/config"
)

type transactionStore interface {
	Create(ctx context.Context, tx *entity.Transaction) error
	Update(ctx context.Context, tx *entity.Transaction, expectedVersion int64) error
	FindByReference(ctx context.Context, reference string) (*entity.Transaction, error)
	FindByRequestID(ctx context.Context, requestID string) (*entity.Transaction, error)
	ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error)
	ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Transaction, error)
}

type processedEventStore interface {
	CheckAndMark(ctx context.Context, provider, eventID string) (*entity.MarkResult, error)
	Complete(ctx context.Context, provider, eventID, transactionRef string) error
	Release(ctx context.Context, provider, eventID string) error
}

type webhookLogStore interface {
	Create(ctx context.Context, log *entity.WebhookLog) error
}

type stores struct {
	transactions    transactionStore
	processedEvents processedEventStore
	webhookLogs     webhookLogStore
	close           func()
}

func mustCreateGatewayService() (*config.Config, *service.GatewayService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	st, err := openStores(context.Background(), cfg)
	if err != nil {
		logrus.WithError(err).WithField("driver", cfg.Storage.Driver).Fatal("Failed to open storage")
	}

	registry, err := buildProviderRegistry(cfg)
	if err != nil {
		st.close()
		logrus.WithError(err).Fatal("Failed to initialize payment providers")
	}

	gatewayService := service.NewGatewayService(
		st.transactions,
		st.processedEvents,
		st.webhookLogs,
		registry,
		signature.NewVerifier(cfg.Gateway.SignatureTolerance),
		webhookSecrets(cfg),
		cfg.Payments,
		cfg.Gateway,
		cfg.App.APIKey,
	)

	logrus.WithFields(logrus.Fields{
		"driver":    cfg.Storage.Driver,
		"providers": registry.IDs(),
		"default":   registry.Default(),
	}).Info("Gateway service initialized")

	return cfg, gatewayService, st.close
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case config.StorageMySQL:
		db, err := sql.Open("mysql", cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &stores{
			transactions:    repository.NewTransactionRepository(db),
			processedEvents: repository.NewProcessedEventRepository(db),
			webhookLogs:     repository.NewWebhookLogRepository(db),
			close: func() {
				if err := db.Close(); err != nil {
					logrus.WithError(err).Warn("Failed to close database")
				}
			},
		}, nil

	case config.StorageBolt:
		db, err := repository.OpenBolt(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		return &stores{
			transactions:    repository.NewBoltTransactionRepository(db),
			processedEvents: repository.NewBoltProcessedEventRepository(db),
			webhookLogs:     repository.NewBoltWebhookLogRepository(db),
			close: func() {
				if err := db.Close(); err != nil {
					logrus.WithError(err).Warn("Failed to close bolt database")
				}
			},
		}, nil

	case config.StorageDynamoDB:
		dynamoCfg := cfg.Storage.DynamoDB
		client, err := repository.NewDynamoDBClient(ctx, repository.DynamoDBOptions{
			Region:          dynamoCfg.Region,
			Endpoint:        dynamoCfg.Endpoint,
			AccessKeyID:     dynamoCfg.AccessKeyID,
			SecretAccessKey: dynamoCfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return &stores{
			transactions:    repository.NewDynamoTransactionRepository(client, dynamoCfg.TablePrefix),
			processedEvents: repository.NewDynamoProcessedEventRepository(client, dynamoCfg.TablePrefix),
			webhookLogs:     repository.NewDynamoWebhookLogRepository(client, dynamoCfg.TablePrefix),
			close:           func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// buildProviderRegistry registers every provider whose credentials are
// present. The configured default must be one of them.
func buildProviderRegistry(cfg *config.Config) (*provider.Registry, error) {
	env := types.ParseEnvironment(cfg.Gateway.Environment)
	timeout := cfg.Gateway.ProviderHTTPTimeout
	providers := make([]provider.Provider, 0, 4)

	if cfg.ProviderConfigured(string(types.ProviderFlow)) {
		providers = append(providers, provider.NewFlowProvider(provider.FlowConfig{
			APIKey:      cfg.Flow.APIKey,
			SecretKey:   cfg.Flow.SecretKey,
			Environment: env,
			BaseURL:     cfg.Flow.BaseURL,
			HTTPTimeout: timeout,
		}))
	}
	if cfg.ProviderConfigured(string(types.ProviderGlobal66)) {
		providers = append(providers, provider.NewGlobal66Provider(provider.Global66Config{
			APIKey:      cfg.Global66.APIKey,
			Environment: env,
			BaseURL:     cfg.Global66.BaseURL,
			HTTPTimeout: timeout,
		}))
	}
	if cfg.ProviderConfigured(string(types.ProviderPayPal)) {
		providers = append(providers, provider.NewPayPalProvider(provider.PayPalConfig{
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			Environment:  env,
			BaseURL:      cfg.PayPal.BaseURL,
			BrandName:    cfg.PayPal.BrandName,
			HTTPTimeout:  timeout,
		}))
	}
	if cfg.ProviderConfigured(string(types.ProviderMercadoPago)) {
		mp, err := provider.NewMercadoPagoProvider(provider.MercadoPagoConfig{
			AccessToken: cfg.MercadoPago.AccessToken,
			Environment: env,
			HTTPTimeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, mp)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no payment provider is configured")
	}

	registry := provider.NewRegistry(providers...)
	if id, ok := types.ParseProviderID(cfg.Gateway.Provider); ok {
		registry.WithDefault(id)
	}
	return registry, nil
}

func webhookSecrets(cfg *config.Config) map[types.ProviderID]signature.Secret {
	return map[types.ProviderID]signature.Secret{
		types.ProviderFlow:        {Key: cfg.Flow.SecretKey},
		types.ProviderGlobal66:    {Key: cfg.Global66.WebhookToken},
		types.ProviderPayPal:      {WebhookID: cfg.PayPal.WebhookID, CertificatePEM: cfg.PayPal.CertificatePEM},
		types.ProviderMercadoPago: {Key: cfg.MercadoPago.WebhookSecret},
	}
}
