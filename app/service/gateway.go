package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/factory"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/provider"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/reconciler"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/repository"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/signature"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
	"github.com/vibast-solutions/ms-go-payment-gateway/config"
)

const (
	defaultBatchSize          = int32(100)
	defaultMaxConflictRetries = 3
)

type transactionRepository interface {
	Create(ctx context.Context, tx *entity.Transaction) error
	Update(ctx context.Context, tx *entity.Transaction, expectedVersion int64) error
	FindByReference(ctx context.Context, reference string) (*entity.Transaction, error)
	FindByRequestID(ctx context.Context, requestID string) (*entity.Transaction, error)
	ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error)
	ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Transaction, error)
}

type idempotencyStore interface {
	CheckAndMark(ctx context.Context, provider, eventID string) (*entity.MarkResult, error)
	Complete(ctx context.Context, provider, eventID, transactionRef string) error
	Release(ctx context.Context, provider, eventID string) error
}

type webhookLogRepository interface {
	Create(ctx context.Context, log *entity.WebhookLog) error
}

type webhookVerifier interface {
	Verify(provider types.ProviderID, payload []byte, headers http.Header, secret signature.Secret) (*signature.Verified, error)
}

type GatewayService struct {
	txRepo         transactionRepository
	idempotency    idempotencyStore
	webhookLogs    webhookLogRepository
	providerReg    *provider.Registry
	verifier       webhookVerifier
	secrets        map[types.ProviderID]signature.Secret
	reconciler     *reconciler.Reconciler
	paymentsCfg    config.PaymentsConfig
	webhookBaseURL string
	appAPIKey      string
	callbackHTTP   *http.Client
	logger         logrus.FieldLogger
	now            func() time.Time
}

func NewGatewayService(
	txRepo transactionRepository,
	idempotency idempotencyStore,
	webhookLogs webhookLogRepository,
	providerReg *provider.Registry,
	verifier webhookVerifier,
	secrets map[types.ProviderID]signature.Secret,
	paymentsCfg config.PaymentsConfig,
	gatewayCfg config.GatewayConfig,
	appAPIKey string,
) *GatewayService {
	timeout := paymentsCfg.CallbackHTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if secrets == nil {
		secrets = map[types.ProviderID]signature.Secret{}
	}

	return &GatewayService{
		txRepo:         txRepo,
		idempotency:    idempotency,
		webhookLogs:    webhookLogs,
		providerReg:    providerReg,
		verifier:       verifier,
		secrets:        secrets,
		reconciler:     reconciler.New(paymentsCfg.HistoryMaxEntries),
		paymentsCfg:    paymentsCfg,
		webhookBaseURL: strings.TrimRight(strings.TrimSpace(gatewayCfg.WebhookBaseURL), "/"),
		appAPIKey:      strings.TrimSpace(appAPIKey),
		callbackHTTP:   &http.Client{Timeout: timeout},
		logger:         factory.NewModuleLogger("gateway-service"),
		now:            time.Now,
	}
}

// WithClock replaces the time source used for timestamps and job cutoffs.
func (s *GatewayService) WithClock(now func() time.Time) *GatewayService {
	s.now = now
	return s
}

func (s *GatewayService) CreatePayment(ctx context.Context, req *types.CreatePaymentRequest) (*entity.Transaction, error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return s.createTransaction(ctx, req, types.KindPayment, func(adapter provider.Provider, base provider.PaymentRequest) (*provider.SubscriptionLink, error) {
		link, err := adapter.CreatePayment(ctx, &base)
		if err != nil {
			return nil, err
		}
		return &provider.SubscriptionLink{PaymentLink: *link}, nil
	})
}

func (s *GatewayService) CreateSubscription(ctx context.Context, req *types.CreateSubscriptionRequest) (*entity.Transaction, error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return s.createTransaction(ctx, &req.CreatePaymentRequest, types.KindSubscription, func(adapter provider.Provider, base provider.PaymentRequest) (*provider.SubscriptionLink, error) {
		return adapter.CreateSubscription(ctx, &provider.SubscriptionRequest{
			PaymentRequest: base,
			Period:         types.Period(req.Period),
			MaxCharges:     req.MaxCharges,
		})
	})
}

func (s *GatewayService) createTransaction(
	ctx context.Context,
	req *types.CreatePaymentRequest,
	kind types.TransactionKind,
	create func(adapter provider.Provider, base provider.PaymentRequest) (*provider.SubscriptionLink, error),
) (*entity.Transaction, error) {
	requestID := strings.TrimSpace(req.RequestID)
	if requestID != "" {
		existing, err := s.txRepo.FindByRequestID(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	adapter, err := s.providerReg.Resolve(req.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	reference := uuid.NewString()
	notificationURL := strings.TrimSpace(req.NotificationURL)
	if notificationURL == "" && s.webhookBaseURL != "" {
		notificationURL = s.webhookBaseURL + "/" + string(adapter.ID())
	}
	metadata := cloneMetadata(req.Metadata)

	link, err := create(adapter, provider.PaymentRequest{
		Reference:       reference,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Description:     req.Description,
		PayerEmail:      req.PayerEmail,
		ReturnURL:       req.ReturnURL,
		NotificationURL: notificationURL,
		Metadata:        metadata,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(link.Reference) != "" {
		reference = link.Reference
	}

	now := s.now().UTC()
	item := &entity.Transaction{
		Reference:             reference,
		RequestID:             requestID,
		Provider:              adapter.ID(),
		Kind:                  kind,
		ProviderReference:     link.ProviderReference,
		SubscriptionReference: link.SubscriptionReference,
		Status:                types.StatusCreated,
		History: []entity.StatusChange{{
			Status:   types.StatusCreated,
			Applied:  true,
			Source:   entity.SourceCreated,
			Amount:   req.Amount,
			Currency: req.Currency,
			At:       now,
		}},
		Amount:                 req.Amount,
		Currency:               req.Currency,
		Description:            req.Description,
		PayerEmail:             req.PayerEmail,
		RedirectURL:            link.RedirectURL,
		ExpiresAt:              link.ExpiresAt,
		StatusCallbackURL:      req.StatusCallbackURL,
		Metadata:               metadata,
		CallbackDeliveryStatus: entity.CallbackDeliveryNone,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.txRepo.Create(ctx, item); err != nil {
		if errors.Is(err, repository.ErrTransactionAlreadyExists) {
			return nil, ErrTransactionAlreadyExists
		}
		return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}

	return item, nil
}

func (s *GatewayService) GetTransaction(ctx context.Context, reference string) (*entity.Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrInvalidRequest
	}

	item, err := s.txRepo.FindByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	if item == nil {
		return nil, ErrTransactionNotFound
	}
	return item, nil
}

func (s *GatewayService) markForCallbackDelivery(item *entity.Transaction, now time.Time) {
	if strings.TrimSpace(item.StatusCallbackURL) == "" {
		return
	}
	item.CallbackDeliveryStatus = entity.CallbackDeliveryPending
	item.CallbackDeliveryAttempts = 0
	item.CallbackDeliveryNextAt = &now
	item.CallbackDeliveryLastErr = nil
}

func (s *GatewayService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func (s *GatewayService) maxConflictRetries() int {
	if s.paymentsCfg.MaxConflictRetries > 0 {
		return s.paymentsCfg.MaxConflictRetries
	}
	return defaultMaxConflictRetries
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
