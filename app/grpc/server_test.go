package grpc

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/provider"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/repository"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/service"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/signature"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
	"github.com/vibast-solutions/ms-go-payment-gateway/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type grpcTxRepo struct {
	items map[string]*entity.Transaction
}

func (r *grpcTxRepo) Create(_ context.Context, tx *entity.Transaction) error {
	if _, ok := r.items[tx.Reference]; ok {
		return repository.ErrTransactionAlreadyExists
	}
	tx.Version = 1
	r.items[tx.Reference] = tx.Clone()
	return nil
}

func (r *grpcTxRepo) Update(_ context.Context, tx *entity.Transaction, expectedVersion int64) error {
	current, ok := r.items[tx.Reference]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	tx.Version = expectedVersion + 1
	r.items[tx.Reference] = tx.Clone()
	return nil
}

func (r *grpcTxRepo) FindByReference(_ context.Context, reference string) (*entity.Transaction, error) {
	if item, ok := r.items[reference]; ok {
		return item.Clone(), nil
	}
	return nil, nil
}

func (r *grpcTxRepo) FindByRequestID(_ context.Context, requestID string) (*entity.Transaction, error) {
	for _, item := range r.items {
		if item.RequestID == requestID {
			return item.Clone(), nil
		}
	}
	return nil, nil
}

func (r *grpcTxRepo) ListForReconcile(context.Context, time.Time, int32) ([]*entity.Transaction, error) {
	return []*entity.Transaction{}, nil
}

func (r *grpcTxRepo) ListDueCallbackDispatch(context.Context, time.Time, int32) ([]*entity.Transaction, error) {
	return []*entity.Transaction{}, nil
}

type grpcIdempotency struct {
	marks map[string]string
}

func (s *grpcIdempotency) CheckAndMark(_ context.Context, providerID, eventID string) (*entity.MarkResult, error) {
	key := providerID + "#" + eventID
	if ref, ok := s.marks[key]; ok {
		return &entity.MarkResult{AlreadyProcessed: true, TransactionRef: ref}, nil
	}
	s.marks[key] = ""
	return &entity.MarkResult{}, nil
}

func (s *grpcIdempotency) Complete(_ context.Context, providerID, eventID, ref string) error {
	s.marks[providerID+"#"+eventID] = ref
	return nil
}

func (s *grpcIdempotency) Release(_ context.Context, providerID, eventID string) error {
	delete(s.marks, providerID+"#"+eventID)
	return nil
}

type grpcWebhookLogs struct{}

func (grpcWebhookLogs) Create(context.Context, *entity.WebhookLog) error {
	return nil
}

type grpcVerifier struct {
	err error
}

func (v grpcVerifier) Verify(types.ProviderID, []byte, http.Header, signature.Secret) (*signature.Verified, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &signature.Verified{}, nil
}

type grpcProvider struct {
	createErr   error
	verifyErr   error
	normalizeFn func() (*provider.WebhookEvent, error)
}

func (p *grpcProvider) ID() types.ProviderID {
	return types.ProviderGlobal66
}

func (p *grpcProvider) CreatePayment(_ context.Context, req *provider.PaymentRequest) (*provider.PaymentLink, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &provider.PaymentLink{
		Reference:   req.Reference,
		Provider:    types.ProviderGlobal66,
		RedirectURL: "https://global66.example/link/" + req.Reference,
	}, nil
}

func (p *grpcProvider) CreateSubscription(context.Context, *provider.SubscriptionRequest) (*provider.SubscriptionLink, error) {
	return nil, provider.ErrUnsupportedOperation
}

func (p *grpcProvider) EventID([]byte, http.Header) (string, error) {
	return "evt-1", nil
}

func (p *grpcProvider) NormalizeWebhook(context.Context, []byte, http.Header) (*provider.WebhookEvent, error) {
	if p.normalizeFn != nil {
		return p.normalizeFn()
	}
	return &provider.WebhookEvent{Provider: types.ProviderGlobal66, EventID: "evt-1", Reference: "ref-1", Status: types.StatusPaid, Amount: 15000, Currency: "CLP"}, nil
}

func (p *grpcProvider) VerifyTransaction(context.Context, provider.Lookup) (*provider.StatusReport, error) {
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	return nil, provider.ErrNotFound
}

func newServerForTest(p *grpcProvider, verifier grpcVerifier) (*Server, *grpcTxRepo) {
	repo := &grpcTxRepo{items: map[string]*entity.Transaction{}}
	gatewayService := service.NewGatewayService(
		repo,
		&grpcIdempotency{marks: map[string]string{}},
		grpcWebhookLogs{},
		provider.NewRegistry(p),
		verifier,
		nil,
		config.PaymentsConfig{CallbackMaxAttempts: 3, CallbackRetryInterval: time.Minute, ReconcileStaleAfter: time.Minute, JobBatchSize: 100},
		config.GatewayConfig{WebhookBaseURL: "https://gateway.example/webhooks"},
		"gateway-app-key",
	)
	return NewServer(gatewayService), repo
}

func validCreateRequest() *types.CreatePaymentRequest {
	return &types.CreatePaymentRequest{
		Amount:      15000,
		Currency:    "clp",
		Description: "Order 77",
		PayerEmail:  "payer@example.com",
		ReturnURL:   "https://shop.example/return",
	}
}

func TestCreatePaymentInvalidArgument(t *testing.T) {
	srv, _ := newServerForTest(&grpcProvider{}, grpcVerifier{})

	_, err := srv.CreatePayment(context.Background(), &types.CreatePaymentRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCreatePaymentSuccess(t *testing.T) {
	srv, repo := newServerForTest(&grpcProvider{}, grpcVerifier{})
	ctx := context.WithValue(context.Background(), requestIDKey{}, "grpc-req-1")

	res, err := srv.CreatePayment(ctx, validCreateRequest())
	if err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	if res.Provider != "global66" || res.Status != "CREATED" || res.RedirectURL == "" {
		t.Fatalf("unexpected link: %+v", res)
	}
	stored := repo.items[res.Reference]
	if stored == nil || stored.RequestID != "grpc-req-1" || stored.Currency != "CLP" {
		t.Fatalf("unexpected stored record: %+v", stored)
	}
}

func TestCreatePaymentProviderUnavailable(t *testing.T) {
	srv, _ := newServerForTest(&grpcProvider{createErr: provider.ErrProviderRequest}, grpcVerifier{})

	_, err := srv.CreatePayment(context.Background(), validCreateRequest())
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestCreateSubscriptionUnimplemented(t *testing.T) {
	srv, _ := newServerForTest(&grpcProvider{}, grpcVerifier{})

	_, err := srv.CreateSubscription(context.Background(), &types.CreateSubscriptionRequest{
		CreatePaymentRequest: *validCreateRequest(),
		Period:               "monthly",
	})
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected Unimplemented, got %v", err)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	srv, _ := newServerForTest(&grpcProvider{}, grpcVerifier{})

	_, err := srv.GetTransaction(context.Background(), &types.TransactionRefRequest{Reference: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	_, err = srv.GetTransaction(context.Background(), &types.TransactionRefRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestVerifyTransactionProviderTimeout(t *testing.T) {
	srv, repo := newServerForTest(&grpcProvider{verifyErr: provider.ErrProviderTimeout}, grpcVerifier{})
	repo.items["ref-1"] = &entity.Transaction{Reference: "ref-1", Provider: types.ProviderGlobal66, Status: types.StatusPending, Version: 1}

	_, err := srv.VerifyTransaction(context.Background(), &types.TransactionRefRequest{Reference: "ref-1"})
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestHandleWebhookRejectedIsNotAnError(t *testing.T) {
	srv, _ := newServerForTest(&grpcProvider{}, grpcVerifier{err: &signature.Rejection{Reason: signature.ReasonSignatureMismatch}})

	res, err := srv.HandleWebhook(context.Background(), &types.HandleWebhookRequest{Provider: "global66", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsValid || res.Rejection != string(signature.ReasonSignatureMismatch) {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGatewayServiceOverBufconn(t *testing.T) {
	srv, repo := newServerForTest(&grpcProvider{}, grpcVerifier{})
	repo.items["ref-1"] = &entity.Transaction{Reference: "ref-1", Provider: types.ProviderGlobal66, Status: types.StatusCreated, Amount: 15000, Currency: "CLP", Version: 1}

	lis := bufconn.Listen(1 << 20)
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoveryInterceptor(), RequestIDInterceptor(), LoggingInterceptor()))
	RegisterGatewayServiceServer(grpcSrv, srv)
	go func() {
		_ = grpcSrv.Serve(lis)
	}()
	defer grpcSrv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc dial failed: %v", err)
	}
	defer conn.Close()
	client := NewGatewayServiceClient(conn)

	if _, err := client.Health(context.Background(), &types.HealthRequest{}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing x-request-id, got %v", err)
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), requestIDHeader, "grpc-bufconn")
	health, err := client.Health(ctx, &types.HealthRequest{})
	if err != nil || health.Status != "ok" {
		t.Fatalf("unexpected health response: %+v err=%v", health, err)
	}

	result, err := client.HandleWebhook(ctx, &types.HandleWebhookRequest{Provider: "global66", Payload: []byte(`{"reference":"ref-1"}`)})
	if err != nil {
		t.Fatalf("handle webhook failed: %v", err)
	}
	if !result.IsValid || !result.Applied || result.CreditedDelta != 15000 {
		t.Fatalf("unexpected webhook result: %+v", result)
	}

	envelope, err := client.GetTransaction(ctx, &types.TransactionRefRequest{Reference: "ref-1"})
	if err != nil {
		t.Fatalf("get transaction failed: %v", err)
	}
	if envelope.Transaction == nil || envelope.Transaction.Status != "PAID" || envelope.Transaction.CreditedAmount != 15000 {
		t.Fatalf("unexpected transaction: %+v", envelope.Transaction)
	}

	if _, err := client.GetTransaction(ctx, &types.TransactionRefRequest{Reference: "missing"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
