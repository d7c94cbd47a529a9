package grpc

import (
	"context"
	"errors"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/mapper"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/provider"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/service"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Server struct {
	gatewayService *service.GatewayService
}

func NewServer(gatewayService *service.GatewayService) *Server {
	return &Server{gatewayService: gatewayService}
}

func (s *Server) Health(_ context.Context, _ *types.HealthRequest) (*types.HealthResponse, error) {
	return &types.HealthResponse{Status: "ok"}, nil
}

func (s *Server) CreatePayment(ctx context.Context, req *types.CreatePaymentRequest) (*types.PaymentLinkResponse, error) {
	l := loggerWithContext(ctx)
	if req.RequestID == "" {
		req.RequestID = RequestIDFromContext(ctx)
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		l.WithError(err).Debug("Create payment validation failed")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	item, err := s.gatewayService.CreatePayment(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, err, "Create payment failed")
	}

	return mapper.TransactionToLink(item), nil
}

func (s *Server) CreateSubscription(ctx context.Context, req *types.CreateSubscriptionRequest) (*types.PaymentLinkResponse, error) {
	if req.RequestID == "" {
		req.RequestID = RequestIDFromContext(ctx)
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	item, err := s.gatewayService.CreateSubscription(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, err, "Create subscription failed")
	}

	return mapper.TransactionToLink(item), nil
}

func (s *Server) GetTransaction(ctx context.Context, req *types.TransactionRefRequest) (*types.TransactionEnvelopeResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	item, err := s.gatewayService.GetTransaction(ctx, req.Reference)
	if err != nil {
		return nil, toStatus(ctx, err, "Get transaction failed")
	}

	return &types.TransactionEnvelopeResponse{Transaction: mapper.TransactionToResponse(item)}, nil
}

func (s *Server) VerifyTransaction(ctx context.Context, req *types.TransactionRefRequest) (*types.WebhookResult, error) {
	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.gatewayService.VerifyTransaction(ctx, req.Reference)
	if err != nil {
		return nil, toStatus(ctx, err, "Verify transaction failed")
	}

	return result, nil
}

// HandleWebhook lets an edge proxy forward raw notifications over gRPC. Rejected
// notifications are returned as a result with IsValid=false, not as an error.
func (s *Server) HandleWebhook(ctx context.Context, req *types.HandleWebhookRequest) (*types.WebhookResult, error) {
	if req.RequestID == "" {
		req.RequestID = RequestIDFromContext(ctx)
	}

	result, err := s.gatewayService.HandleWebhook(ctx, req)
	if err != nil {
		loggerWithContext(ctx).WithError(err).WithField("provider", req.Provider).Error("Handle webhook failed")
		return nil, status.Error(codes.Unavailable, "webhook could not be processed")
	}

	return result, nil
}

func toStatus(ctx context.Context, err error, message string) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrProviderUnsupported), errors.Is(err, provider.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrTransactionNotFound):
		return status.Error(codes.NotFound, "transaction not found")
	case errors.Is(err, provider.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrTransactionAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, service.ErrConcurrentUpdate):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, provider.ErrUnsupportedOperation):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, provider.ErrProviderTimeout):
		loggerWithContext(ctx).WithError(err).Warn(message)
		return status.Error(codes.DeadlineExceeded, "provider timed out")
	case errors.Is(err, provider.ErrProviderRequest):
		loggerWithContext(ctx).WithError(err).Warn(message)
		return status.Error(codes.Unavailable, "provider request failed")
	default:
		loggerWithContext(ctx).WithError(err).Error(message)
		return status.Error(codes.Internal, "internal server error")
	}
}
