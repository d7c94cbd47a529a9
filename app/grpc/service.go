package grpc

import (
	"context"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
	"google.golang.org/grpc"
)

const serviceName = "payments.PaymentGatewayService"

type GatewayServiceServer interface {
	Health(ctx context.Context, req *types.HealthRequest) (*types.HealthResponse, error)
	CreatePayment(ctx context.Context, req *types.CreatePaymentRequest) (*types.PaymentLinkResponse, error)
	CreateSubscription(ctx context.Context, req *types.CreateSubscriptionRequest) (*types.PaymentLinkResponse, error)
	GetTransaction(ctx context.Context, req *types.TransactionRefRequest) (*types.TransactionEnvelopeResponse, error)
	VerifyTransaction(ctx context.Context, req *types.TransactionRefRequest) (*types.WebhookResult, error)
	HandleWebhook(ctx context.Context, req *types.HandleWebhookRequest) (*types.WebhookResult, error)
}

var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Health",
			Handler: unaryHandler("Health", func(s GatewayServiceServer, ctx context.Context, req *types.HealthRequest) (any, error) {
				return s.Health(ctx, req)
			}),
		},
		{
			MethodName: "CreatePayment",
			Handler: unaryHandler("CreatePayment", func(s GatewayServiceServer, ctx context.Context, req *types.CreatePaymentRequest) (any, error) {
				return s.CreatePayment(ctx, req)
			}),
		},
		{
			MethodName: "CreateSubscription",
			Handler: unaryHandler("CreateSubscription", func(s GatewayServiceServer, ctx context.Context, req *types.CreateSubscriptionRequest) (any, error) {
				return s.CreateSubscription(ctx, req)
			}),
		},
		{
			MethodName: "GetTransaction",
			Handler: unaryHandler("GetTransaction", func(s GatewayServiceServer, ctx context.Context, req *types.TransactionRefRequest) (any, error) {
				return s.GetTransaction(ctx, req)
			}),
		},
		{
			MethodName: "VerifyTransaction",
			Handler: unaryHandler("VerifyTransaction", func(s GatewayServiceServer, ctx context.Context, req *types.TransactionRefRequest) (any, error) {
				return s.VerifyTransaction(ctx, req)
			}),
		},
		{
			MethodName: "HandleWebhook",
			Handler: unaryHandler("HandleWebhook", func(s GatewayServiceServer, ctx context.Context, req *types.HandleWebhookRequest) (any, error) {
				return s.HandleWebhook(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payments/gateway.json",
}

func RegisterGatewayServiceServer(registrar grpc.ServiceRegistrar, srv GatewayServiceServer) {
	registrar.RegisterService(&GatewayServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unaryHandler[Req any](method string, call func(GatewayServiceServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GatewayServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GatewayServiceClient calls the gateway over a connection using the JSON codec.
type GatewayServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewGatewayServiceClient(cc grpc.ClientConnInterface) *GatewayServiceClient {
	return &GatewayServiceClient{cc: cc}
}

func (c *GatewayServiceClient) Health(ctx context.Context, req *types.HealthRequest, opts ...grpc.CallOption) (*types.HealthResponse, error) {
	out := new(types.HealthResponse)
	return out, c.invoke(ctx, "Health", req, out, opts)
}

func (c *GatewayServiceClient) CreatePayment(ctx context.Context, req *types.CreatePaymentRequest, opts ...grpc.CallOption) (*types.PaymentLinkResponse, error) {
	out := new(types.PaymentLinkResponse)
	return out, c.invoke(ctx, "CreatePayment", req, out, opts)
}

func (c *GatewayServiceClient) CreateSubscription(ctx context.Context, req *types.CreateSubscriptionRequest, opts ...grpc.CallOption) (*types.PaymentLinkResponse, error) {
	out := new(types.PaymentLinkResponse)
	return out, c.invoke(ctx, "CreateSubscription", req, out, opts)
}

func (c *GatewayServiceClient) GetTransaction(ctx context.Context, req *types.TransactionRefRequest, opts ...grpc.CallOption) (*types.TransactionEnvelopeResponse, error) {
	out := new(types.TransactionEnvelopeResponse)
	return out, c.invoke(ctx, "GetTransaction", req, out, opts)
}

func (c *GatewayServiceClient) VerifyTransaction(ctx context.Context, req *types.TransactionRefRequest, opts ...grpc.CallOption) (*types.WebhookResult, error) {
	out := new(types.WebhookResult)
	return out, c.invoke(ctx, "VerifyTransaction", req, out, opts)
}

func (c *GatewayServiceClient) HandleWebhook(ctx context.Context, req *types.HandleWebhookRequest, opts ...grpc.CallOption) (*types.WebhookResult, error) {
	out := new(types.WebhookResult)
	return out, c.invoke(ctx, "HandleWebhook", req, out, opts)
}

func (c *GatewayServiceClient) invoke(ctx context.Context, method string, req, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	return c.cc.Invoke(ctx, fullMethod(method), req, out, opts...)
}
