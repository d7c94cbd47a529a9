package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	authclient "github.com/vibast-solutions/lib-go-auth/client"
	authmiddleware "github.com/vibast-solutions/lib-go-auth/middleware"
	authlibservice "github.com/vibast-solutions/lib-go-auth/service"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/controller"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/factory"
	gatewaygrpc "github.com/vibast-solutions/ms-go-payment-gateway/app/grpc"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

const (
	shutdownTimeout  = 10 * time.Second
	webhookBodyLimit = "1M"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  "Start the Echo HTTP server (internal API and public provider webhooks) and the gRPC server.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, gatewayService, cleanup := mustCreateGatewayService()
	defer cleanup()

	authGRPCClient, err := authclient.NewGRPCClientFromAddr(context.Background(), cfg.InternalEndpoints.AuthGRPCAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize auth gRPC client")
	}
	defer authGRPCClient.Close()
	internalAuthService := authlibservice.NewInternalAuthService(authGRPCClient)

	e := setupHTTPServer(
		controller.NewGatewayController(gatewayService),
		authmiddleware.NewEchoInternalAuthMiddleware(internalAuthService),
		cfg.App.ServiceName,
	)
	grpcSrv := setupGRPCServer(
		gatewaygrpc.NewServer(gatewayService),
		authmiddleware.NewGRPCInternalAuthMiddleware(internalAuthService),
		cfg.App.ServiceName,
	)

	grpcAddr := net.JoinHostPort(cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logrus.WithError(err).WithField("addr", grpcAddr).Fatal("Failed to listen on gRPC port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	go func() {
		logrus.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")
		if err := grpcSrv.Serve(lis); err != nil {
			logrus.WithError(err).Fatal("gRPC server error")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}
	grpcSrv.GracefulStop()

	logrus.Info("Server stopped")
}

func setupHTTPServer(
	gatewayController *controller.GatewayController,
	internalAuthMiddleware *authmiddleware.EchoInternalAuthMiddleware,
	appServiceName string,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(factory.EchoRequestLogger(), echomiddleware.Recover())

	// Providers cannot send internal credentials, so webhooks skip internal
	// auth and get a generated request id instead.
	webhooks := e.Group("/webhooks", echomiddleware.RequestID(), echomiddleware.BodyLimit(webhookBodyLimit))
	webhooks.POST("/:provider", gatewayController.HandleWebhook)

	internal := []echo.MiddlewareFunc{
		echomiddleware.CORS(),
		requireRequestID(),
		internalAuthMiddleware.RequireInternalAccess(appServiceName),
	}
	e.GET("/health", gatewayController.Health, internal...)
	e.POST("/payments", gatewayController.CreatePayment, internal...)
	e.POST("/subscriptions", gatewayController.CreateSubscription, internal...)
	e.GET("/transactions/:reference", gatewayController.GetTransaction, internal...)
	e.POST("/transactions/:reference/verify", gatewayController.VerifyTransaction, internal...)

	return e
}

func requireRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "x-request-id header is required"})
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func setupGRPCServer(
	gatewayServer *gatewaygrpc.Server,
	internalAuthMiddleware *authmiddleware.GRPCInternalAuthMiddleware,
	appServiceName string,
) *grpc.Server {
	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			gatewaygrpc.RecoveryInterceptor(),
			gatewaygrpc.RequestIDInterceptor(),
			gatewaygrpc.LoggingInterceptor(),
			internalAuthMiddleware.UnaryRequireInternalAccess(appServiceName),
		),
	)
	gatewaygrpc.RegisterGatewayServiceServer(grpcSrv, gatewayServer)
	return grpcSrv
}
