package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/factory"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/mapper"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/provider"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/service"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

type GatewayController struct {
	gatewayService *service.GatewayService
	logger         logrus.FieldLogger
}

func NewGatewayController(gatewayService *service.GatewayService) *GatewayController {
	return &GatewayController{
		gatewayService: gatewayService,
		logger:         factory.NewModuleLogger("gateway-controller"),
	}
}

func (c *GatewayController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *GatewayController) CreatePayment(ctx echo.Context) error {
	req, err := types.NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.gatewayService.CreatePayment(ctx.Request().Context(), req)
	if err != nil {
		return c.writeServiceError(ctx, err, "Create payment failed")
	}

	return ctx.JSON(http.StatusCreated, mapper.TransactionToLink(item))
}

func (c *GatewayController) CreateSubscription(ctx echo.Context) error {
	req, err := types.NewCreateSubscriptionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.gatewayService.CreateSubscription(ctx.Request().Context(), req)
	if err != nil {
		return c.writeServiceError(ctx, err, "Create subscription failed")
	}

	return ctx.JSON(http.StatusCreated, mapper.TransactionToLink(item))
}

func (c *GatewayController) GetTransaction(ctx echo.Context) error {
	req, err := types.NewTransactionRefRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.gatewayService.GetTransaction(ctx.Request().Context(), req.Reference)
	if err != nil {
		return c.writeServiceError(ctx, err, "Get transaction failed")
	}

	return ctx.JSON(http.StatusOK, &types.TransactionEnvelopeResponse{Transaction: mapper.TransactionToResponse(item)})
}

func (c *GatewayController) VerifyTransaction(ctx echo.Context) error {
	req, err := types.NewTransactionRefRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.gatewayService.VerifyTransaction(ctx.Request().Context(), req.Reference)
	if err != nil {
		return c.writeServiceError(ctx, err, "Verify transaction failed")
	}

	return ctx.JSON(http.StatusOK, result)
}

// HandleWebhook answers 200 for accepted and duplicate notifications so the
// provider stops retrying, 400 for rejected ones and 500 when the provider
// should redeliver.
func (c *GatewayController) HandleWebhook(ctx echo.Context) error {
	req, err := types.NewHandleWebhookRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	result, err := c.gatewayService.HandleWebhook(ctx.Request().Context(), req)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("provider", req.Provider).Error("Handle webhook failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
	if !result.IsValid {
		return ctx.JSON(http.StatusBadRequest, result)
	}

	return ctx.JSON(http.StatusOK, result)
}

func (c *GatewayController) writeServiceError(ctx echo.Context, err error, message string) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrProviderUnsupported), errors.Is(err, provider.ErrInvalidRequest):
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTransactionNotFound):
		return c.writeError(ctx, http.StatusNotFound, "transaction not found")
	case errors.Is(err, provider.ErrNotFound):
		return c.writeError(ctx, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrTransactionAlreadyExists), errors.Is(err, service.ErrConcurrentUpdate):
		return c.writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrUnsupportedOperation):
		return c.writeError(ctx, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, provider.ErrProviderTimeout):
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn(message)
		return c.writeError(ctx, http.StatusGatewayTimeout, "provider timed out")
	case errors.Is(err, provider.ErrProviderRequest):
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn(message)
		return c.writeError(ctx, http.StatusBadGateway, "provider request failed")
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error(message)
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func (c *GatewayController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
