package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type CreatePaymentRequest struct {
	RequestID         string            `json:"request_id"`
	Provider          string            `json:"provider" validate:"omitempty,oneof=flow global66 paypal mercadopago"`
	Amount            int64             `json:"amount" validate:"gt=0"`
	Currency          string            `json:"currency" validate:"required,iso4217"`
	Description       string            `json:"description" validate:"required,max=255"`
	PayerEmail        string            `json:"payer_email" validate:"required,email"`
	ReturnURL         string            `json:"return_url" validate:"required,http_url"`
	NotificationURL   string            `json:"notification_url" validate:"omitempty,http_url"`
	StatusCallbackURL string            `json:"status_callback_url" validate:"omitempty,http_url"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type CreateSubscriptionRequest struct {
	CreatePaymentRequest
	Period     string `json:"period" validate:"required,oneof=DAILY WEEKLY MONTHLY YEARLY"`
	MaxCharges int32  `json:"max_charges" validate:"omitempty,gt=0"`
}

type TransactionRefRequest struct {
	Reference string `json:"reference"`
}

type HandleWebhookRequest struct {
	RequestID string      `json:"request_id"`
	Provider  string      `json:"provider"`
	Payload   []byte      `json:"payload"`
	Headers   http.Header `json:"headers,omitempty"`
}

func NewCreatePaymentRequestFromContext(ctx echo.Context) (*CreatePaymentRequest, error) {
	var body CreatePaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body.RequestID) == "" {
		body.RequestID = ctx.Request().Header.Get(echo.HeaderXRequestID)
	}
	body.Normalize()
	return &body, nil
}

func (r *CreatePaymentRequest) Normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	if id, ok := ParseProviderID(r.Provider); ok {
		r.Provider = string(id)
	}
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Description = strings.TrimSpace(r.Description)
	r.PayerEmail = strings.TrimSpace(r.PayerEmail)
	r.ReturnURL = strings.TrimSpace(r.ReturnURL)
	r.NotificationURL = strings.TrimSpace(r.NotificationURL)
	r.StatusCallbackURL = strings.TrimSpace(r.StatusCallbackURL)
}

func (r *CreatePaymentRequest) Validate() error {
	return validationError(validate.Struct(r))
}

func NewCreateSubscriptionRequestFromContext(ctx echo.Context) (*CreateSubscriptionRequest, error) {
	var body CreateSubscriptionRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body.RequestID) == "" {
		body.RequestID = ctx.Request().Header.Get(echo.HeaderXRequestID)
	}
	body.Normalize()
	return &body, nil
}

func (r *CreateSubscriptionRequest) Normalize() {
	r.CreatePaymentRequest.Normalize()
	r.Period = strings.ToUpper(strings.TrimSpace(r.Period))
}

func (r *CreateSubscriptionRequest) Validate() error {
	return validationError(validate.Struct(r))
}

func NewTransactionRefRequestFromContext(ctx echo.Context) (*TransactionRefRequest, error) {
	return &TransactionRefRequest{Reference: strings.TrimSpace(ctx.Param("reference"))}, nil
}

func (r *TransactionRefRequest) Validate() error {
	if r.Reference == "" {
		return errors.New("reference is required")
	}
	if len(r.Reference) > 128 {
		return errors.New("reference is too long")
	}
	return nil
}

func NewHandleWebhookRequestFromContext(ctx echo.Context) (*HandleWebhookRequest, error) {
	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	if requestID == "" {
		requestID = strings.TrimSpace(ctx.Response().Header().Get(echo.HeaderXRequestID))
	}

	return &HandleWebhookRequest{
		RequestID: requestID,
		Provider:  strings.ToLower(strings.TrimSpace(ctx.Param("provider"))),
		Payload:   rawBody,
		Headers:   ctx.Request().Header.Clone(),
	}, nil
}

func (r *HandleWebhookRequest) Validate() error {
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// validationError flattens validator output into a single client-facing error.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", jsonFieldName(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func jsonFieldName(field string) string {
	switch field {
	case "RequestID":
		return "request_id"
	case "PayerEmail":
		return "payer_email"
	case "ReturnURL":
		return "return_url"
	case "NotificationURL":
		return "notification_url"
	case "StatusCallbackURL":
		return "status_callback_url"
	case "MaxCharges":
		return "max_charges"
	default:
		return strings.ToLower(field)
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status string `json:"status"`
}

type PaymentLinkResponse struct {
	Reference             string  `json:"reference"`
	Provider              string  `json:"provider"`
	ProviderReference     string  `json:"provider_reference,omitempty"`
	SubscriptionReference string  `json:"subscription_reference,omitempty"`
	RedirectURL           string  `json:"redirect_url"`
	ExpiresAt             *string `json:"expires_at,omitempty"`
	Status                string  `json:"status"`
}

type StatusChange struct {
	Status   string `json:"status"`
	Applied  bool   `json:"applied"`
	Source   string `json:"source"`
	EventID  string `json:"event_id,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
	At       string `json:"at"`
}

type Transaction struct {
	Reference             string            `json:"reference"`
	Provider              string            `json:"provider"`
	Kind                  string            `json:"kind"`
	ProviderReference     string            `json:"provider_reference,omitempty"`
	SubscriptionReference string            `json:"subscription_reference,omitempty"`
	Status                string            `json:"status"`
	Amount                int64             `json:"amount"`
	Currency              string            `json:"currency"`
	CreditedAmount        int64             `json:"credited_amount"`
	RedirectURL           string            `json:"redirect_url,omitempty"`
	ExpiresAt             *string           `json:"expires_at,omitempty"`
	Metadata              map[string]string `json:"metadata"`
	History               []StatusChange    `json:"history"`
	CreatedAt             string            `json:"created_at"`
	UpdatedAt             string            `json:"updated_at"`
}

type TransactionEnvelopeResponse struct {
	Transaction *Transaction `json:"transaction"`
}

type AmountMismatchWarning struct {
	ExpectedAmount   int64  `json:"expected_amount"`
	ExpectedCurrency string `json:"expected_currency"`
	ReportedAmount   int64  `json:"reported_amount"`
	ReportedCurrency string `json:"reported_currency"`
}

// WebhookResult is returned for every inbound webhook and every poll. When
// IsValid is false nothing was persisted.
type WebhookResult struct {
	IsValid        bool                   `json:"is_valid"`
	Duplicate      bool                   `json:"duplicate"`
	Provider       string                 `json:"provider,omitempty"`
	EventID        string                 `json:"event_id,omitempty"`
	Reference      string                 `json:"reference,omitempty"`
	PreviousStatus string                 `json:"previous_status,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Applied        bool                   `json:"applied"`
	CreditedDelta  int64                  `json:"credited_delta"`
	AmountMismatch *AmountMismatchWarning `json:"amount_mismatch,omitempty"`
	Rejection      string                 `json:"rejection,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// MarshalStatusCallback is the body POSTed to the caller's status callback URL.
func MarshalStatusCallback(tx *Transaction) ([]byte, error) {
	return json.Marshal(&TransactionEnvelopeResponse{Transaction: tx})
}
