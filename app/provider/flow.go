package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/signature"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const (
	flowSandboxBaseURL    = "https://sandbox.flow.cl/api"
	flowProductionBaseURL = "https://www.flow.cl/api"
)

type FlowConfig struct {
	APIKey      string
	SecretKey   string
	Environment types.Environment
	BaseURL     string
	HTTPTimeout time.Duration
}

type FlowProvider struct {
	cfg     FlowConfig
	baseURL string
	client  *http.Client
}

func NewFlowProvider(cfg FlowConfig) *FlowProvider {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = flowSandboxBaseURL
		if cfg.Environment == types.EnvironmentProduction {
			baseURL = flowProductionBaseURL
		}
	}

	return &FlowProvider{
		cfg:     cfg,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.HTTPTimeout),
	}
}

func (p *FlowProvider) ID() types.ProviderID {
	return types.ProviderFlow
}

func (p *FlowProvider) CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentLink, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if err := validatePaymentRequest(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.NotificationURL) == "" {
		return nil, fmt.Errorf("%w: flow requires a notification url", ErrInvalidRequest)
	}

	values := url.Values{}
	values.Set("apiKey", p.cfg.APIKey)
	values.Set("commerceOrder", req.Reference)
	values.Set("subject", subjectOrDefault(req.Description))
	values.Set("currency", strings.ToUpper(req.Currency))
	values.Set("amount", FormatAmount(req.Amount, req.Currency))
	values.Set("email", req.PayerEmail)
	values.Set("urlConfirmation", req.NotificationURL)
	values.Set("urlReturn", req.ReturnURL)
	if len(req.Metadata) > 0 {
		optional, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
		}
		values.Set("optional", string(optional))
	}

	body, err := p.postForm(ctx, "payment/create", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		URL       string `json:"url"`
		Token     string `json:"token"`
		FlowOrder int64  `json:"flowOrder"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: flow create response: %v", ErrProviderRequest, err)
	}
	if strings.TrimSpace(payload.URL) == "" || strings.TrimSpace(payload.Token) == "" {
		return nil, fmt.Errorf("%w: flow create response missing url or token", ErrProviderRequest)
	}

	return &PaymentLink{
		Reference:         req.Reference,
		Provider:          types.ProviderFlow,
		ProviderReference: strconv.FormatInt(payload.FlowOrder, 10),
		RedirectURL:       payload.URL + "?token=" + url.QueryEscape(payload.Token),
	}, nil
}

func (p *FlowProvider) CreateSubscription(_ context.Context, _ *SubscriptionRequest) (*SubscriptionLink, error) {
	return nil, fmt.Errorf("%w: flow subscriptions", ErrUnsupportedOperation)
}

func (p *FlowProvider) EventID(payload []byte, _ http.Header) (string, error) {
	form, err := parseFlowForm(payload)
	if err != nil {
		return "", err
	}
	token := form.Get("token")
	if status := strings.TrimSpace(form.Get("status")); status != "" {
		return "flow:" + token + ":" + status, nil
	}
	return "flow:" + token, nil
}

// NormalizeWebhook accepts both the bare token confirmation, which is resolved
// through payment/getStatus, and forms that already carry the order status.
func (p *FlowProvider) NormalizeWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookEvent, error) {
	form, err := parseFlowForm(payload)
	if err != nil {
		return nil, err
	}
	eventID, _ := p.EventID(payload, headers)

	var status *flowStatusResponse
	if form.Get("commerceOrder") != "" && form.Get("status") != "" {
		status = &flowStatusResponse{
			CommerceOrder: form.Get("commerceOrder"),
			Currency:      form.Get("currency"),
			Amount:        json.Number(form.Get("amount")),
		}
		if v, err := strconv.Atoi(form.Get("status")); err == nil {
			status.Status = v
		}
		if v, err := strconv.ParseInt(form.Get("flowOrder"), 10, 64); err == nil {
			status.FlowOrder = v
		}
	} else {
		if err := p.checkCredentials(); err != nil {
			return nil, err
		}
		values := url.Values{}
		values.Set("apiKey", p.cfg.APIKey)
		values.Set("token", form.Get("token"))
		status, err = p.getStatus(ctx, "payment/getStatus", values)
		if err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(status.CommerceOrder) == "" {
		return nil, fmt.Errorf("%w: flow status without commerceOrder", ErrMalformedPayload)
	}
	amount, err := ParseAmount(status.Amount.String(), status.Currency)
	if err != nil {
		return nil, err
	}

	return &WebhookEvent{
		Provider:          types.ProviderFlow,
		EventID:           eventID,
		EventType:         "payment.confirmation",
		Reference:         status.CommerceOrder,
		ProviderReference: flowOrderString(status.FlowOrder),
		Status:            flowStatusToCanonical(status.Status),
		ProviderStatus:    strconv.Itoa(status.Status),
		Amount:            amount,
		Currency:          strings.ToUpper(status.Currency),
		Checksum:          PayloadChecksum(payload),
	}, nil
}

func (p *FlowProvider) VerifyTransaction(ctx context.Context, lookup Lookup) (*StatusReport, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(lookup.Reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}

	values := url.Values{}
	values.Set("apiKey", p.cfg.APIKey)
	values.Set("commerceId", lookup.Reference)
	status, err := p.getStatus(ctx, "payment/getStatusByCommerceId", values)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(status.Amount.String(), status.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}

	return &StatusReport{
		Reference:         lookup.Reference,
		ProviderReference: flowOrderString(status.FlowOrder),
		Status:            flowStatusToCanonical(status.Status),
		ProviderStatus:    strconv.Itoa(status.Status),
		Amount:            amount,
		Currency:          strings.ToUpper(status.Currency),
	}, nil
}

type flowStatusResponse struct {
	FlowOrder     int64       `json:"flowOrder"`
	CommerceOrder string      `json:"commerceOrder"`
	Status        int         `json:"status"`
	Currency      string      `json:"currency"`
	Amount        json.Number `json:"amount"`
}

func (p *FlowProvider) getStatus(ctx context.Context, path string, values url.Values) (*flowStatusResponse, error) {
	values.Set("s", signature.FlowSign(p.cfg.SecretKey, values))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(p.baseURL, path)+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	body, err := send(p.client, "flow", req)
	if err != nil {
		return nil, err
	}

	var status flowStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("%w: flow status response: %v", ErrProviderRequest, err)
	}
	return &status, nil
}

func (p *FlowProvider) postForm(ctx context.Context, path string, values url.Values) ([]byte, error) {
	values.Set("s", signature.FlowSign(p.cfg.SecretKey, values))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(p.baseURL, path), strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return send(p.client, "flow", req)
}

func (p *FlowProvider) checkCredentials() error {
	if strings.TrimSpace(p.cfg.APIKey) == "" || strings.TrimSpace(p.cfg.SecretKey) == "" {
		return fmt.Errorf("%w: flow api key and secret key are required", ErrInvalidRequest)
	}
	return nil
}

func parseFlowForm(payload []byte) (url.Values, error) {
	form, err := url.ParseQuery(strings.TrimSpace(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(form.Get("token")) == "" {
		return nil, fmt.Errorf("%w: flow token is missing", ErrMalformedPayload)
	}
	return form, nil
}

func flowStatusToCanonical(code int) types.TransactionStatus {
	switch code {
	case 1:
		return types.StatusPending
	case 2:
		return types.StatusPaid
	case 3:
		return types.StatusFailed
	case 4:
		return types.StatusCancelled
	default:
		return types.StatusUnknown
	}
}

func flowOrderString(order int64) string {
	if order == 0 {
		return ""
	}
	return strconv.FormatInt(order, 10)
}
