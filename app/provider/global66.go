package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const (
	global66SandboxBaseURL    = "https://api.sandbox.global66.com/v1"
	global66ProductionBaseURL = "https://api.global66.com/v1"
)

type Global66Config struct {
	APIKey      string
	Environment types.Environment
	BaseURL     string
	HTTPTimeout time.Duration
}

type Global66Provider struct {
	cfg     Global66Config
	baseURL string
	client  *http.Client
}

func NewGlobal66Provider(cfg Global66Config) *Global66Provider {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = global66SandboxBaseURL
		if cfg.Environment == types.EnvironmentProduction {
			baseURL = global66ProductionBaseURL
		}
	}

	return &Global66Provider{
		cfg:     cfg,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.HTTPTimeout),
	}
}

func (p *Global66Provider) ID() types.ProviderID {
	return types.ProviderGlobal66
}

type global66Link struct {
	ID          string      `json:"id"`
	ExternalID  string      `json:"externalId"`
	URL         string      `json:"url"`
	Status      string      `json:"status"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty"`
	Description string      `json:"description,omitempty"`
}

func (p *Global66Provider) CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentLink, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if err := validatePaymentRequest(req); err != nil {
		return nil, err
	}

	body := map[string]any{
		"externalId":  req.Reference,
		"amount":      json.Number(FormatAmount(req.Amount, req.Currency)),
		"currency":    strings.ToUpper(req.Currency),
		"description": subjectOrDefault(req.Description),
		"payerEmail":  req.PayerEmail,
		"returnUrl":   req.ReturnURL,
	}
	if req.NotificationURL != "" {
		body["webhookUrl"] = req.NotificationURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	respBody, err := p.doJSON(ctx, http.MethodPost, "payment-links", body)
	if err != nil {
		return nil, err
	}

	var link global66Link
	if err := json.Unmarshal(respBody, &link); err != nil {
		return nil, fmt.Errorf("%w: global66 create response: %v", ErrProviderRequest, err)
	}
	if strings.TrimSpace(link.URL) == "" {
		return nil, fmt.Errorf("%w: global66 create response missing url", ErrProviderRequest)
	}

	return &PaymentLink{
		Reference:         req.Reference,
		Provider:          types.ProviderGlobal66,
		ProviderReference: link.ID,
		RedirectURL:       link.URL,
		ExpiresAt:         link.ExpiresAt,
	}, nil
}

func (p *Global66Provider) CreateSubscription(_ context.Context, _ *SubscriptionRequest) (*SubscriptionLink, error) {
	return nil, fmt.Errorf("%w: global66 subscriptions", ErrUnsupportedOperation)
}

type global66Webhook struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Data    struct {
		PaymentLinkID string      `json:"paymentLinkId"`
		ExternalID    string      `json:"externalId"`
		Status        string      `json:"status"`
		Amount        json.Number `json:"amount"`
		Currency      string      `json:"currency"`
	} `json:"data"`
}

func parseGlobal66Webhook(payload []byte) (*global66Webhook, error) {
	var event global66Webhook
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &event, nil
}

func (p *Global66Provider) EventID(payload []byte, _ http.Header) (string, error) {
	event, err := parseGlobal66Webhook(payload)
	if err != nil {
		return "", err
	}
	if id := strings.TrimSpace(event.EventID); id != "" {
		return id, nil
	}
	return checksumEventID(payload), nil
}

func (p *Global66Provider) NormalizeWebhook(_ context.Context, payload []byte, headers http.Header) (*WebhookEvent, error) {
	event, err := parseGlobal66Webhook(payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(event.Data.ExternalID) == "" {
		return nil, fmt.Errorf("%w: global66 externalId is missing", ErrMalformedPayload)
	}
	amount, err := ParseAmount(event.Data.Amount.String(), event.Data.Currency)
	if err != nil {
		return nil, err
	}
	eventID, _ := p.EventID(payload, headers)

	return &WebhookEvent{
		Provider:          types.ProviderGlobal66,
		EventID:           eventID,
		EventType:         event.Type,
		Reference:         event.Data.ExternalID,
		ProviderReference: event.Data.PaymentLinkID,
		Status:            global66StatusToCanonical(event.Data.Status),
		ProviderStatus:    event.Data.Status,
		Amount:            amount,
		Currency:          strings.ToUpper(event.Data.Currency),
		Checksum:          PayloadChecksum(payload),
	}, nil
}

func (p *Global66Provider) VerifyTransaction(ctx context.Context, lookup Lookup) (*StatusReport, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(lookup.Reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}

	respBody, err := p.doJSON(ctx, http.MethodGet, "payment-links?externalId="+url.QueryEscape(lookup.Reference), nil)
	if err != nil {
		return nil, err
	}

	var page struct {
		Items []global66Link `json:"items"`
	}
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("%w: global66 lookup response: %v", ErrProviderRequest, err)
	}
	for _, link := range page.Items {
		if link.ExternalID != lookup.Reference {
			continue
		}
		amount, err := ParseAmount(link.Amount.String(), link.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
		}
		return &StatusReport{
			Reference:         lookup.Reference,
			ProviderReference: link.ID,
			Status:            global66StatusToCanonical(link.Status),
			ProviderStatus:    link.Status,
			Amount:            amount,
			Currency:          strings.ToUpper(link.Currency),
		}, nil
	}

	return nil, fmt.Errorf("%w: global66 externalId=%s", ErrNotFound, lookup.Reference)
}

func (p *Global66Provider) doJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(p.baseURL, path), reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return send(p.client, "global66", req)
}

func (p *Global66Provider) checkCredentials() error {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return fmt.Errorf("%w: global66 api key is required", ErrInvalidRequest)
	}
	return nil
}

func global66StatusToCanonical(status string) types.TransactionStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "CREATED", "PENDING", "PROCESSING", "IN_PROGRESS":
		return types.StatusPending
	case "PAID", "COMPLETED", "SUCCEEDED", "APPROVED":
		return types.StatusPaid
	case "FAILED", "REJECTED", "DECLINED":
		return types.StatusFailed
	case "CANCELLED", "CANCELED", "EXPIRED":
		return types.StatusCancelled
	case "REFUNDED":
		return types.StatusRefunded
	default:
		return types.StatusUnknown
	}
}
