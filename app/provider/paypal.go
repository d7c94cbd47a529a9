package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const (
	paypalSandboxBaseURL    = "https://api-m.sandbox.paypal.com"
	paypalProductionBaseURL = "https://api-m.paypal.com"
)

type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	Environment  types.Environment
	BaseURL      string
	BrandName    string
	HTTPTimeout  time.Duration
}

type PayPalProvider struct {
	cfg     PayPalConfig
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPayPalProvider(cfg PayPalConfig) *PayPalProvider {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = paypalSandboxBaseURL
		if cfg.Environment == types.EnvironmentProduction {
			baseURL = paypalProductionBaseURL
		}
	}

	return &PayPalProvider{
		cfg:     cfg,
		baseURL: baseURL,
		client:  newHTTPClient(cfg.HTTPTimeout),
		now:     time.Now,
	}
}

func (p *PayPalProvider) ID() types.ProviderID {
	return types.ProviderPayPal
}

// paypalAmount covers both the v2 shape and the legacy sale shape
// (total/currency) used by subscription payments.
type paypalAmount struct {
	CurrencyCode string `json:"currency_code,omitempty"`
	Value        string `json:"value,omitempty"`
	Total        string `json:"total,omitempty"`
	Currency     string `json:"currency,omitempty"`
}

func (a *paypalAmount) minorUnits() (int64, string, error) {
	currency := strings.ToUpper(firstNonEmpty(a.CurrencyCode, a.Currency))
	amount, err := ParseAmount(firstNonEmpty(a.Value, a.Total), currency)
	return amount, currency, err
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func (p *PayPalProvider) CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentLink, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if err := validatePaymentRequest(req); err != nil {
		return nil, err
	}

	order := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.Reference,
			"custom_id":    req.Reference,
			"description":  subjectOrDefault(req.Description),
			"amount": paypalAmount{
				CurrencyCode: strings.ToUpper(req.Currency),
				Value:        FormatAmount(req.Amount, req.Currency),
			},
		}},
		"payment_source": map[string]any{
			"paypal": map[string]any{
				"email_address": req.PayerEmail,
				"experience_context": map[string]any{
					"brand_name":  p.brandName(),
					"user_action": "PAY_NOW",
					"return_url":  req.ReturnURL,
					"cancel_url":  req.ReturnURL,
				},
			},
		},
	}

	body, err := p.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", order)
	if err != nil {
		return nil, err
	}

	var created struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Links  []paypalLink `json:"links"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("%w: paypal order response: %v", ErrProviderRequest, err)
	}
	approveURL := findPayPalLink(created.Links, "payer-action", "approve")
	if created.ID == "" || approveURL == "" {
		return nil, fmt.Errorf("%w: paypal order response missing id or approval link", ErrProviderRequest)
	}

	return &PaymentLink{
		Reference:         req.Reference,
		Provider:          types.ProviderPayPal,
		ProviderReference: created.ID,
		RedirectURL:       approveURL,
	}, nil
}

// CreateSubscription chains catalog product, billing plan and subscription.
func (p *PayPalProvider) CreateSubscription(ctx context.Context, req *SubscriptionRequest) (*SubscriptionLink, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if err := validateSubscriptionRequest(req); err != nil {
		return nil, err
	}
	intervalUnit, ok := paypalIntervalUnit(req.Period)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported period %q", ErrInvalidRequest, req.Period)
	}

	productBody, err := p.doJSON(ctx, http.MethodPost, "/v1/catalogs/products", map[string]any{
		"name": subjectOrDefault(req.Description),
		"type": "SERVICE",
	})
	if err != nil {
		return nil, err
	}
	productID, err := decodeID(productBody, "paypal product")
	if err != nil {
		return nil, err
	}

	planBody, err := p.doJSON(ctx, http.MethodPost, "/v1/billing/plans", map[string]any{
		"product_id": productID,
		"name":       subjectOrDefault(req.Description),
		"billing_cycles": []map[string]any{{
			"frequency":    map[string]any{"interval_unit": intervalUnit, "interval_count": 1},
			"tenure_type":  "REGULAR",
			"sequence":     1,
			"total_cycles": req.MaxCharges,
			"pricing_scheme": map[string]any{
				"fixed_price": paypalAmount{
					CurrencyCode: strings.ToUpper(req.Currency),
					Value:        FormatAmount(req.Amount, req.Currency),
				},
			},
		}},
		"payment_preferences": map[string]any{"auto_bill_outstanding": true},
	})
	if err != nil {
		return nil, err
	}
	planID, err := decodeID(planBody, "paypal plan")
	if err != nil {
		return nil, err
	}

	subBody, err := p.doJSON(ctx, http.MethodPost, "/v1/billing/subscriptions", map[string]any{
		"plan_id":    planID,
		"custom_id":  req.Reference,
		"subscriber": map[string]any{"email_address": req.PayerEmail},
		"application_context": map[string]any{
			"brand_name": p.brandName(),
			"return_url": req.ReturnURL,
			"cancel_url": req.ReturnURL,
		},
	})
	if err != nil {
		return nil, err
	}

	var sub struct {
		ID    string       `json:"id"`
		Links []paypalLink `json:"links"`
	}
	if err := json.Unmarshal(subBody, &sub); err != nil {
		return nil, fmt.Errorf("%w: paypal subscription response: %v", ErrProviderRequest, err)
	}
	approveURL := findPayPalLink(sub.Links, "approve")
	if sub.ID == "" || approveURL == "" {
		return nil, fmt.Errorf("%w: paypal subscription response missing id or approval link", ErrProviderRequest)
	}

	return &SubscriptionLink{
		PaymentLink: PaymentLink{
			Reference:         req.Reference,
			Provider:          types.ProviderPayPal,
			ProviderReference: sub.ID,
			RedirectURL:       approveURL,
		},
		SubscriptionReference: sub.ID,
	}, nil
}

type paypalWebhook struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		ID                 string        `json:"id"`
		Status             string        `json:"status"`
		State              string        `json:"state"`
		CustomID           string        `json:"custom_id"`
		Custom             string        `json:"custom"`
		BillingAgreementID string        `json:"billing_agreement_id"`
		Amount             *paypalAmount `json:"amount"`
		PurchaseUnits []struct {
			ReferenceID string        `json:"reference_id"`
			CustomID    string        `json:"custom_id"`
			Amount      *paypalAmount `json:"amount"`
		} `json:"purchase_units"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

func parsePayPalWebhook(payload []byte) (*paypalWebhook, error) {
	var event paypalWebhook
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(event.EventType) == "" {
		return nil, fmt.Errorf("%w: paypal event_type is missing", ErrMalformedPayload)
	}
	return &event, nil
}

func (p *PayPalProvider) EventID(payload []byte, _ http.Header) (string, error) {
	event, err := parsePayPalWebhook(payload)
	if err != nil {
		return "", err
	}
	if id := strings.TrimSpace(event.ID); id != "" {
		return id, nil
	}
	return checksumEventID(payload), nil
}

func (p *PayPalProvider) NormalizeWebhook(_ context.Context, payload []byte, headers http.Header) (*WebhookEvent, error) {
	event, err := parsePayPalWebhook(payload)
	if err != nil {
		return nil, err
	}
	eventID, _ := p.EventID(payload, headers)

	resource := event.Resource
	reference := firstNonEmpty(resource.CustomID, resource.Custom)
	providerRef := firstNonEmpty(resource.SupplementaryData.RelatedIDs.OrderID, resource.BillingAgreementID, resource.ID)
	amount := resource.Amount
	for _, unit := range resource.PurchaseUnits {
		reference = firstNonEmpty(reference, unit.CustomID, unit.ReferenceID)
		if amount == nil {
			amount = unit.Amount
		}
	}
	if reference == "" {
		return nil, fmt.Errorf("%w: paypal event %s carries no custom_id", ErrMalformedPayload, event.EventType)
	}

	out := &WebhookEvent{
		Provider:          types.ProviderPayPal,
		EventID:           eventID,
		EventType:         event.EventType,
		Reference:         reference,
		ProviderReference: providerRef,
		Status:            paypalEventToCanonical(event.EventType),
		ProviderStatus:    firstNonEmpty(resource.Status, resource.State),
		Checksum:          PayloadChecksum(payload),
	}
	if amount != nil {
		value, currency, err := amount.minorUnits()
		if err != nil {
			return nil, err
		}
		out.Amount = value
		out.Currency = currency
	}
	return out, nil
}

func (p *PayPalProvider) VerifyTransaction(ctx context.Context, lookup Lookup) (*StatusReport, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	providerRef := strings.TrimSpace(lookup.ProviderReference)
	if providerRef == "" {
		return nil, fmt.Errorf("%w: paypal lookups need the order or subscription id", ErrInvalidRequest)
	}

	if lookup.Subscription || strings.HasPrefix(providerRef, "I-") {
		body, err := p.doJSON(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(providerRef), nil)
		if err != nil {
			return nil, err
		}
		var sub struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			CustomID string `json:"custom_id"`
		}
		if err := json.Unmarshal(body, &sub); err != nil {
			return nil, fmt.Errorf("%w: paypal subscription response: %v", ErrProviderRequest, err)
		}
		return &StatusReport{
			Reference:         firstNonEmpty(sub.CustomID, lookup.Reference),
			ProviderReference: sub.ID,
			Status:            paypalSubscriptionStatusToCanonical(sub.Status),
			ProviderStatus:    sub.Status,
		}, nil
	}

	body, err := p.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(providerRef), nil)
	if err != nil {
		return nil, err
	}
	var order struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			CustomID string        `json:"custom_id"`
			Amount   *paypalAmount `json:"amount"`
		} `json:"purchase_units"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("%w: paypal order response: %v", ErrProviderRequest, err)
	}

	report := &StatusReport{
		Reference:         lookup.Reference,
		ProviderReference: order.ID,
		Status:            paypalOrderStatusToCanonical(order.Status),
		ProviderStatus:    order.Status,
	}
	if len(order.PurchaseUnits) > 0 {
		unit := order.PurchaseUnits[0]
		report.Reference = firstNonEmpty(unit.CustomID, lookup.Reference)
		if unit.Amount != nil {
			amount, currency, err := unit.Amount.minorUnits()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProviderRequest, err)
			}
			report.Amount = amount
			report.Currency = currency
		}
	}
	return report, nil
}

func (p *PayPalProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(p.baseURL, "/v1/oauth2/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := send(p.client, "paypal", req)
	if err != nil {
		return "", err
	}
	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
		return "", fmt.Errorf("%w: paypal token response is invalid", ErrProviderRequest)
	}

	// refresh a minute before expiry
	ttl := time.Duration(token.ExpiresIn)*time.Second - time.Minute
	if ttl < 0 {
		ttl = 0
	}
	p.token = token.AccessToken
	p.tokenExpiry = p.now().Add(ttl)
	return p.token, nil
}

func (p *PayPalProvider) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
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
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	return send(p.client, "paypal", req)
}

func (p *PayPalProvider) checkCredentials() error {
	if strings.TrimSpace(p.cfg.ClientID) == "" || strings.TrimSpace(p.cfg.ClientSecret) == "" {
		return fmt.Errorf("%w: paypal client id and secret are required", ErrInvalidRequest)
	}
	return nil
}

func (p *PayPalProvider) brandName() string {
	if name := strings.TrimSpace(p.cfg.BrandName); name != "" {
		return name
	}
	return "Payments"
}

func decodeID(body []byte, what string) (string, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: %s response: %v", ErrProviderRequest, what, err)
	}
	if strings.TrimSpace(payload.ID) == "" {
		return "", fmt.Errorf("%w: %s id missing", ErrProviderRequest, what)
	}
	return payload.ID, nil
}

func findPayPalLink(links []paypalLink, rels ...string) string {
	for _, rel := range rels {
		for _, link := range links {
			if link.Rel == rel && link.Href != "" {
				return link.Href
			}
		}
	}
	return ""
}

func paypalIntervalUnit(period types.Period) (string, bool) {
	switch period {
	case types.PeriodDaily:
		return "DAY", true
	case types.PeriodWeekly:
		return "WEEK", true
	case types.PeriodMonthly:
		return "MONTH", true
	case types.PeriodYearly:
		return "YEAR", true
	default:
		return "", false
	}
}

func paypalEventToCanonical(eventType string) types.TransactionStatus {
	switch strings.ToUpper(strings.TrimSpace(eventType)) {
	case "CHECKOUT.ORDER.APPROVED", "PAYMENT.CAPTURE.PENDING", "BILLING.SUBSCRIPTION.CREATED", "BILLING.SUBSCRIPTION.APPROVED":
		return types.StatusPending
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED", "PAYMENT.SALE.COMPLETED", "BILLING.SUBSCRIPTION.ACTIVATED":
		return types.StatusPaid
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED", "PAYMENT.SALE.DENIED", "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		return types.StatusFailed
	case "CHECKOUT.ORDER.VOIDED", "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
		return types.StatusCancelled
	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.CAPTURE.REVERSED", "PAYMENT.SALE.REFUNDED", "PAYMENT.SALE.REVERSED":
		return types.StatusRefunded
	default:
		return types.StatusUnknown
	}
}

func paypalOrderStatusToCanonical(status string) types.TransactionStatus {
	switch strings.ToUpper(status) {
	case "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		return types.StatusPending
	case "COMPLETED":
		return types.StatusPaid
	case "VOIDED":
		return types.StatusCancelled
	default:
		return types.StatusUnknown
	}
}

func paypalSubscriptionStatusToCanonical(status string) types.TransactionStatus {
	switch strings.ToUpper(status) {
	case "APPROVAL_PENDING", "APPROVED":
		return types.StatusPending
	case "ACTIVE":
		return types.StatusPaid
	case "CANCELLED", "EXPIRED":
		return types.StatusCancelled
	default:
		return types.StatusUnknown
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
