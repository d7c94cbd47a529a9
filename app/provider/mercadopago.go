package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preapproval"
	"github.com/mercadopago/sdk-go/pkg/preference"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/signature"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

type MercadoPagoConfig struct {
	AccessToken string
	Environment types.Environment
	HTTPTimeout time.Duration
}

type mercadoPagoPreferences interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

type mercadoPagoPreapprovals interface {
	Create(ctx context.Context, request preapproval.Request) (*preapproval.Response, error)
	Get(ctx context.Context, id string) (*preapproval.Response, error)
}

type mercadoPagoPayments interface {
	Get(ctx context.Context, id int) (*payment.Response, error)
	Search(ctx context.Context, request payment.SearchRequest) (*payment.SearchResponse, error)
}

type MercadoPagoProvider struct {
	cfg     MercadoPagoConfig
	timeout time.Duration

	preferences  mercadoPagoPreferences
	preapprovals mercadoPagoPreapprovals
	payments     mercadoPagoPayments
}

func NewMercadoPagoProvider(cfg MercadoPagoConfig) (*MercadoPagoProvider, error) {
	p := &MercadoPagoProvider{cfg: cfg, timeout: defaultTimeout(cfg.HTTPTimeout)}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return p, nil
	}

	sdkCfg, err := config.New(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("mercado pago sdk config: %w", err)
	}
	p.preferences = preference.NewClient(sdkCfg)
	p.preapprovals = preapproval.NewClient(sdkCfg)
	p.payments = payment.NewClient(sdkCfg)
	return p, nil
}

func (p *MercadoPagoProvider) ID() types.ProviderID {
	return types.ProviderMercadoPago
}

func (p *MercadoPagoProvider) CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentLink, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if err := validatePaymentRequest(req); err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	request := preference.Request{
		ExternalReference: req.Reference,
		NotificationURL:   req.NotificationURL,
		Items: []preference.ItemRequest{{
			ID:         req.Reference,
			Title:      subjectOrDefault(req.Description),
			Quantity:   1,
			CurrencyID: strings.ToUpper(req.Currency),
			UnitPrice:  ToMajorUnits(req.Amount, req.Currency),
		}},
		Payer: &preference.PayerRequest{Email: req.PayerEmail},
		BackURLs: &preference.BackURLsRequest{
			Success: req.ReturnURL,
			Pending: req.ReturnURL,
			Failure: req.ReturnURL,
		},
		AutoReturn: "approved",
		Metadata:   metadata,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.preferences.Create(ctx, request)
	if err != nil {
		return nil, mercadoPagoError("preference create", err)
	}

	redirectURL := resp.InitPoint
	if p.cfg.Environment != types.EnvironmentProduction && resp.SandboxInitPoint != "" {
		redirectURL = resp.SandboxInitPoint
	}
	if resp.ID == "" || redirectURL == "" {
		return nil, fmt.Errorf("%w: mercado pago preference missing id or init point", ErrProviderRequest)
	}

	return &PaymentLink{
		Reference:         req.Reference,
		Provider:          types.ProviderMercadoPago,
		ProviderReference: resp.ID,
		RedirectURL:       redirectURL,
	}, nil
}

func (p *MercadoPagoProvider) CreateSubscription(ctx context.Context, req *SubscriptionRequest) (*SubscriptionLink, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if err := validateSubscriptionRequest(req); err != nil {
		return nil, err
	}
	frequency, frequencyType, ok := mercadoPagoFrequency(req.Period)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported period %q", ErrInvalidRequest, req.Period)
	}

	recurring := &preapproval.AutoRecurringRequest{
		CurrencyID:        strings.ToUpper(req.Currency),
		TransactionAmount: ToMajorUnits(req.Amount, req.Currency),
		Frequency:         frequency,
		FrequencyType:     frequencyType,
	}
	if req.MaxCharges > 0 {
		end := subscriptionEndDate(time.Now().UTC(), req.Period, req.MaxCharges)
		recurring.EndDate = &end
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.preapprovals.Create(ctx, preapproval.Request{
		Reason:            subjectOrDefault(req.Description),
		ExternalReference: req.Reference,
		PayerEmail:        req.PayerEmail,
		BackURL:           req.ReturnURL,
		Status:            "pending",
		AutoRecurring:     recurring,
	})
	if err != nil {
		return nil, mercadoPagoError("preapproval create", err)
	}
	if resp.ID == "" || resp.InitPoint == "" {
		return nil, fmt.Errorf("%w: mercado pago preapproval missing id or init point", ErrProviderRequest)
	}

	return &SubscriptionLink{
		PaymentLink: PaymentLink{
			Reference:         req.Reference,
			Provider:          types.ProviderMercadoPago,
			ProviderReference: resp.ID,
			RedirectURL:       resp.InitPoint,
		},
		SubscriptionReference: resp.ID,
	}, nil
}

// mercadoPagoNotification holds only the routing fields of a notification.
// The signature covers data.id alone, so everything else about the payment
// is read back from the API.
type mercadoPagoNotification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

func (n *mercadoPagoNotification) kind() string {
	switch kind := strings.ToLower(firstNonEmpty(n.Type, n.Topic)); kind {
	case "subscription_preapproval":
		return "preapproval"
	default:
		return kind
	}
}

func parseMercadoPagoNotification(payload []byte) (*mercadoPagoNotification, error) {
	var n mercadoPagoNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if rawID(n.Data.ID) == "" {
		return nil, fmt.Errorf("%w: mercado pago notification without data.id", ErrMalformedPayload)
	}
	return &n, nil
}

// EventID is built from signed material only: data.id plus the delivery's
// request id, or the signed ts when the request id is absent.
func (p *MercadoPagoProvider) EventID(payload []byte, headers http.Header) (string, error) {
	n, err := parseMercadoPagoNotification(payload)
	if err != nil {
		return "", err
	}
	id := "mp:" + n.kind() + ":" + rawID(n.Data.ID)
	if headers == nil {
		return id, nil
	}
	if delivery := firstNonEmpty(
		strings.TrimSpace(headers.Get(signature.MercadoPagoRequestIDHeader)),
		signature.MercadoPagoTimestamp(headers),
	); delivery != "" {
		id += ":" + delivery
	}
	return id, nil
}

// NormalizeWebhook always resolves the notification through the SDK using the
// signed data.id. Inline payment fields in the body are ignored.
func (p *MercadoPagoProvider) NormalizeWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookEvent, error) {
	n, err := parseMercadoPagoNotification(payload)
	if err != nil {
		return nil, err
	}
	eventID, err := p.EventID(payload, headers)
	if err != nil {
		return nil, err
	}
	dataID := rawID(n.Data.ID)

	var report *StatusReport
	switch n.kind() {
	case "payment":
		report, err = p.fetchPayment(ctx, dataID)
	case "preapproval":
		report, err = p.fetchPreapproval(ctx, dataID)
	default:
		return nil, fmt.Errorf("%w: unsupported mercado pago notification type %q", ErrMalformedPayload, n.kind())
	}
	if err != nil {
		return nil, err
	}
	if report.Reference == "" {
		return nil, fmt.Errorf("%w: mercado pago %s %s has no external_reference", ErrMalformedPayload, n.kind(), dataID)
	}

	return &WebhookEvent{
		Provider:          types.ProviderMercadoPago,
		EventID:           eventID,
		EventType:         firstNonEmpty(n.Action, n.kind()),
		Reference:         report.Reference,
		ProviderReference: firstNonEmpty(report.ProviderReference, dataID),
		Status:            report.Status,
		ProviderStatus:    report.ProviderStatus,
		Amount:            report.Amount,
		Currency:          report.Currency,
		Checksum:          PayloadChecksum(payload),
	}, nil
}

func (p *MercadoPagoProvider) VerifyTransaction(ctx context.Context, lookup Lookup) (*StatusReport, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if lookup.Subscription {
		if strings.TrimSpace(lookup.ProviderReference) == "" {
			return nil, fmt.Errorf("%w: preapproval id is required", ErrInvalidRequest)
		}
		return p.fetchPreapproval(ctx, lookup.ProviderReference)
	}
	if strings.TrimSpace(lookup.Reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.payments.Search(ctx, payment.SearchRequest{
		Filters: map[string]string{"external_reference": lookup.Reference},
	})
	if err != nil {
		return nil, mercadoPagoError("payment search", err)
	}

	var best *payment.Response
	for i := range resp.Results {
		candidate := &resp.Results[i]
		if candidate.ExternalReference != "" && candidate.ExternalReference != lookup.Reference {
			continue
		}
		if best == nil || statusRank(mercadoPagoPaymentStatus(candidate.Status)) >= statusRank(mercadoPagoPaymentStatus(best.Status)) {
			best = candidate
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: mercado pago external_reference=%s", ErrNotFound, lookup.Reference)
	}
	report := paymentReport(best)
	report.Reference = lookup.Reference
	return report, nil
}

func (p *MercadoPagoProvider) fetchPayment(ctx context.Context, rawPaymentID string) (*StatusReport, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	paymentID, err := strconv.Atoi(rawPaymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: payment id %q", ErrMalformedPayload, rawPaymentID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, mercadoPagoError("payment get", err)
	}
	return paymentReport(resp), nil
}

func (p *MercadoPagoProvider) fetchPreapproval(ctx context.Context, id string) (*StatusReport, error) {
	if err := p.checkCredentials(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: preapproval id is missing", ErrMalformedPayload)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.preapprovals.Get(ctx, id)
	if err != nil {
		return nil, mercadoPagoError("preapproval get", err)
	}
	return &StatusReport{
		Reference:         resp.ExternalReference,
		ProviderReference: resp.ID,
		Status:            mercadoPagoPreapprovalStatus(resp.Status),
		ProviderStatus:    resp.Status,
	}, nil
}

func (p *MercadoPagoProvider) checkCredentials() error {
	if strings.TrimSpace(p.cfg.AccessToken) == "" || p.payments == nil {
		return fmt.Errorf("%w: mercado pago access token is required", ErrInvalidRequest)
	}
	return nil
}

func paymentReport(resp *payment.Response) *StatusReport {
	return &StatusReport{
		Reference:         resp.ExternalReference,
		ProviderReference: strconv.Itoa(resp.ID),
		Status:            mercadoPagoPaymentStatus(resp.Status),
		ProviderStatus:    resp.Status,
		Amount:            FromMajorUnits(resp.TransactionAmount, resp.CurrencyID),
		Currency:          strings.ToUpper(resp.CurrencyID),
	}
}

func mercadoPagoError(op string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: mercado pago %s: %v", ErrProviderTimeout, op, err)
	}
	return fmt.Errorf("%w: mercado pago %s: %v", ErrProviderRequest, op, err)
}

func mercadoPagoPaymentStatus(status string) types.TransactionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "authorized", "in_process", "in_mediation":
		return types.StatusPending
	case "approved":
		return types.StatusPaid
	case "rejected":
		return types.StatusFailed
	case "cancelled":
		return types.StatusCancelled
	case "refunded", "charged_back":
		return types.StatusRefunded
	default:
		return types.StatusUnknown
	}
}

func mercadoPagoPreapprovalStatus(status string) types.TransactionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "paused":
		return types.StatusPending
	case "authorized":
		return types.StatusPaid
	case "cancelled":
		return types.StatusCancelled
	default:
		return types.StatusUnknown
	}
}

func mercadoPagoFrequency(period types.Period) (int, string, bool) {
	switch period {
	case types.PeriodDaily:
		return 1, "days", true
	case types.PeriodWeekly:
		return 7, "days", true
	case types.PeriodMonthly:
		return 1, "months", true
	case types.PeriodYearly:
		return 12, "months", true
	default:
		return 0, "", false
	}
}

func subscriptionEndDate(start time.Time, period types.Period, charges int32) time.Time {
	n := int(charges)
	switch period {
	case types.PeriodDaily:
		return start.AddDate(0, 0, n)
	case types.PeriodWeekly:
		return start.AddDate(0, 0, 7*n)
	case types.PeriodYearly:
		return start.AddDate(n, 0, 0)
	default:
		return start.AddDate(0, n, 0)
	}
}

// statusRank orders statuses so the most advanced one wins when a reference
// has several provider-side attempts.
func statusRank(status types.TransactionStatus) int {
	switch status {
	case types.StatusRefunded:
		return 4
	case types.StatusPaid:
		return 3
	case types.StatusFailed, types.StatusCancelled:
		return 2
	case types.StatusPending:
		return 1
	default:
		return 0
	}
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		return strings.TrimSpace(unquoted)
	}
	return s
}
