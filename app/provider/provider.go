package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

type PaymentRequest struct {
	Reference       string
	Amount          int64
	Currency        string
	Description     string
	PayerEmail      string
	ReturnURL       string
	NotificationURL string
	Metadata        map[string]string
}

type SubscriptionRequest struct {
	PaymentRequest
	Period     types.Period
	MaxCharges int32
}

type PaymentLink struct {
	Reference         string
	Provider          types.ProviderID
	ProviderReference string
	RedirectURL       string
	ExpiresAt         *time.Time
}

type SubscriptionLink struct {
	PaymentLink
	SubscriptionReference string
}

// WebhookEvent is the provider-independent view of one inbound notification.
type WebhookEvent struct {
	Provider          types.ProviderID
	EventID           string
	EventType         string
	Reference         string
	ProviderReference string
	Status            types.TransactionStatus
	ProviderStatus    string
	Amount            int64
	Currency          string
	Checksum          string
}

type Lookup struct {
	Reference         string
	ProviderReference string
	Subscription      bool
}

type StatusReport struct {
	Reference         string
	ProviderReference string
	Status            types.TransactionStatus
	ProviderStatus    string
	Amount            int64
	Currency          string
}

type Provider interface {
	ID() types.ProviderID
	CreatePayment(ctx context.Context, req *PaymentRequest) (*PaymentLink, error)
	CreateSubscription(ctx context.Context, req *SubscriptionRequest) (*SubscriptionLink, error)
	// EventID extracts the deduplication key without calling the provider.
	EventID(payload []byte, headers http.Header) (string, error)
	NormalizeWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookEvent, error)
	VerifyTransaction(ctx context.Context, lookup Lookup) (*StatusReport, error)
}

func PayloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func checksumEventID(payload []byte) string {
	return "sha256:" + PayloadChecksum(payload)
}

func defaultTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}
