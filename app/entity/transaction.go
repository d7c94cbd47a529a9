package entity

import (
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const (
	CallbackDeliveryNone    int32 = 0
	CallbackDeliveryPending int32 = 1
	CallbackDeliverySuccess int32 = 10
	CallbackDeliveryFailed  int32 = 20
)

const (
	SourceCreated  = "created"
	SourceWebhook  = "webhook"
	SourcePoll     = "poll"
	SourceDeferred = "deferred"
)

type StatusChange struct {
	Status   types.TransactionStatus `json:"status"`
	Applied  bool                    `json:"applied"`
	Source   string                  `json:"source"`
	EventID  string                  `json:"event_id,omitempty"`
	Amount   int64                   `json:"amount,omitempty"`
	Currency string                  `json:"currency,omitempty"`
	At       time.Time               `json:"at"`
}

type Transaction struct {
	Reference string
	RequestID string

	Provider              types.ProviderID
	Kind                  types.TransactionKind
	ProviderReference     string
	SubscriptionReference string

	Status  types.TransactionStatus
	History []StatusChange

	Amount         int64
	Currency       string
	CreditedAmount int64

	Description string
	PayerEmail  string
	RedirectURL string
	ExpiresAt   *time.Time

	StatusCallbackURL string
	Metadata          map[string]string

	CallbackDeliveryStatus   int32
	CallbackDeliveryAttempts int32
	CallbackDeliveryNextAt   *time.Time
	CallbackDeliveryLastErr  *string

	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can derive a new record without
// touching the stored one.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	if t.History != nil {
		out.History = make([]StatusChange, len(t.History))
		copy(out.History, t.History)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.ExpiresAt != nil {
		v := *t.ExpiresAt
		out.ExpiresAt = &v
	}
	if t.CallbackDeliveryNextAt != nil {
		v := *t.CallbackDeliveryNextAt
		out.CallbackDeliveryNextAt = &v
	}
	if t.CallbackDeliveryLastErr != nil {
		v := *t.CallbackDeliveryLastErr
		out.CallbackDeliveryLastErr = &v
	}
	return &out
}
