package entity

import "time"

const (
	WebhookLogProcessed int32 = 10
	WebhookLogDuplicate int32 = 20
	WebhookLogRejected  int32 = 30
	WebhookLogFailed    int32 = 40
)

type WebhookLog struct {
	ID uint64

	Provider       string
	EventID        string
	TransactionRef string
	Checksum       string
	Payload        string
	Status         int32
	Error          *string

	CreatedAt time.Time
}
