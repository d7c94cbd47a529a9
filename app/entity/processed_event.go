package entity

import "time"

type ProcessedEvent struct {
	Provider       string
	EventID        string
	TransactionRef string
	CreatedAt      time.Time
}

type MarkResult struct {
	AlreadyProcessed bool
	TransactionRef   string
}
