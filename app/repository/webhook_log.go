package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
)

type WebhookLogRepository struct {
	db DBTX
}

func NewWebhookLogRepository(db DBTX) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

func (r *WebhookLogRepository) Create(ctx context.Context, log *entity.WebhookLog) error {
	query := `
		INSERT INTO webhook_logs (
			provider, event_id, transaction_ref, checksum, payload, status, error, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		log.Provider,
		nullableString(log.EventID),
		nullableString(log.TransactionRef),
		log.Checksum,
		log.Payload,
		log.Status,
		nullableStringValue(log.Error),
		log.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	log.ID = uint64(id)

	return nil
}
