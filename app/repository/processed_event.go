package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
)

// ProcessedEventRepository is the MySQL idempotency store. The primary key on
// (provider, event_id) makes the insert the atomic check.
type ProcessedEventRepository struct {
	db  DBTX
	now func() time.Time
}

func NewProcessedEventRepository(db DBTX) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db, now: time.Now}
}

func (r *ProcessedEventRepository) CheckAndMark(ctx context.Context, provider, eventID string) (*entity.MarkResult, error) {
	query := `
		INSERT INTO processed_events (provider, event_id, transaction_ref, created_at)
		VALUES (?, ?, NULL, ?)
	`

	_, err := r.db.ExecContext(ctx, query, provider, eventID, r.now().UTC())
	if err == nil {
		return &entity.MarkResult{}, nil
	}
	if !isDuplicateEntryError(err) {
		return nil, err
	}

	var ref sql.NullString
	err = r.db.QueryRowContext(ctx,
		`SELECT transaction_ref FROM processed_events WHERE provider = ? AND event_id = ?`,
		provider, eventID,
	).Scan(&ref)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &entity.MarkResult{AlreadyProcessed: true, TransactionRef: stringFromNull(ref)}, nil
}

func (r *ProcessedEventRepository) Complete(ctx context.Context, provider, eventID, transactionRef string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_events SET transaction_ref = ? WHERE provider = ? AND event_id = ?`,
		nullableString(transactionRef), provider, eventID,
	)
	return err
}

func (r *ProcessedEventRepository) Release(ctx context.Context, provider, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE provider = ? AND event_id = ?`,
		provider, eventID,
	)
	return err
}
