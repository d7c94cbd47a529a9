package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const transactionColumns = `
	reference, request_id, provider, kind, provider_reference, subscription_reference,
	status, history_json, amount, currency, credited_amount,
	description, payer_email, redirect_url, expires_at,
	status_callback_url, metadata_json,
	callback_delivery_status, callback_delivery_attempts, callback_delivery_next_at, callback_delivery_last_error,
	version, created_at, updated_at
`

type TransactionRepository struct {
	db DBTX
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *entity.Transaction) error {
	metadataJSON, err := serializeMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	historyJSON, err := serializeHistory(tx.History)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		tx.Reference,
		nullableString(tx.RequestID),
		string(tx.Provider),
		string(tx.Kind),
		nullableString(tx.ProviderReference),
		nullableString(tx.SubscriptionReference),
		string(tx.Status),
		historyJSON,
		tx.Amount,
		tx.Currency,
		tx.CreditedAmount,
		tx.Description,
		tx.PayerEmail,
		nullableString(tx.RedirectURL),
		nullableTimeValue(tx.ExpiresAt),
		tx.StatusCallbackURL,
		metadataJSON,
		tx.CallbackDeliveryStatus,
		tx.CallbackDeliveryAttempts,
		nullableTimeValue(tx.CallbackDeliveryNextAt),
		nullableStringValue(tx.CallbackDeliveryLastErr),
		int64(1),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrTransactionAlreadyExists
		}
		return err
	}

	tx.Version = 1
	return nil
}

// Update writes tx only when the stored version still equals expectedVersion.
// On success tx.Version is advanced to the persisted value.
func (r *TransactionRepository) Update(ctx context.Context, tx *entity.Transaction, expectedVersion int64) error {
	metadataJSON, err := serializeMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	historyJSON, err := serializeHistory(tx.History)
	if err != nil {
		return err
	}

	query := `
		UPDATE transactions SET
			provider_reference = ?,
			subscription_reference = ?,
			status = ?,
			history_json = ?,
			amount = ?,
			currency = ?,
			credited_amount = ?,
			redirect_url = ?,
			expires_at = ?,
			status_callback_url = ?,
			metadata_json = ?,
			callback_delivery_status = ?,
			callback_delivery_attempts = ?,
			callback_delivery_next_at = ?,
			callback_delivery_last_error = ?,
			version = version + 1,
			updated_at = ?
		WHERE reference = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableString(tx.ProviderReference),
		nullableString(tx.SubscriptionReference),
		string(tx.Status),
		historyJSON,
		tx.Amount,
		tx.Currency,
		tx.CreditedAmount,
		nullableString(tx.RedirectURL),
		nullableTimeValue(tx.ExpiresAt),
		tx.StatusCallbackURL,
		metadataJSON,
		tx.CallbackDeliveryStatus,
		tx.CallbackDeliveryAttempts,
		nullableTimeValue(tx.CallbackDeliveryNextAt),
		nullableStringValue(tx.CallbackDeliveryLastErr),
		tx.UpdatedAt,
		tx.Reference,
		expectedVersion,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE reference = ?`, tx.Reference).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}

	tx.Version = expectedVersion + 1
	return nil
}

func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = ?`

	tx := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, reference), tx); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return tx, nil
}

func (r *TransactionRepository) FindByRequestID(ctx context.Context, requestID string) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE request_id = ? LIMIT 1`

	tx := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, requestID), tx); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return tx, nil
}

func (r *TransactionRepository) ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status IN (?, ?)
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	return r.list(ctx, query, string(types.StatusCreated), string(types.StatusPending), before, limit)
}

func (r *TransactionRepository) ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE callback_delivery_status = ?
		  AND callback_delivery_next_at IS NOT NULL
		  AND callback_delivery_next_at <= ?
		ORDER BY callback_delivery_next_at ASC
		LIMIT ?
	`

	return r.list(ctx, query, entity.CallbackDeliveryPending, now, limit)
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Transaction, 0)
	for rows.Next() {
		item := &entity.Transaction{}
		if err := scanTransaction(rows, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(scan rowScanner, tx *entity.Transaction) error {
		var             (
		requestID       sql.NullString
		provider        string
		kind            string
		providerRef     sql.NullString
		subscriptionRef sql.NullString
		status          string
		historyJSON     string
		redirectURL     sql.NullString
		expiresAt       sql.NullTime
		metadataJSON    string
		callbackNextAt  sql.NullTime
		callbackLastErr sql.NullString
	)

	err := scan.Scan(
		&tx.Reference,
		&requestID,
		&provider,
		&kind,
		&providerRef,
		&subscriptionRef,
		&status,
		&historyJSON,
		&tx.Amount,
		&tx.Currency,
		&tx.CreditedAmount,
		&tx.Description,
		&tx.PayerEmail,
		&redirectURL,
		&expiresAt,
		&tx.StatusCallbackURL,
		&metadataJSON,
		&tx.CallbackDeliveryStatus,
		&tx.CallbackDeliveryAttempts,
		&callbackNextAt,
		&callbackLastErr,
		&tx.Version,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return err
	}

	tx.RequestID = stringFromNull(requestID)
	tx.Provider = types.ProviderID(provider)
	tx.Kind = types.TransactionKind(kind)
	tx.ProviderReference = stringFromNull(providerRef)
	tx.SubscriptionReference = stringFromNull(subscriptionRef)
	tx.Status = types.TransactionStatus(status)
	tx.RedirectURL = stringFromNull(redirectURL)
	tx.ExpiresAt = timePtrFromNull(expiresAt)
	tx.CallbackDeliveryNextAt = timePtrFromNull(callbackNextAt)
	tx.CallbackDeliveryLastErr = stringPtrFromNull(callbackLastErr)

	history, err := parseHistory(historyJSON)
	if err != nil {
		return err
	}
	tx.History = history

	metadata, err := parseMetadata(metadataJSON)
	if err != nil {
		return err
	}
	tx.Metadata = metadata

	return nil
}
