package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

var (
	boltTransactionsBucket = []byte("transactions")
	boltRequestIDsBucket   = []byte("transaction_request_ids")
	boltEventsBucket       = []byte("processed_events")
	boltWebhookLogsBucket  = []byte("webhook_logs")
)

// OpenBolt opens (or creates) the embedded database file and makes sure every
// bucket used by the bolt repositories exists.
func OpenBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltTransactionsBucket, boltRequestIDsBucket, boltEventsBucket, boltWebhookLogsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

type BoltTransactionRepository struct {
	db *bolt.DB
}

func NewBoltTransactionRepository(db *bolt.DB) *BoltTransactionRepository {
	return &BoltTransactionRepository{db: db}
}

func (r *BoltTransactionRepository) Create(_ context.Context, item *entity.Transaction) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltTransactionsBucket)
		if b.Get([]byte(item.Reference)) != nil {
			return ErrTransactionAlreadyExists
		}

		ids := tx.Bucket(boltRequestIDsBucket)
		if item.RequestID != "" {
			if ids.Get([]byte(item.RequestID)) != nil {
				return ErrTransactionAlreadyExists
			}
			if err := ids.Put([]byte(item.RequestID), []byte(item.Reference)); err != nil {
				return err
			}
		}

		stored := item.Clone()
		stored.Version = 1
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(item.Reference), data); err != nil {
			return err
		}

		item.Version = 1
		return nil
	})
}

func (r *BoltTransactionRepository) Update(_ context.Context, item *entity.Transaction, expectedVersion int64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltTransactionsBucket)
		raw := b.Get([]byte(item.Reference))
		if raw == nil {
			return ErrTransactionNotFound
		}

		var current entity.Transaction
		if err := json.Unmarshal(raw, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}

		stored := item.Clone()
		stored.Version = expectedVersion + 1
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(item.Reference), data); err != nil {
			return err
		}

		item.Version = stored.Version
		return nil
	})
}

func (r *BoltTransactionRepository) FindByReference(_ context.Context, reference string) (*entity.Transaction, error) {
	var out *entity.Transaction
	err := r.db.View(func(tx *bolt.Tx) error {
		item, err := boltGetTransaction(tx, reference)
		out = item
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BoltTransactionRepository) FindByRequestID(_ context.Context, requestID string) (*entity.Transaction, error) {
	var out *entity.Transaction
	err := r.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(boltRequestIDsBucket).Get([]byte(requestID))
		if ref == nil {
			return nil
		}
		item, err := boltGetTransaction(tx, string(ref))
		out = item
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BoltTransactionRepository) ListForReconcile(_ context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	items, err := r.scan(func(item *entity.Transaction) bool {
		return (item.Status == types.StatusCreated || item.Status == types.StatusPending) && !item.UpdatedAt.After(before)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	return limitTransactions(items, limit), nil
}

func (r *BoltTransactionRepository) ListDueCallbackDispatch(_ context.Context, now time.Time, limit int32) ([]*entity.Transaction, error) {
	items, err := r.scan(func(item *entity.Transaction) bool {
		return item.CallbackDeliveryStatus == entity.CallbackDeliveryPending &&
			item.CallbackDeliveryNextAt != nil &&
			!item.CallbackDeliveryNextAt.After(now)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CallbackDeliveryNextAt.Before(*items[j].CallbackDeliveryNextAt)
	})
	return limitTransactions(items, limit), nil
}

func (r *BoltTransactionRepository) scan(match func(*entity.Transaction) bool) ([]*entity.Transaction, error) {
	items := make([]*entity.Transaction, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltTransactionsBucket).ForEach(func(_, v []byte) error {
			var item entity.Transaction
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if match(&item) {
				items = append(items, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func boltGetTransaction(tx *bolt.Tx, reference string) (*entity.Transaction, error) {
	raw := tx.Bucket(boltTransactionsBucket).Get([]byte(reference))
	if raw == nil {
		return nil, nil
	}
	var item entity.Transaction
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	if item.Metadata == nil {
		item.Metadata = map[string]string{}
	}
	return &item, nil
}

func limitTransactions(items []*entity.Transaction, limit int32) []*entity.Transaction {
	if limit > 0 && len(items) > int(limit) {
		return items[:limit]
	}
	return items
}

type BoltProcessedEventRepository struct {
	db  *bolt.DB
	now func() time.Time
}

func NewBoltProcessedEventRepository(db *bolt.DB) *BoltProcessedEventRepository {
	return &BoltProcessedEventRepository{db: db, now: time.Now}
}

// CheckAndMark reads and writes the mark inside one bolt write transaction,
// which bolt serializes, so concurrent callers cannot both see "absent".
func (r *BoltProcessedEventRepository) CheckAndMark(_ context.Context, provider, eventID string) (*entity.MarkResult, error) {
	result := &entity.MarkResult{}
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltEventsBucket)
		key := []byte(eventKey(provider, eventID))

		if existing := b.Get(key); existing != nil {
			var event entity.ProcessedEvent
			if err := json.Unmarshal(existing, &event); err != nil {
				return err
			}
			result.AlreadyProcessed = true
			result.TransactionRef = event.TransactionRef
			return nil
		}

		data, err := json.Marshal(&entity.ProcessedEvent{
			Provider:  provider,
			EventID:   eventID,
			CreatedAt: r.now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *BoltProcessedEventRepository) Complete(_ context.Context, provider, eventID, transactionRef string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltEventsBucket)
		key := []byte(eventKey(provider, eventID))

		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var event entity.ProcessedEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return err
		}
		event.TransactionRef = transactionRef

		data, err := json.Marshal(&event)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (r *BoltProcessedEventRepository) Release(_ context.Context, provider, eventID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltEventsBucket).Delete([]byte(eventKey(provider, eventID)))
	})
}

type BoltWebhookLogRepository struct {
	db *bolt.DB
}

func NewBoltWebhookLogRepository(db *bolt.DB) *BoltWebhookLogRepository {
	return &BoltWebhookLogRepository{db: db}
}

func (r *BoltWebhookLogRepository) Create(_ context.Context, log *entity.WebhookLog) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltWebhookLogsBucket)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		log.ID = id

		data, err := json.Marshal(log)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		return b.Put(key, data)
	})
}
