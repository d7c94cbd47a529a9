package reconciler

import (
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const DefaultMaxHistory = 100

const (
	ReasonDuplicate   = "duplicate"
	ReasonUnreachable = "unreachable"
	ReasonUnknown     = "unknown_status"
)

var transitions = map[types.TransactionStatus][]types.TransactionStatus{
	types.StatusCreated: {types.StatusPending, types.StatusPaid, types.StatusFailed, types.StatusCancelled},
	types.StatusPending: {types.StatusPaid, types.StatusFailed, types.StatusCancelled},
	types.StatusPaid:    {types.StatusRefunded},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to types.TransactionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Observation struct {
	EventID    string
	Status     types.TransactionStatus
	Amount     int64
	Currency   string
	Source     string
	ObservedAt time.Time
}

type Outcome struct {
	Applied        bool
	PreviousStatus types.TransactionStatus
	Status         types.TransactionStatus
	Delta          int64
	AmountMismatch *types.AmountMismatchWarning
	Reason         string
	Promoted       bool
}

type Reconciler struct {
	maxHistory int
}

func New(maxHistory int) *Reconciler {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Reconciler{maxHistory: maxHistory}
}

// Apply folds one observation into record and returns the derived record.
// The input record is left untouched. Observations that cannot move the state
// machine are still appended to the history with Applied=false.
func (r *Reconciler) Apply(record *entity.Transaction, obs Observation) (*entity.Transaction, Outcome) {
	at := obs.ObservedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := record.Clone()
	outcome := Outcome{PreviousStatus: record.Status, Status: record.Status}
	change := entity.StatusChange{
		Status:   obs.Status,
		Source:   obs.Source,
		EventID:  obs.EventID,
		Amount:   obs.Amount,
		Currency: strings.ToUpper(obs.Currency),
		At:       at,
	}

	switch {
	case obs.Status == types.StatusUnknown || obs.Status == types.StatusCreated || !obs.Status.Valid():
		outcome.Reason = ReasonUnknown
	case obs.Status == record.Status:
		outcome.Reason = ReasonDuplicate
	case !CanTransition(record.Status, obs.Status):
		outcome.Reason = ReasonUnreachable
	default:
		change.Applied = true
		outcome.Applied = true
		outcome.Delta, outcome.AmountMismatch = r.transition(next, obs)
		outcome.Status = next.Status
		next.UpdatedAt = at
	}

	next.History = append(next.History, change)

	if outcome.Applied && next.Status == types.StatusPaid {
		if early := findDeferredRefund(record.History); early != nil {
			refund := Observation{
				EventID:  early.EventID,
				Status:   types.StatusRefunded,
				Amount:   early.Amount,
				Currency: early.Currency,
			}
			delta, _ := r.transition(next, refund)
			outcome.Delta += delta
			outcome.Status = next.Status
			outcome.Promoted = true
			next.History = append(next.History, entity.StatusChange{
				Status:   types.StatusRefunded,
				Applied:  true,
				Source:   entity.SourceDeferred,
				EventID:  early.EventID,
				Amount:   early.Amount,
				Currency: early.Currency,
				At:       at,
			})
		}
	}

	if len(next.History) > r.maxHistory {
		trimmed := make([]entity.StatusChange, r.maxHistory)
		copy(trimmed, next.History[len(next.History)-r.maxHistory:])
		next.History = trimmed
	}

	return next, outcome
}

func (r *Reconciler) transition(next *entity.Transaction, obs Observation) (int64, *types.AmountMismatchWarning) {
	var delta int64
	var mismatch *types.AmountMismatchWarning

	switch obs.Status {
	case types.StatusPaid:
		mismatch = amountMismatch(next, obs)
		credit := obs.Amount
		if credit <= 0 {
			credit = next.Amount
		}
		if next.Amount == 0 {
			next.Amount = credit
		}
		if next.Currency == "" && obs.Currency != "" {
			next.Currency = strings.ToUpper(obs.Currency)
		}
		next.CreditedAmount = credit
		delta = credit
	case types.StatusRefunded:
		delta = -next.CreditedAmount
		next.CreditedAmount = 0
	}

	next.Status = obs.Status
	return delta, mismatch
}

func amountMismatch(record *entity.Transaction, obs Observation) *types.AmountMismatchWarning {
	if record.Amount == 0 || obs.Amount == 0 {
		return nil
	}
	currencyDiffers := obs.Currency != "" && record.Currency != "" && !strings.EqualFold(obs.Currency, record.Currency)
	if obs.Amount == record.Amount && !currencyDiffers {
		return nil
	}
	return &types.AmountMismatchWarning{
		ExpectedAmount:   record.Amount,
		ExpectedCurrency: record.Currency,
		ReportedAmount:   obs.Amount,
		ReportedCurrency: strings.ToUpper(obs.Currency),
	}
}

// findDeferredRefund returns the most recent refund that arrived while the
// record could not accept it yet.
func findDeferredRefund(history []entity.StatusChange) *entity.StatusChange {
	for i := len(history) - 1; i >= 0; i-- {
		change := history[i]
		if change.Status == types.StatusRefunded && !change.Applied {
			return &change
		}
	}
	return nil
}
