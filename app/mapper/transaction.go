package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/reconciler"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

func TransactionToResponse(item *entity.Transaction) *types.Transaction {
	if item == nil {
		return nil
	}

	history := make([]types.StatusChange, 0, len(item.History))
	for _, change := range item.History {
		history = append(history, types.StatusChange{
			Status:   string(change.Status),
			Applied:  change.Applied,
			Source:   change.Source,
			EventID:  change.EventID,
			Amount:   change.Amount,
			Currency: change.Currency,
			At:       change.At.UTC().Format(time.RFC3339),
		})
	}

	return &types.Transaction{
		Reference:             item.Reference,
		Provider:              string(item.Provider),
		Kind:                  string(item.Kind),
		ProviderReference:     item.ProviderReference,
		SubscriptionReference: item.SubscriptionReference,
		Status:                string(item.Status),
		Amount:                item.Amount,
		Currency:              item.Currency,
		CreditedAmount:        item.CreditedAmount,
		RedirectURL:           item.RedirectURL,
		ExpiresAt:             formatOptionalTime(item.ExpiresAt),
		Metadata:              cloneMetadata(item.Metadata),
		History:               history,
		CreatedAt:             item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:             item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func TransactionToLink(item *entity.Transaction) *types.PaymentLinkResponse {
	if item == nil {
		return nil
	}

	return &types.PaymentLinkResponse{
		Reference:             item.Reference,
		Provider:              string(item.Provider),
		ProviderReference:     item.ProviderReference,
		SubscriptionReference: item.SubscriptionReference,
		RedirectURL:           item.RedirectURL,
		ExpiresAt:             formatOptionalTime(item.ExpiresAt),
		Status:                string(item.Status),
	}
}

func OutcomeToWebhookResult(provider types.ProviderID, eventID string, item *entity.Transaction, outcome reconciler.Outcome) *types.WebhookResult {
	result := &types.WebhookResult{
		IsValid:        true,
		Provider:       string(provider),
		EventID:        eventID,
		PreviousStatus: string(outcome.PreviousStatus),
		Status:         string(outcome.Status),
		Applied:        outcome.Applied,
		CreditedDelta:  outcome.Delta,
		AmountMismatch: outcome.AmountMismatch,
	}
	if item != nil {
		result.Reference = item.Reference
	}
	return result
}

func formatOptionalTime(v *time.Time) *string {
	if v == nil {
		return nil
	}
	s := v.UTC().Format(time.RFC3339)
	return &s
}

func cloneMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return map[string]string{}
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
