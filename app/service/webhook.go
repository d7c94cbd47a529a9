package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/mapper"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/provider"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/reconciler"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/repository"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/signature"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const (
	rejectionMalformedPayload = "MALFORMED_PAYLOAD"
	maxLoggedPayloadBytes     = 64 * 1024
)

// HandleWebhook runs one inbound notification through verification,
// deduplication, normalization and reconciliation. Rejected or malformed
// payloads come back as an invalid result; only provider and store failures
// are returned as errors.
func (s *GatewayService) HandleWebhook(ctx context.Context, req *types.HandleWebhookRequest) (*types.WebhookResult, error) {
	if req == nil {
		return invalidResult("", rejectionMalformedPayload, "request is required"), nil
	}

	providerID, ok := types.ParseProviderID(req.Provider)
	if !ok {
		s.logWebhook(ctx, req.Provider, "", "", req.Payload, entity.WebhookLogRejected, "unsupported provider")
		return invalidResult(req.Provider, string(signature.ReasonUnsupportedProvider), "unsupported provider"), nil
	}
	if err := req.Validate(); err != nil {
		return invalidResult(string(providerID), rejectionMalformedPayload, err.Error()), nil
	}

	adapter, err := s.providerReg.Get(providerID)
	if err != nil {
		s.logWebhook(ctx, string(providerID), "", "", req.Payload, entity.WebhookLogRejected, "provider is not configured")
		return invalidResult(string(providerID), string(signature.ReasonUnsupportedProvider), "provider is not configured"), nil
	}

	logger := s.logger.WithFields(logrus.Fields{"provider": providerID, "request_id": req.RequestID})

	if _, err := s.verifier.Verify(providerID, req.Payload, req.Headers, s.secrets[providerID]); err != nil {
		reason := string(signature.ReasonSignatureMismatch)
		var rejection *signature.Rejection
		if errors.As(err, &rejection) {
			reason = string(rejection.Reason)
		}
		logger.WithField("reason", reason).Warn("Webhook signature rejected")
		s.logWebhook(ctx, string(providerID), "", "", req.Payload, entity.WebhookLogRejected, err.Error())
		return invalidResult(string(providerID), reason, err.Error()), nil
	}

	eventID, err := adapter.EventID(req.Payload, req.Headers)
	if err != nil {
		logger.WithError(err).Warn("Webhook payload malformed")
		s.logWebhook(ctx, string(providerID), "", "", req.Payload, entity.WebhookLogRejected, err.Error())
		return invalidResult(string(providerID), rejectionMalformedPayload, err.Error()), nil
	}
	logger = logger.WithField("event_id", eventID)

	mark, err := s.idempotency.CheckAndMark(ctx, string(providerID), eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency check: %v", ErrInfrastructure, err)
	}
	if mark.AlreadyProcessed {
		return s.duplicateResult(ctx, adapter, req, eventID, mark.TransactionRef)
	}

	event, err := adapter.NormalizeWebhook(ctx, req.Payload, req.Headers)
	if err == nil && strings.TrimSpace(event.Reference) == "" {
		err = fmt.Errorf("%w: transaction reference is missing", provider.ErrMalformedPayload)
	}
	if err != nil {
		if releaseErr := s.releaseMark(ctx, logger, providerID, eventID); releaseErr != nil {
			s.logWebhook(ctx, string(providerID), eventID, "", req.Payload, entity.WebhookLogFailed, err.Error())
			return nil, releaseErr
		}
		if errors.Is(err, provider.ErrMalformedPayload) || errors.Is(err, provider.ErrInvalidRequest) {
			logger.WithError(err).Warn("Webhook payload malformed")
			s.logWebhook(ctx, string(providerID), eventID, "", req.Payload, entity.WebhookLogRejected, err.Error())
			return invalidResult(string(providerID), rejectionMalformedPayload, err.Error()), nil
		}
		s.logWebhook(ctx, string(providerID), eventID, "", req.Payload, entity.WebhookLogFailed, err.Error())
		return nil, err
	}

	item, outcome, err := s.applyObservation(ctx, event.Reference, event.ProviderReference, providerID, reconciler.Observation{
		EventID:    eventID,
		Status:     event.Status,
		Amount:     event.Amount,
		Currency:   event.Currency,
		Source:     entity.SourceWebhook,
		ObservedAt: s.now().UTC(),
	})
	if err != nil {
		s.logWebhook(ctx, string(providerID), eventID, event.Reference, req.Payload, entity.WebhookLogFailed, err.Error())
		if releaseErr := s.releaseMark(ctx, logger, providerID, eventID); releaseErr != nil {
			return nil, fmt.Errorf("%w (after: %v)", releaseErr, err)
		}
		return nil, err
	}

	// The record is already written; a mark left in progress only makes a
	// redelivery come back as a duplicate.
	if err := s.idempotency.Complete(ctx, string(providerID), eventID, item.Reference); err != nil {
		logger.WithError(err).WithField("reference", item.Reference).Warn("Idempotency mark completion failed")
	}

	if outcome.AmountMismatch != nil {
		logger.WithFields(logrus.Fields{
			"reference":         item.Reference,
			"expected_amount":   outcome.AmountMismatch.ExpectedAmount,
			"expected_currency": outcome.AmountMismatch.ExpectedCurrency,
			"reported_amount":   outcome.AmountMismatch.ReportedAmount,
			"reported_currency": outcome.AmountMismatch.ReportedCurrency,
		}).Warn("Webhook amount mismatch")
	}

	s.logWebhook(ctx, string(providerID), eventID, item.Reference, req.Payload, entity.WebhookLogProcessed, "")
	return mapper.OutcomeToWebhookResult(providerID, eventID, item, outcome), nil
}

// VerifyTransaction polls the provider and folds the reported status into
// the record the same way a webhook would.
func (s *GatewayService) VerifyTransaction(ctx context.Context, reference string) (*types.WebhookResult, error) {
	current, err := s.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}

	adapter, err := s.providerReg.Get(current.Provider)
	if err != nil {
		return nil, ErrProviderUnsupported
	}

	report, err := adapter.VerifyTransaction(ctx, provider.Lookup{
		Reference:         current.Reference,
		ProviderReference: firstNonEmpty(current.SubscriptionReference, current.ProviderReference),
		Subscription:      current.Kind == types.KindSubscription,
	})
	if err != nil {
		return nil, err
	}

	eventID := "poll:" + string(report.Status)
	item, outcome, err := s.applyObservation(ctx, current.Reference, report.ProviderReference, current.Provider, reconciler.Observation{
		EventID:    eventID,
		Status:     report.Status,
		Amount:     report.Amount,
		Currency:   report.Currency,
		Source:     entity.SourcePoll,
		ObservedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	return mapper.OutcomeToWebhookResult(current.Provider, eventID, item, outcome), nil
}

// applyObservation loads (or seeds) the record, applies obs and writes the
// result guarded by the record version. A lost race re-reads and re-applies
// up to the configured number of retries.
func (s *GatewayService) applyObservation(
	ctx context.Context,
	reference string,
	providerReference string,
	providerID types.ProviderID,
	obs reconciler.Observation,
) (*entity.Transaction, reconciler.Outcome, error) {
	retries := s.maxConflictRetries()

	for attempt := 0; ; attempt++ {
		current, err := s.txRepo.FindByReference(ctx, reference)
		if err != nil {
			return nil, reconciler.Outcome{}, fmt.Errorf("%w: load transaction: %v", ErrInfrastructure, err)
		}

		if current == nil {
			current = s.seedTransaction(reference, providerReference, providerID, obs)
			if err := s.txRepo.Create(ctx, current); err != nil {
				if errors.Is(err, repository.ErrTransactionAlreadyExists) && attempt < retries {
					continue
				}
				return nil, reconciler.Outcome{}, fmt.Errorf("%w: seed transaction: %v", ErrInfrastructure, err)
			}
		}

		next, outcome := s.reconciler.Apply(current, obs)
		if next.ProviderReference == "" {
			next.ProviderReference = providerReference
		}
		if outcome.Applied && next.Status.Settled() {
			s.markForCallbackDelivery(next, s.now().UTC())
		}

		err = s.txRepo.Update(ctx, next, current.Version)
		if err == nil {
			return next, outcome, nil
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			if attempt < retries {
				continue
			}
			return nil, reconciler.Outcome{}, ErrConcurrentUpdate
		}
		return nil, reconciler.Outcome{}, fmt.Errorf("%w: update transaction: %v", ErrInfrastructure, err)
	}
}

// seedTransaction builds the CREATED record for a reference first seen in a
// webhook, for links created outside this service.
func (s *GatewayService) seedTransaction(reference, providerReference string, providerID types.ProviderID, obs reconciler.Observation) *entity.Transaction {
	now := s.now().UTC()
	return &entity.Transaction{
		Reference:         reference,
		Provider:          providerID,
		Kind:              types.KindPayment,
		ProviderReference: providerReference,
		Status:            types.StatusCreated,
		History: []entity.StatusChange{{
			Status:  types.StatusCreated,
			Applied: true,
			Source:  obs.Source,
			EventID: obs.EventID,
			At:      now,
		}},
		Amount:                 obs.Amount,
		Currency:               strings.ToUpper(obs.Currency),
		Metadata:               map[string]string{},
		CallbackDeliveryStatus: entity.CallbackDeliveryNone,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func (s *GatewayService) duplicateResult(
	ctx context.Context,
	adapter provider.Provider,
	req *types.HandleWebhookRequest,
	eventID string,
	reference string,
) (*types.WebhookResult, error) {
	providerID := adapter.ID()

	if reference == "" {
		if event, err := adapter.NormalizeWebhook(ctx, req.Payload, req.Headers); err == nil {
			reference = event.Reference
		}
	}

	result := &types.WebhookResult{
		IsValid:   true,
		Duplicate: true,
		Provider:  string(providerID),
		EventID:   eventID,
		Reference: reference,
	}

	if reference != "" {
		item, err := s.txRepo.FindByReference(ctx, reference)
		if err != nil {
			return nil, fmt.Errorf("%w: load transaction: %v", ErrInfrastructure, err)
		}
		if item != nil {
			result.Status = string(item.Status)
			result.PreviousStatus = string(item.Status)
		}
	}

	s.logWebhook(ctx, string(providerID), eventID, reference, req.Payload, entity.WebhookLogDuplicate, "")
	return result, nil
}

// releaseMark frees the event so the provider's redelivery is processed. A
// mark that cannot be released would turn every redelivery into a duplicate.
func (s *GatewayService) releaseMark(ctx context.Context, logger logrus.FieldLogger, providerID types.ProviderID, eventID string) error {
	err := s.idempotency.Release(ctx, string(providerID), eventID)
	if err == nil {
		return nil
	}
	logger.WithError(err).WithFields(logrus.Fields{
		"provider": providerID,
		"event_id": eventID,
	}).Error("Idempotency mark release failed")
	return fmt.Errorf("%w: release idempotency mark: %v", ErrInfrastructure, err)
}

func (s *GatewayService) logWebhook(ctx context.Context, providerID, eventID, reference string, payload []byte, status int32, errMsg string) {
	if s.webhookLogs == nil {
		return
	}

	item := &entity.WebhookLog{
		Provider:       providerID,
		EventID:        eventID,
		TransactionRef: reference,
		Checksum:       provider.PayloadChecksum(payload),
		Payload:        truncate(string(payload), maxLoggedPayloadBytes),
		Status:         status,
		CreatedAt:      s.now().UTC(),
	}
	if errMsg != "" {
		trimmed := truncate(errMsg, 1024)
		item.Error = &trimmed
	}

	if err := s.webhookLogs.Create(ctx, item); err != nil {
		s.logger.WithError(err).Warn("Webhook log write failed")
	}
}

func invalidResult(providerID, rejection, detail string) *types.WebhookResult {
	return &types.WebhookResult{
		IsValid:   false,
		Provider:  providerID,
		Rejection: rejection,
		Error:     detail,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
