package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/mapper"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/provider"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/repository"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

// RunReconcileBatch polls the provider for records stuck in CREATED or
// PENDING. Records the provider does not know yet are skipped.
func (s *GatewayService) RunReconcileBatch(ctx context.Context) error {
	now := s.now().UTC()
	before := now.Add(-s.paymentsCfg.ReconcileStaleAfter)
	items, err := s.txRepo.ListForReconcile(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, item := range items {
		if item == nil || item.Status.Settled() {
			continue
		}

		if _, err := s.VerifyTransaction(ctx, item.Reference); err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				continue
			}
			s.logger.WithError(err).WithField("reference", item.Reference).Warn("Reconcile transaction failed")
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *GatewayService) RunDispatchCallbacksBatch(ctx context.Context) error {
	now := s.now().UTC()
	items, err := s.txRepo.ListDueCallbackDispatch(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, item := range items {
		if item == nil {
			continue
		}
		if err := s.dispatchCallback(ctx, item, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}

func (s *GatewayService) dispatchCallback(ctx context.Context, item *entity.Transaction, now time.Time) error {
	expectedVersion := item.Version

	if strings.TrimSpace(item.StatusCallbackURL) == "" {
		errMsg := "status_callback_url is empty"
		item.CallbackDeliveryStatus = entity.CallbackDeliveryFailed
		item.CallbackDeliveryNextAt = nil
		item.CallbackDeliveryLastErr = &errMsg
		return s.saveDelivery(ctx, item, expectedVersion)
	}

	body, err := types.MarshalStatusCallback(mapper.TransactionToResponse(item))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.StatusCallbackURL, bytes.NewReader(body))
	if err != nil {
		return s.recordDispatchFailure(ctx, item, expectedVersion, now, err)
	}
	req.Header.Set("Content-Type", "application/json")
	requestID := item.RequestID
	if requestID == "" {
		requestID = item.Reference
	}
	req.Header.Set("X-Request-ID", requestID)
	if s.appAPIKey != "" {
		req.Header.Set("X-API-Key", s.appAPIKey)
	}

	resp, err := s.callbackHTTP.Do(req)
	if err != nil {
		return s.recordDispatchFailure(ctx, item, expectedVersion, now, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.recordDispatchFailure(ctx, item, expectedVersion, now, fmt.Errorf("callback endpoint returned status=%d", resp.StatusCode))
	}

	item.CallbackDeliveryStatus = entity.CallbackDeliverySuccess
	item.CallbackDeliveryNextAt = nil
	item.CallbackDeliveryLastErr = nil

	return s.saveDelivery(ctx, item, expectedVersion)
}

func (s *GatewayService) recordDispatchFailure(ctx context.Context, item *entity.Transaction, expectedVersion int64, now time.Time, dispatchErr error) error {
	item.CallbackDeliveryAttempts++
	trimmed := truncate(dispatchErr.Error(), 1024)
	item.CallbackDeliveryLastErr = &trimmed

	maxAttempts := s.paymentsCfg.CallbackMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	if item.CallbackDeliveryAttempts >= maxAttempts {
		item.CallbackDeliveryStatus = entity.CallbackDeliveryFailed
		item.CallbackDeliveryNextAt = nil
	} else {
		retryInterval := s.paymentsCfg.CallbackRetryInterval
		if retryInterval <= 0 {
			retryInterval = 5 * time.Minute
		}
		next := now.Add(retryInterval)
		item.CallbackDeliveryStatus = entity.CallbackDeliveryPending
		item.CallbackDeliveryNextAt = &next
	}

	if err := s.saveDelivery(ctx, item, expectedVersion); err != nil {
		return err
	}

	return dispatchErr
}

// saveDelivery persists delivery bookkeeping. A version conflict means a
// webhook touched the record meanwhile; the next batch picks it up again.
func (s *GatewayService) saveDelivery(ctx context.Context, item *entity.Transaction, expectedVersion int64) error {
	err := s.txRepo.Update(ctx, item, expectedVersion)
	if errors.Is(err, repository.ErrVersionConflict) {
		return nil
	}
	return err
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
