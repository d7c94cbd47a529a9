package provider

import (
	"fmt"
	"strings"
)

func validatePaymentRequest(req *PaymentRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	switch {
	case strings.TrimSpace(req.Reference) == "":
		return fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case len(strings.TrimSpace(req.Currency)) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidRequest)
	case strings.TrimSpace(req.PayerEmail) == "":
		return fmt.Errorf("%w: payer email is required", ErrInvalidRequest)
	case strings.TrimSpace(req.ReturnURL) == "":
		return fmt.Errorf("%w: return url is required", ErrInvalidRequest)
	}
	return nil
}

func validateSubscriptionRequest(req *SubscriptionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	if err := validatePaymentRequest(&req.PaymentRequest); err != nil {
		return err
	}
	if req.MaxCharges < 0 {
		return fmt.Errorf("%w: max charges must be positive", ErrInvalidRequest)
	}
	return nil
}

func subjectOrDefault(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return "payment"
	}
	return description
}
