package provider

import "errors"

var (
	ErrProviderNotSupported = errors.New("provider is not supported")
	ErrInvalidRequest       = errors.New("invalid provider request")
	ErrProviderRequest      = errors.New("provider request failed")
	ErrProviderTimeout      = errors.New("provider request timed out")
	ErrUnsupportedOperation = errors.New("operation not supported by provider")
	ErrMalformedPayload     = errors.New("malformed webhook payload")
	ErrNotFound             = errors.New("transaction not found at provider")
)

// IsRetryable reports failures worth retrying later: upstream errors and
// timeouts. Validation and unsupported operations never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderRequest) || errors.Is(err, ErrProviderTimeout)
}
