package service

import "errors"

var (
	ErrInvalidRequest           = errors.New("invalid request")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
	ErrProviderUnsupported      = errors.New("provider is not supported")
	ErrConcurrentUpdate         = errors.New("transaction was modified concurrently")
	// ErrInfrastructure marks store failures. They fail the single request and
	// are never turned into a WebhookResult.
	ErrInfrastructure = errors.New("infrastructure failure")
)
