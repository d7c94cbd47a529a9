package types

import "strings"

type ProviderID string

const (
	ProviderFlow        ProviderID = "flow"
	ProviderGlobal66    ProviderID = "global66"
	ProviderPayPal      ProviderID = "paypal"
	ProviderMercadoPago ProviderID = "mercadopago"
)

var supportedProviders = []ProviderID{ProviderFlow, ProviderGlobal66, ProviderPayPal, ProviderMercadoPago}

func SupportedProviders() []ProviderID {
	out := make([]ProviderID, len(supportedProviders))
	copy(out, supportedProviders)
	return out
}

// ParseProviderID accepts the canonical identifiers plus a few common aliases.
func ParseProviderID(raw string) (ProviderID, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "flow", "flow.cl":
		return ProviderFlow, true
	case "global66", "global-66":
		return ProviderGlobal66, true
	case "paypal":
		return ProviderPayPal, true
	case "mercadopago", "mercado-pago", "mercado_pago", "mp":
		return ProviderMercadoPago, true
	default:
		return "", false
	}
}

type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

func ParseEnvironment(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod", "live":
		return EnvironmentProduction
	default:
		return EnvironmentSandbox
	}
}

type TransactionStatus string

const (
	StatusCreated   TransactionStatus = "CREATED"
	StatusPending   TransactionStatus = "PENDING"
	StatusPaid      TransactionStatus = "PAID"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusRefunded  TransactionStatus = "REFUNDED"
	// StatusUnknown is what adapters report for provider statuses they cannot map.
	StatusUnknown TransactionStatus = "UNKNOWN"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusPaid, StatusFailed, StatusCancelled, StatusRefunded, StatusUnknown:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s. PAID is not
// terminal because a refund may still follow.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Settled reports statuses the calling application is notified about.
func (s TransactionStatus) Settled() bool {
	return s == StatusPaid || s.Terminal()
}

type Period string

const (
	PeriodDaily   Period = "DAILY"
	PeriodWeekly  Period = "WEEKLY"
	PeriodMonthly Period = "MONTHLY"
	PeriodYearly  Period = "YEARLY"
)

type TransactionKind string

const (
	KindPayment      TransactionKind = "payment"
	KindSubscription TransactionKind = "subscription"
)
