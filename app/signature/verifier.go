package signature

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const DefaultTolerance = 5 * time.Minute

type Reason string

const (
	ReasonMissingSignature    Reason = "MISSING_SIGNATURE"
	ReasonSignatureMismatch   Reason = "SIGNATURE_MISMATCH"
	ReasonExpiredTimestamp    Reason = "EXPIRED_TIMESTAMP"
	ReasonUnsupportedProvider Reason = "UNSUPPORTED_PROVIDER"
	ReasonMisconfigured       Reason = "MISCONFIGURED"
)

type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "webhook rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("webhook rejected: %s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Secret carries the provider material a scheme needs. Key is the HMAC secret
// or shared token; PayPal uses WebhookID with CertificatePEM instead.
type Secret struct {
	Key            string
	WebhookID      string
	CertificatePEM string
}

type Verified struct {
	Provider  types.ProviderID
	SignedAt  *time.Time
	RequestID string
}

type Window struct {
	Now       time.Time
	Tolerance time.Duration
}

func (w Window) Check(signedAt time.Time) error {
	skew := w.Now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > w.Tolerance {
		return reject(ReasonExpiredTimestamp, "signed at %s, skew %s exceeds %s", signedAt.UTC().Format(time.RFC3339), skew.Round(time.Second), w.Tolerance)
	}
	return nil
}

type Scheme interface {
	Verify(payload []byte, headers http.Header, secret Secret, window Window) (*Verified, error)
}

type Verifier struct {
	schemes   map[types.ProviderID]Scheme
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		schemes: map[types.ProviderID]Scheme{
			types.ProviderFlow:        FlowScheme{},
			types.ProviderGlobal66:    Global66Scheme{},
			types.ProviderPayPal:      PayPalScheme{},
			types.ProviderMercadoPago: MercadoPagoScheme{},
		},
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func (v *Verifier) Register(provider types.ProviderID, scheme Scheme) {
	v.schemes[provider] = scheme
}

// Verify authenticates a raw webhook. Any failure is a *Rejection.
func (v *Verifier) Verify(provider types.ProviderID, payload []byte, headers http.Header, secret Secret) (*Verified, error) {
	scheme, ok := v.schemes[provider]
	if !ok {
		return nil, reject(ReasonUnsupportedProvider, "no signature scheme for %q", provider)
	}
	if headers == nil {
		headers = http.Header{}
	}

	verified, err := scheme.Verify(payload, headers, secret, Window{Now: v.now(), Tolerance: v.tolerance})
	if err != nil {
		return nil, err
	}
	verified.Provider = provider
	return verified, nil
}
