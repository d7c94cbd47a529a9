package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier() *Verifier {
	return NewVerifier(5 * time.Minute).WithClock(func() time.Time { return fixedNow })
}

func expectRejection(t *testing.T, err error, reason Reason) {
	t.Helper()
	var rejection *Rejection
	if !errors.As(err, &rejection) {
		t.Fatalf("expected rejection %s, got %v", reason, err)
	}
	if rejection.Reason != reason {
		t.Fatalf("expected reason %s, got %s (%s)", reason, rejection.Reason, rejection.Detail)
	}
}

func TestFlowSignSortsKeysAndSkipsSignature(t *testing.T) {
	values := url.Values{}
	values.Set("token", "abc")
	values.Set("apiKey", "key")
	values.Set("s", "ignored")

	got := FlowSign("secret", values)
	if got != HMACHex("secret", "apiKeykeytokenabc") {
		t.Fatalf("unexpected flow signature %s", got)
	}
}

func TestFlowScheme(t *testing.T) {
	v := newTestVerifier()
	form := url.Values{}
	form.Set("token", "tok-1")
	form.Set("s", FlowSign("secret", form))
	payload := []byte(form.Encode())

	if _, err := v.Verify(types.ProviderFlow, payload, nil, Secret{Key: "secret"}); err != nil {
		t.Fatalf("expected valid flow signature, got %v", err)
	}

	_, err := v.Verify(types.ProviderFlow, payload, nil, Secret{Key: "other"})
	expectRejection(t, err, ReasonSignatureMismatch)

	_, err = v.Verify(types.ProviderFlow, []byte("token=tok-1"), nil, Secret{Key: "secret"})
	expectRejection(t, err, ReasonMissingSignature)

	_, err = v.Verify(types.ProviderFlow, payload, nil, Secret{})
	expectRejection(t, err, ReasonMisconfigured)
}

func TestGlobal66Scheme(t *testing.T) {
	v := newTestVerifier()
	headers := http.Header{}
	headers.Set(Global66TokenHeader, "shared-token")

	if _, err := v.Verify(types.ProviderGlobal66, []byte(`{}`), headers, Secret{Key: "shared-token"}); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}

	_, err := v.Verify(types.ProviderGlobal66, []byte(`{}`), headers, Secret{Key: "other-token"})
	expectRejection(t, err, ReasonSignatureMismatch)

	_, err = v.Verify(types.ProviderGlobal66, []byte(`{}`), http.Header{}, Secret{Key: "shared-token"})
	expectRejection(t, err, ReasonMissingSignature)
}

func mercadoPagoHeaders(secret, dataID, requestID string, ts int64) http.Header {
	tsRaw := strconv.FormatInt(ts, 10)
	headers := http.Header{}
	headers.Set(MercadoPagoRequestIDHeader, requestID)
	headers.Set(MercadoPagoSignatureHeader, "ts="+tsRaw+",v1="+HMACHex(secret, MercadoPagoManifest(dataID, requestID, tsRaw)))
	return headers
}

func TestMercadoPagoScheme(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"id":1,"type":"payment","data":{"id":"123456"}}`)

	headers := mercadoPagoHeaders("mp-secret", "123456", "req-1", fixedNow.Unix())
	verified, err := v.Verify(types.ProviderMercadoPago, payload, headers, Secret{Key: "mp-secret"})
	if err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if verified.Provider != types.ProviderMercadoPago || verified.RequestID != "req-1" {
		t.Fatalf("unexpected verified result %+v", verified)
	}

	_, err = v.Verify(types.ProviderMercadoPago, []byte(`{"data":{"id":"999"}}`), headers, Secret{Key: "mp-secret"})
	expectRejection(t, err, ReasonSignatureMismatch)

	stale := mercadoPagoHeaders("mp-secret", "123456", "req-1", fixedNow.Add(-10*time.Minute).Unix())
	_, err = v.Verify(types.ProviderMercadoPago, payload, stale, Secret{Key: "mp-secret"})
	expectRejection(t, err, ReasonExpiredTimestamp)

	_, err = v.Verify(types.ProviderMercadoPago, payload, http.Header{}, Secret{Key: "mp-secret"})
	expectRejection(t, err, ReasonMissingSignature)
}

func TestMercadoPagoSchemeAcceptsMillisecondTimestamps(t *testing.T) {
	v := newTestVerifier()
	payload := []byte(`{"data":{"id":42}}`)
	headers := mercadoPagoHeaders("mp-secret", "42", "req-2", fixedNow.UnixMilli())

	if _, err := v.Verify(types.ProviderMercadoPago, payload, headers, Secret{Key: "mp-secret"}); err != nil {
		t.Fatalf("expected millisecond timestamp to verify, got %v", err)
	}
}

func TestMercadoPagoManifestOmitsMissingParts(t *testing.T) {
	if got := MercadoPagoManifest("ABC", "", "10"); got != "id:abc;ts:10;" {
		t.Fatalf("unexpected manifest %q", got)
	}
}

type paypalFixture struct {
	key     *rsa.PrivateKey
	pubPEM  string
	certPEM string
}

func newPayPalFixture(t *testing.T) *paypalFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "messageverificationcerts.paypal.com"},
		NotBefore:    fixedNow.Add(-time.Hour),
		NotAfter:     fixedNow.Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	return &paypalFixture{
		key:     key,
		pubPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		certPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})),
	}
}

func (f *paypalFixture) headers(t *testing.T, webhookID string, payload []byte, at time.Time) http.Header {
	t.Helper()
	transmissionTime := at.UTC().Format(time.RFC3339)
	digest := sha256.Sum256([]byte(PayPalMessage("tx-1", transmissionTime, webhookID, payload)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, f.key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	headers := http.Header{}
	headers.Set(PayPalTransmissionIDHeader, "tx-1")
	headers.Set(PayPalTransmissionTimeHeader, transmissionTime)
	headers.Set(PayPalTransmissionSigHeader, base64.StdEncoding.EncodeToString(sig))
	return headers
}

func TestPayPalScheme(t *testing.T) {
	fixture := newPayPalFixture(t)
	v := newTestVerifier()
	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)
	headers := fixture.headers(t, "WH-HOOK", payload, fixedNow)

	for name, pemData := range map[string]string{"public key": fixture.pubPEM, "certificate": fixture.certPEM} {
		if _, err := v.Verify(types.ProviderPayPal, payload, headers, Secret{WebhookID: "WH-HOOK", CertificatePEM: pemData}); err != nil {
			t.Fatalf("%s: expected valid signature, got %v", name, err)
		}
	}

	_, err := v.Verify(types.ProviderPayPal, []byte(`{"tampered":true}`), headers, Secret{WebhookID: "WH-HOOK", CertificatePEM: fixture.pubPEM})
	expectRejection(t, err, ReasonSignatureMismatch)

	_, err = v.Verify(types.ProviderPayPal, payload, headers, Secret{WebhookID: "OTHER", CertificatePEM: fixture.pubPEM})
	expectRejection(t, err, ReasonSignatureMismatch)

	stale := fixture.headers(t, "WH-HOOK", payload, fixedNow.Add(-time.Hour))
	_, err = v.Verify(types.ProviderPayPal, payload, stale, Secret{WebhookID: "WH-HOOK", CertificatePEM: fixture.pubPEM})
	expectRejection(t, err, ReasonExpiredTimestamp)

	_, err = v.Verify(types.ProviderPayPal, payload, http.Header{}, Secret{WebhookID: "WH-HOOK", CertificatePEM: fixture.pubPEM})
	expectRejection(t, err, ReasonMissingSignature)

	_, err = v.Verify(types.ProviderPayPal, payload, headers, Secret{WebhookID: "WH-HOOK"})
	expectRejection(t, err, ReasonMisconfigured)
}

func TestVerifyUnknownProvider(t *testing.T) {
	_, err := newTestVerifier().Verify(types.ProviderID("stripe"), []byte(`{}`), nil, Secret{Key: "x"})
	expectRejection(t, err, ReasonUnsupportedProvider)
}

func TestWindowCheckIsSymmetric(t *testing.T) {
	w := Window{Now: fixedNow, Tolerance: time.Minute}
	if err := w.Check(fixedNow.Add(30 * time.Second)); err != nil {
		t.Fatalf("expected future skew within tolerance to pass, got %v", err)
	}
	expectRejection(t, w.Check(fixedNow.Add(2*time.Minute)), ReasonExpiredTimestamp)
}
