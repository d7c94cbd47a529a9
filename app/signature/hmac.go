package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	Global66TokenHeader        = "X-Global66-Token"
	MercadoPagoSignatureHeader = "X-Signature"
	MercadoPagoRequestIDHeader = "X-Request-Id"
)

func HMACHex(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(got, expected string) bool {
	gotRaw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(got)))
	if err != nil {
		return false
	}
	expectedRaw, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(gotRaw, expectedRaw)
}

// FlowSign signs parameters the way the Flow API expects: keys sorted, each
// key followed by its value, HMAC-SHA256 hex. The "s" parameter is skipped.
func FlowSign(secret string, values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "s" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(values.Get(k))
	}
	return HMACHex(secret, b.String())
}

type FlowScheme struct{}

func (FlowScheme) Verify(payload []byte, _ http.Header, secret Secret, _ Window) (*Verified, error) {
	if strings.TrimSpace(secret.Key) == "" {
		return nil, reject(ReasonMisconfigured, "flow secret key is not configured")
	}
	form, err := url.ParseQuery(strings.TrimSpace(string(payload)))
	if err != nil {
		return nil, reject(ReasonMissingSignature, "payload is not a form")
	}
	sig := strings.TrimSpace(form.Get("s"))
	if sig == "" {
		return nil, reject(ReasonMissingSignature, "form parameter s is missing")
	}
	if !equalHex(sig, FlowSign(secret.Key, form)) {
		return nil, reject(ReasonSignatureMismatch, "flow signature does not match")
	}
	return &Verified{}, nil
}

type Global66Scheme struct{}

func (Global66Scheme) Verify(_ []byte, headers http.Header, secret Secret, _ Window) (*Verified, error) {
	if strings.TrimSpace(secret.Key) == "" {
		return nil, reject(ReasonMisconfigured, "global66 webhook token is not configured")
	}
	token := strings.TrimSpace(headers.Get(Global66TokenHeader))
	if token == "" {
		return nil, reject(ReasonMissingSignature, "%s header is missing", Global66TokenHeader)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret.Key)) != 1 {
		return nil, reject(ReasonSignatureMismatch, "global66 token does not match")
	}
	return &Verified{}, nil
}

// MercadoPagoManifest builds the string Mercado Pago signs. Parts that are not
// present are left out.
func MercadoPagoManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	if ts != "" {
		b.WriteString("ts:" + ts + ";")
	}
	return b.String()
}

type MercadoPagoScheme struct{}

func (MercadoPagoScheme) Verify(payload []byte, headers http.Header, secret Secret, window Window) (*Verified, error) {
	if strings.TrimSpace(secret.Key) == "" {
		return nil, reject(ReasonMisconfigured, "mercado pago webhook secret is not configured")
	}
	header := strings.TrimSpace(headers.Get(MercadoPagoSignatureHeader))
	if header == "" {
		return nil, reject(ReasonMissingSignature, "%s header is missing", MercadoPagoSignatureHeader)
	}

	ts, v1 := parseMercadoPagoSignature(header)
	if ts == "" || v1 == "" {
		return nil, reject(ReasonMissingSignature, "signature header lacks ts or v1")
	}

	requestID := strings.TrimSpace(headers.Get(MercadoPagoRequestIDHeader))
	manifest := MercadoPagoManifest(mercadoPagoDataID(payload), requestID, ts)
	if !equalHex(v1, HMACHex(secret.Key, manifest)) {
		return nil, reject(ReasonSignatureMismatch, "mercado pago signature does not match")
	}

	signedAt, err := parseUnixTimestamp(ts)
	if err != nil {
		return nil, reject(ReasonSignatureMismatch, "invalid ts %q", ts)
	}
	if err := window.Check(signedAt); err != nil {
		return nil, err
	}

	return &Verified{SignedAt: &signedAt, RequestID: requestID}, nil
}

// MercadoPagoTimestamp returns the signed ts part of the signature header.
func MercadoPagoTimestamp(headers http.Header) string {
	ts, _ := parseMercadoPagoSignature(headers.Get(MercadoPagoSignatureHeader))
	return ts
}

func parseMercadoPagoSignature(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}

func mercadoPagoDataID(payload []byte) string {
	var body struct {
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if json.Unmarshal(payload, &body) != nil || len(body.Data.ID) == 0 {
		return ""
	}
	raw := strings.TrimSpace(string(body.Data.ID))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		return unquoted
	}
	return raw
}

// parseUnixTimestamp accepts seconds or milliseconds.
func parseUnixTimestamp(raw string) (time.Time, error) {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if value > 1e12 {
		return time.UnixMilli(value), nil
	}
	return time.Unix(value, 0), nil
}
