package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"hash/crc32"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	PayPalTransmissionIDHeader   = "Paypal-Transmission-Id"
	PayPalTransmissionTimeHeader = "Paypal-Transmission-Time"
	PayPalTransmissionSigHeader  = "Paypal-Transmission-Sig"
)

// PayPalMessage is the string PayPal signs for a webhook delivery.
func PayPalMessage(transmissionID, transmissionTime, webhookID string, payload []byte) string {
	return transmissionID + "|" + transmissionTime + "|" + webhookID + "|" + strconv.FormatUint(uint64(crc32.ChecksumIEEE(payload)), 10)
}

type PayPalScheme struct{}

func (PayPalScheme) Verify(payload []byte, headers http.Header, secret Secret, window Window) (*Verified, error) {
	if strings.TrimSpace(secret.WebhookID) == "" || strings.TrimSpace(secret.CertificatePEM) == "" {
		return nil, reject(ReasonMisconfigured, "paypal webhook id and certificate are required")
	}

	transmissionID := strings.TrimSpace(headers.Get(PayPalTransmissionIDHeader))
	transmissionTime := strings.TrimSpace(headers.Get(PayPalTransmissionTimeHeader))
	sig := strings.TrimSpace(headers.Get(PayPalTransmissionSigHeader))
	if transmissionID == "" || transmissionTime == "" || sig == "" {
		return nil, reject(ReasonMissingSignature, "paypal transmission headers are missing")
	}

	key, err := parseRSAPublicKey(secret.CertificatePEM)
	if err != nil {
		return nil, reject(ReasonMisconfigured, "paypal certificate: %v", err)
	}

	rawSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, reject(ReasonSignatureMismatch, "transmission signature is not base64")
	}
	digest := sha256.Sum256([]byte(PayPalMessage(transmissionID, transmissionTime, secret.WebhookID, payload)))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], rawSig); err != nil {
		return nil, reject(ReasonSignatureMismatch, "paypal signature does not match")
	}

	signedAt, err := time.Parse(time.RFC3339, transmissionTime)
	if err != nil {
		return nil, reject(ReasonSignatureMismatch, "invalid transmission time %q", transmissionTime)
	}
	if err := window.Check(signedAt); err != nil {
		return nil, err
	}

	return &Verified{SignedAt: &signedAt, RequestID: transmissionID}, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var pub any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub = cert.PublicKey
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub = key
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub = key
	default:
		return nil, errors.New("unsupported PEM block " + block.Type)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate does not hold an RSA key")
	}
	return rsaKey, nil
}
