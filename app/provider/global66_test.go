package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

func TestGlobal66CreatePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payment-links" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer g66-key" {
			t.Errorf("missing bearer token")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["externalId"] != "ref-1" || body["amount"] != 12.5 {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"pl_1","externalId":"ref-1","url":"https://pay.global66.com/pl_1","status":"CREATED"}`))
	}))
	defer server.Close()

	p := NewGlobal66Provider(Global66Config{APIKey: "g66-key", BaseURL: server.URL})
	link, err := p.CreatePayment(context.Background(), &PaymentRequest{
		Reference:  "ref-1",
		Amount:     1250,
		Currency:   "USD",
		PayerEmail: "payer@example.com",
		ReturnURL:  "https://shop.example.com/return",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link.ProviderReference != "pl_1" || link.RedirectURL != "https://pay.global66.com/pl_1" {
		t.Fatalf("unexpected link %+v", link)
	}
}

func TestGlobal66NormalizeWebhook(t *testing.T) {
	p := NewGlobal66Provider(Global66Config{APIKey: "k"})
	payload := []byte(`{"eventId":"evt-1","type":"payment_link.paid","data":{"paymentLinkId":"pl_1","externalId":"ref-1","status":"PAID","amount":"12.50","currency":"usd"}}`)

	id, err := p.EventID(payload, nil)
	if err != nil || id != "evt-1" {
		t.Fatalf("unexpected event id %q err=%v", id, err)
	}
	event, err := p.NormalizeWebhook(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Reference != "ref-1" || event.Status != types.StatusPaid || event.Amount != 1250 || event.Currency != "USD" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestGlobal66EventIDFallsBackToChecksum(t *testing.T) {
	payload := []byte(`{"data":{"externalId":"ref-1","status":"SOMETHING"}}`)
	p := NewGlobal66Provider(Global66Config{})
	id, err := p.EventID(payload, nil)
	if err != nil || id != "sha256:"+PayloadChecksum(payload) {
		t.Fatalf("unexpected fallback id %q err=%v", id, err)
	}
	event, err := p.NormalizeWebhook(context.Background(), payload, nil)
	if err != nil || event.Status != types.StatusUnknown {
		t.Fatalf("expected unknown status, got %+v err=%v", event, err)
	}
}

func TestGlobal66MalformedWebhook(t *testing.T) {
	p := NewGlobal66Provider(Global66Config{})
	if _, err := p.NormalizeWebhook(context.Background(), []byte(`not json`), nil); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := p.NormalizeWebhook(context.Background(), []byte(`{"data":{}}`), nil); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for missing externalId, got %v", err)
	}
}

func TestGlobal66VerifyTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("externalId") == "ref-1" {
			_, _ = w.Write([]byte(`{"items":[{"id":"pl_1","externalId":"ref-1","status":"EXPIRED","amount":10,"currency":"USD"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer server.Close()

	p := NewGlobal66Provider(Global66Config{APIKey: "k", BaseURL: server.URL})
	report, err := p.VerifyTransaction(context.Background(), Lookup{Reference: "ref-1"})
	if err != nil || report.Status != types.StatusCancelled || report.Amount != 1000 {
		t.Fatalf("unexpected report %+v err=%v", report, err)
	}
	if _, err := p.VerifyTransaction(context.Background(), Lookup{Reference: "ref-2"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGlobal66SubscriptionUnsupported(t *testing.T) {
	_, err := NewGlobal66Provider(Global66Config{APIKey: "k"}).CreateSubscription(context.Background(), &SubscriptionRequest{})
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}
