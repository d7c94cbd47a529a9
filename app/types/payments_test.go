package types

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func validCreatePayment() *CreatePaymentRequest {
	return &CreatePaymentRequest{
		RequestID:   "req-1",
		Amount:      9990,
		Currency:    "CLP",
		Description: "Order 42",
		PayerEmail:  "payer@example.com",
		ReturnURL:   "https://shop.example/return",
	}
}

func TestNewCreatePaymentRequestFromContextUsesHeaderRequestID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/payments", bytes.NewBufferString(`{"provider":" Mercado-Pago ","amount":1999,"currency":"usd","description":" Order ","payer_email":"payer@example.com","return_url":"https://shop.example/return"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRequestID, "req-from-header")
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	parsed, err := NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.RequestID != "req-from-header" {
		t.Fatalf("expected header request id, got %q", parsed.RequestID)
	}
	if parsed.Currency != "USD" {
		t.Fatalf("expected upper-cased currency, got %q", parsed.Currency)
	}
	if parsed.Provider != string(ProviderMercadoPago) {
		t.Fatalf("expected provider alias to be canonicalized, got %q", parsed.Provider)
	}
	if parsed.Description != "Order" {
		t.Fatalf("expected trimmed description, got %q", parsed.Description)
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestNewCreatePaymentRequestFromContextKeepsBodyRequestID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/payments", bytes.NewBufferString(`{"request_id":"req-from-body","amount":1}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRequestID, "req-from-header")
	ctx := e.NewContext(req, httptest.NewRecorder())

	parsed, err := NewCreatePaymentRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.RequestID != "req-from-body" {
		t.Fatalf("expected body request id, got %q", parsed.RequestID)
	}
}

func TestCreatePaymentValidate(t *testing.T) {
	if err := validCreatePayment().Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(r *CreatePaymentRequest)
		field  string
	}{
		{"zero amount", func(r *CreatePaymentRequest) { r.Amount = 0 }, "amount"},
		{"negative amount", func(r *CreatePaymentRequest) { r.Amount = -5 }, "amount"},
		{"unknown currency", func(r *CreatePaymentRequest) { r.Currency = "XXQ" }, "currency"},
		{"missing description", func(r *CreatePaymentRequest) { r.Description = "" }, "description"},
		{"long description", func(r *CreatePaymentRequest) { r.Description = strings.Repeat("a", 256) }, "description"},
		{"bad email", func(r *CreatePaymentRequest) { r.PayerEmail = "not-an-email" }, "payer_email"},
		{"bad return url", func(r *CreatePaymentRequest) { r.ReturnURL = "ftp://shop.example" }, "return_url"},
		{"bad status callback", func(r *CreatePaymentRequest) { r.StatusCallbackURL = "nope" }, "status_callback_url"},
		{"unknown provider", func(r *CreatePaymentRequest) { r.Provider = "stripe" }, "provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreatePayment()
			tc.mutate(req)
			err := req.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.field+" failed on") {
				t.Fatalf("expected error to name %s, got %v", tc.field, err)
			}
		})
	}
}

func TestCreateSubscriptionValidate(t *testing.T) {
	req := &CreateSubscriptionRequest{CreatePaymentRequest: *validCreatePayment(), Period: " monthly "}
	req.Normalize()
	if req.Period != string(PeriodMonthly) {
		t.Fatalf("expected upper-cased period, got %q", req.Period)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid subscription, got %v", err)
	}

	req.Period = "HOURLY"
	if err := req.Validate(); err == nil {
		t.Fatal("expected period validation error")
	}

	req.Period = string(PeriodYearly)
	req.MaxCharges = -1
	err := req.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_charges") {
		t.Fatalf("expected max_charges validation error, got %v", err)
	}
}

func TestTransactionRefRequestValidate(t *testing.T) {
	e := echo.New()
	ctx := e.NewContext(httptest.NewRequest("GET", "/transactions/ref-1", nil), httptest.NewRecorder())
	ctx.SetParamNames("reference")
	ctx.SetParamValues(" ref-1 ")

	parsed, err := NewTransactionRefRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.Reference != "ref-1" {
		t.Fatalf("expected trimmed reference, got %q", parsed.Reference)
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid reference, got %v", err)
	}

	if err := (&TransactionRefRequest{}).Validate(); err == nil {
		t.Fatal("expected error for empty reference")
	}
	if err := (&TransactionRefRequest{Reference: strings.Repeat("r", 129)}).Validate(); err == nil {
		t.Fatal("expected error for long reference")
	}
}

func TestNewHandleWebhookRequestFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest("POST", "/webhooks/FLOW", bytes.NewBufferString("token=abc"))
	req.Header.Set("X-Signature", "sig")
	rec := httptest.NewRecorder()
	rec.Header().Set(echo.HeaderXRequestID, "generated-id")
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("provider")
	ctx.SetParamValues("FLOW")

	parsed, err := NewHandleWebhookRequestFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if parsed.Provider != "flow" {
		t.Fatalf("expected lower-cased provider, got %q", parsed.Provider)
	}
	if string(parsed.Payload) != "token=abc" {
		t.Fatalf("expected raw payload, got %q", parsed.Payload)
	}
	if parsed.Headers.Get("X-Signature") != "sig" {
		t.Fatalf("expected headers to be copied, got %+v", parsed.Headers)
	}
	if parsed.RequestID != "generated-id" {
		t.Fatalf("expected response request id fallback, got %q", parsed.RequestID)
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("expected valid webhook request, got %v", err)
	}

	if err := (&HandleWebhookRequest{Provider: "flow"}).Validate(); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestTransactionStatusSettled(t *testing.T) {
	settled := map[TransactionStatus]bool{
		StatusCreated:   false,
		StatusPending:   false,
		StatusUnknown:   false,
		StatusPaid:      true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusRefunded:  true,
	}
	for st, want := range settled {
		if got := st.Settled(); got != want {
			t.Fatalf("%s: expected settled=%v, got %v", st, want, got)
		}
	}
	if StatusPaid.Terminal() {
		t.Fatal("PAID must not be terminal")
	}
}

func TestParseProviderIDAndEnvironment(t *testing.T) {
	if id, ok := ParseProviderID(" Global-66 "); !ok || id != ProviderGlobal66 {
		t.Fatalf("expected global66, got %q %v", id, ok)
	}
	if _, ok := ParseProviderID("stripe"); ok {
		t.Fatal("expected stripe to be unsupported")
	}
	if ParseEnvironment("LIVE") != EnvironmentProduction {
		t.Fatal("expected live to map to production")
	}
	if ParseEnvironment("") != EnvironmentSandbox {
		t.Fatal("expected sandbox by default")
	}
}
