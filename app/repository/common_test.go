package repository

import (
	"errors"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

func TestIsDuplicateEntryError(t *testing.T) {
	if !isDuplicateEntryError(&mysqlDriver.MySQLError{Number: 1062}) {
		t.Fatalf("expected 1062 to be a duplicate entry")
	}
	if isDuplicateEntryError(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Fatalf("deadlock is not a duplicate entry")
	}
	if isDuplicateEntryError(errors.New("boom")) {
		t.Fatalf("plain errors are not duplicate entries")
	}
}

func TestHistoryJSON(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := serializeHistory([]entity.StatusChange{
		{Status: types.StatusPending, Applied: true, Source: entity.SourceWebhook, EventID: "e1", At: at},
	})
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	history, err := parseHistory(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != types.StatusPending || !history[0].At.Equal(at) {
		t.Fatalf("unexpected history: %+v", history)
	}

	empty, err := serializeHistory(nil)
	if err != nil || empty != "[]" {
		t.Fatalf("expected empty array, got %q err=%v", empty, err)
	}
	parsed, err := parseHistory("")
	if err != nil || parsed == nil || len(parsed) != 0 {
		t.Fatalf("expected empty slice, got %v err=%v", parsed, err)
	}
}

func TestNullableString(t *testing.T) {
	if nullableString("  ") != nil {
		t.Fatalf("blank strings must map to NULL")
	}
	if nullableString("x") != "x" {
		t.Fatalf("expected value to pass through")
	}
}
