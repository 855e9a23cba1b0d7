package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestStatusUnwrapsCodedErrors(t *testing.T) {
	wrapped := errors.Wrap(ErrPasteNotFound, "get paste")
	if got := Status(wrapped); got != http.StatusNotFound {
		t.Errorf("Status(wrapped not found) = %d, want 404", got)
	}
	if got := Status(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("Status(plain) = %d, want 500", got)
	}
	if !errors.Is(wrapped, ErrPasteNotFound) {
		t.Error("wrapped error should match ErrPasteNotFound")
	}
}

func TestValidationErrorResponse(t *testing.T) {
	ve := &ValidationError{}
	if ve.OrNil() != nil {
		t.Fatal("empty validation error should be nil")
	}
	ve.Add("content", "too long")
	ve.Add("files[0].clientId", "required")
	err := errors.Wrap(ve.OrNil(), "create")

	if got := Status(err); got != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", got)
	}
	resp := ToResp(err)
	if resp.Error.Code != "VALIDATION_FAILED" {
		t.Errorf("code = %s", resp.Error.Code)
	}
	fields, ok := resp.Error.Meta["fields"].([]FieldError)
	if !ok || len(fields) != 2 {
		t.Fatalf("fields meta = %#v", resp.Error.Meta["fields"])
	}
	if fields[1].Field != "files[0].clientId" {
		t.Errorf("second field = %s", fields[1].Field)
	}
}

func TestPasteRecordExpired(t *testing.T) {
	now := int64(1700000000)
	rec := &PasteRecord{ID: "abc"}
	if rec.Expired(unix(now + 1e6)) {
		t.Error("record without expiry must never expire")
	}
	rec.ExpiresAt = &now
	if !rec.Expired(unix(now)) {
		t.Error("expiresAt == now must count as expired")
	}
	if rec.Expired(unix(now - 1)) {
		t.Error("record should be active before expiresAt")
	}
}

func unix(sec int64) time.Time { return time.Unix(sec, 0) }
