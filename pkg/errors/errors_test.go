package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
	}{
		{CodeValidation, http.StatusBadRequest, false},
		{CodeInsufficientFunds, http.StatusPaymentRequired, false},
		{CodeMaxBalance, http.StatusUnprocessableEntity, false},
		{CodeNotFound, http.StatusNotFound, false},
		{CodeIdempotency, http.StatusConflict, false},
		{CodeConcurrency, http.StatusConflict, true},
		{CodeInternal, http.StatusInternalServerError, true},
		{CodeDependency, http.StatusServiceUnavailable, true},
	}
	for _, tc := range tests {
		meta := MetadataFor(tc.code)
		if meta.HTTPStatus != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.code, tc.status, meta.HTTPStatus)
		}
		if meta.Retryable != tc.retryable {
			t.Fatalf("%s: expected retryable=%v", tc.code, tc.retryable)
		}
	}
}

func TestMetadataForUnknownCodeFallsBack(t *testing.T) {
	meta := MetadataFor(Code("NOT_A_CODE"))
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal fallback, got %d", meta.HTTPStatus)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("row locked")
	err := Wrap(CodeConcurrency, cause, "account update conflicted")

	if !stdErrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to satisfy errors.Is")
	}
	if err.Error() != fmt.Sprintf("%s: account update conflicted", CodeConcurrency) {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestAsUnwrapsNestedError(t *testing.T) {
	inner := New(CodeInsufficientFunds, "available below requested amount")
	outer := fmt.Errorf("reserve: %w", inner)

	typed := As(outer)
	if typed == nil {
		t.Fatal("expected typed error")
	}
	if typed.Code() != CodeInsufficientFunds {
		t.Fatalf("unexpected code: %s", typed.Code())
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("confirm: %w", New(CodeNotFound, "reservation not found"))
	if !HasCode(err, CodeNotFound) {
		t.Fatal("expected HasCode to match")
	}
	if HasCode(err, CodeValidation) {
		t.Fatal("expected HasCode mismatch for other code")
	}
	if HasCode(nil, CodeNotFound) {
		t.Fatal("nil error should never match")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "amount out of bounds").WithDetails(map[string]string{"amount": "must be positive"})
	details, ok := err.Details().(map[string]string)
	if !ok || details["amount"] == "" {
		t.Fatalf("unexpected details: %#v", err.Details())
	}
}
