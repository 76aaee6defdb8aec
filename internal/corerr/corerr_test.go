package corerr

import (
	"errors"
	"fmt"
	"testing"
)

func Test_IsInsufficientFunds_MatchesWrappedError(t *testing.T) {
	base := &InsufficientFundsError{CustomerID: "c1", Requested: 100, Available: 50}
	wrapped := fmt.Errorf("submit: %w", base)
	if !IsInsufficientFunds(wrapped) {
		t.Error("expected wrapped InsufficientFundsError to be detected")
	}
	if IsInsufficientFunds(errors.New("unrelated")) {
		t.Error("unrelated error should not match")
	}
}

func Test_IsConflict_MatchesWrappedError(t *testing.T) {
	base := &ConflictError{JobID: "j1", WantStatus: "pending", ActualStatus: "running"}
	wrapped := fmt.Errorf("claim: %w", base)
	if !IsConflict(wrapped) {
		t.Error("expected wrapped ConflictError to be detected")
	}
}

func Test_ClassOf_UnclassifiedErrorDefaultsToTransient(t *testing.T) {
	if got := ClassOf(errors.New("boom")); got != ClassTransient {
		t.Errorf("ClassOf(plain error) = %v, want Transient", got)
	}
}

func Test_ClassOf_ExtractsDeclaredClass(t *testing.T) {
	if got := ClassOf(NewTransient("flaky")); got != ClassTransient {
		t.Errorf("ClassOf(NewTransient) = %v, want Transient", got)
	}
	if got := ClassOf(NewPermanent("bad input")); got != ClassPermanent {
		t.Errorf("ClassOf(NewPermanent) = %v, want Permanent", got)
	}
}

func Test_ProcessorError_ErrorIncludesClassAndMessage(t *testing.T) {
	err := NewPermanent("field %q is required", "customer_id")
	want := `permanent: field "customer_id" is required`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
