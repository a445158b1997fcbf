package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeRateLimitExceeded, "submission dropped")
	wrapped := fmt.Errorf("submit: %w", err)

	if !stderrors.Is(wrapped, New(CodeRateLimitExceeded, "other message")) {
		t.Fatal("expected errors with equal codes to match")
	}
	if stderrors.Is(wrapped, New(CodeOrderingFailure, "other code")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(CodeObjectNotFound, "missing")); got != CodeObjectNotFound {
		t.Fatalf("code = %s, want %s", got, CodeObjectNotFound)
	}
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %s, want %s", got, CodeUnknown)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeSnapshotDecode, "decode snapshot", cause)

	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if err.Error() != "decode snapshot" {
		t.Fatalf("message = %q, want %q", err.Error(), "decode snapshot")
	}
}

func TestFatal(t *testing.T) {
	if !Fatal(New(CodeOrderingFailure, "sequence overflow")) {
		t.Fatal("ordering failure should be fatal")
	}
	if Fatal(New(CodeRateLimitExceeded, "dropped")) {
		t.Fatal("rate limiting should be recoverable")
	}
}
