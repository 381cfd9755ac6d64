package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", Validation("missing field %q", "mode"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if errors.Is(err, ErrIllegalState) {
		t.Fatalf("did not expect ErrIllegalState")
	}
	if KindOf(err) != ErrValidation {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := Storage(io.ErrShortWrite, "append batch of %d", 3)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected both kind and cause to match: %v", err)
	}
	want := "storage error: append batch of 3: short write"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("x")) != nil {
		t.Fatalf("plain errors have no kind")
	}
}
