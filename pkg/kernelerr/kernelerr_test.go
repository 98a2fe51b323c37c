package kernelerr

import (
	"errors"
	"testing"
)

func TestIsMatchesKindOnly(t *testing.T) {
	cause := errors.New("pq: duplicate key")
	err := Wrap(Conflict, "stale draft: base_snapshot_id mismatch", cause)

	if !Is(err, Conflict) {
		t.Fatalf("Is(err, Conflict) = false, want true")
	}
	if Is(err, NotFound) {
		t.Fatalf("Is(err, NotFound) = true, want false")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("raw driver error")) != Internal {
		t.Fatalf("KindOf(plain error) should default to Internal")
	}
	if KindOf(nil) != "" {
		t.Fatalf("KindOf(nil) should be empty")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(Internal, "query failed", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestInvalidStateMessage(t *testing.T) {
	err := InvalidState("publish", "Draft", "DryRunPassed")
	if KindOf(err) != InvalidInput {
		t.Fatalf("InvalidState should produce InvalidInput, got %s", KindOf(err))
	}
	want := `InvalidInput: publish: expected state "DryRunPassed", got "Draft"`
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
