package sha256

import "testing"

func TestFingerprintIsStableAndShort(t *testing.T) {
	t.Parallel()

	first := Fingerprint("session=abc; csrf=def")
	second := Fingerprint("session=abc; csrf=def")
	if first != second {
		t.Fatalf("expected stable fingerprint, got %q and %q", first, second)
	}
	if len(first) != 12 {
		t.Fatalf("expected 12 characters, got %d", len(first))
	}
	if Fingerprint("other") == first {
		t.Fatal("expected different inputs to produce different fingerprints")
	}
}

func TestFingerprintEmpty(t *testing.T) {
	t.Parallel()

	if got := Fingerprint(""); got != "empty" {
		t.Fatalf("expected \"empty\", got %q", got)
	}
}
