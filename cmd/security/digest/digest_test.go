package digest

import "testing"

func TestSHA256Hex(t *testing.T) {
	t.Parallel()

	got := SHA256Hex("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("SHA256Hex=%s want=%s", got, want)
	}
}

func TestPartsIsBoundaryAware(t *testing.T) {
	t.Parallel()

	if Parts("ab", "c") == Parts("a", "bc") {
		t.Fatalf("expected distinct digests for different part boundaries")
	}
	if Parts("x", "y") != Parts("x", "y") {
		t.Fatalf("expected deterministic digest")
	}
	if len(Parts()) != 64 {
		t.Fatalf("expected 64 hex chars")
	}
}

func TestHMACDiffersByKey(t *testing.T) {
	t.Parallel()

	a := HMACSHA256Hex("payload", []byte("key-one"))
	b := HMACSHA256Hex("payload", []byte("key-two"))
	if a == b {
		t.Fatalf("expected key-dependent digests")
	}
}
