package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a1 := KDF("trollbox:a", []byte("ikm"))
	a2 := KDF("trollbox:a", []byte("ikm"))
	b := KDF("trollbox:b", []byte("ikm"))
	if !bytes.Equal(a1, a2) {
		t.Fatalf("kdf not deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Fatalf("kdf label ignored")
	}
}

func TestSealPackedRoundTripAndAAD(t *testing.T) {
	key := DeriveSymmetricKey("", "example.com")
	aad := BuildAAD("trollbox-message", "/trollbox/1/x/json")
	packed, err := SealPacked(key, []byte("hello"), aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := OpenPacked(key, packed, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(pt) != "hello" {
		t.Fatalf("unexpected plaintext: %q", pt)
	}
	if _, err := OpenPacked(key, packed, BuildAAD("trollbox-message", "/trollbox/1/y/json")); err == nil {
		t.Fatalf("expected aad mismatch to fail")
	}
	other := DeriveSymmetricKey("secret", "")
	if _, err := OpenPacked(other, packed, aad); err == nil {
		t.Fatalf("expected wrong key to fail")
	}
	if _, err := OpenPacked(key, packed[:10], aad); err == nil {
		t.Fatalf("expected short payload to fail")
	}
}

func TestDeriveContentTopic(t *testing.T) {
	sum := sha256.Sum256([]byte("my-app"))
	want := "/trollbox/1/" + hex.EncodeToString(sum[:]) + "/json"
	if got := DeriveContentTopic("my-app", "example.com"); got != want {
		t.Fatalf("topic mismatch: %s != %s", got, want)
	}
	sum = sha256.Sum256([]byte("example.com"))
	want = "/trollbox/1/" + hex.EncodeToString(sum[:]) + "/json"
	if got := DeriveContentTopic("", "example.com"); got != want {
		t.Fatalf("fallback topic mismatch: %s != %s", got, want)
	}
	if DeriveContentTopic("a", "") == DeriveContentTopic("b", "") {
		t.Fatalf("distinct app ids share a topic")
	}
}

func TestDeriveSymmetricKeySecret(t *testing.T) {
	key := DeriveSymmetricKey("abc", "ignored")
	want := "abc" + strings.Repeat("0", 29)
	if string(key) != want {
		t.Fatalf("padded key mismatch: %q", key)
	}
	long := strings.Repeat("x", 40)
	key = DeriveSymmetricKey(long, "")
	if len(key) != 32 || string(key) != long[:32] {
		t.Fatalf("truncated key mismatch: %q", key)
	}
}

func TestDeriveSymmetricKeyFallback(t *testing.T) {
	sum := sha256.Sum256([]byte("example.com" + "trollbox-encryption-salt"))
	want := hex.EncodeToString(sum[:])[:32]
	key := DeriveSymmetricKey("", "example.com")
	if string(key) != want {
		t.Fatalf("fallback key mismatch: %q != %q", key, want)
	}
	if !bytes.Equal(key, DeriveSymmetricKey("", "example.com")) {
		t.Fatalf("fallback key not deterministic")
	}
}
