package chronodb

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeTemporalKey(t *testing.T) {
	enc := EncodeTemporalKey("users", "42", 100)
	tk, err := DecodeTemporalKey(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tk.Keyspace != "users" || tk.Key != "42" || tk.Timestamp != 100 {
		t.Fatalf("unexpected decode: %+v", tk)
	}
}

func TestEncodeTemporalKeyOrderPreserving(t *testing.T) {
	a := EncodeTemporalKey("users", "42", 100)
	b := EncodeTemporalKey("users", "42", 200)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected a < b for increasing timestamps")
	}

	c := EncodeTemporalKey("users", "43", 0)
	if bytes.Compare(a, c) >= 0 {
		t.Fatalf("expected a < c for increasing keys within same keyspace")
	}
}

func TestDecodeTemporalKeyRejectsCorruption(t *testing.T) {
	if _, err := DecodeTemporalKey([]byte("short")); err != ErrInvalidEncoding {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
	if _, err := DecodeTemporalKey(make([]byte, timestampWidth)); err != ErrInvalidEncoding {
		t.Fatalf("expected ErrInvalidEncoding for missing separators, got %v", err)
	}
}

func TestSameLogicalKey(t *testing.T) {
	tk := TemporalKey{Keyspace: "users", Key: "42", Timestamp: 5}
	if !sameLogicalKey(tk, "users", "42") {
		t.Fatal("expected match")
	}
	if sameLogicalKey(tk, "users", "43") {
		t.Fatal("expected mismatch")
	}
}

func TestValidateKeyRejectsSeparatorAndTraversal(t *testing.T) {
	if err := ValidateKey("has\x00sep"); err == nil {
		t.Fatal("expected error for embedded separator")
	}
	if err := ValidateKey("../escape"); err == nil {
		t.Fatal("expected error for path traversal")
	}
	if err := ValidateKey(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := ValidateKey("normal-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateBranchName(t *testing.T) {
	if err := ValidateBranchName(""); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := ValidateBranchName("bad name"); err == nil {
		t.Fatal("expected error for space")
	}
	if err := ValidateBranchName("feature-1_x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
