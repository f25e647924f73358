package chronodb

import (
	"io"
	"strings"
	"testing"
)

func TestStorageBackendFromReaderDrainsAndCloses(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("hello"))
	data, err := StorageBackendFromReader(rc)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
}
