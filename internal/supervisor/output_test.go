package supervisor

import (
	"bytes"
	"testing"
)

func TestTailBufferKeepsTrailingWindow(t *testing.T) {
	tb := NewTailBuffer(8)
	_, _ = tb.Write([]byte("abcd"))
	_, _ = tb.Write([]byte("efgh"))
	if got := string(tb.Bytes()); got != "abcdefgh" {
		t.Errorf("Bytes = %q", got)
	}
	_, _ = tb.Write([]byte("ij"))
	if got := string(tb.Bytes()); got != "cdefghij" {
		t.Errorf("after overflow: %q", got)
	}
	if tb.Len() != 8 {
		t.Errorf("Len = %d, want 8", tb.Len())
	}
}

func TestTailBufferOversizedWrite(t *testing.T) {
	tb := NewTailBuffer(4)
	n, err := tb.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := string(tb.Bytes()); got != "6789" {
		t.Errorf("Bytes = %q, want trailing window", got)
	}
}

func TestTailBufferBytesIsACopy(t *testing.T) {
	tb := NewTailBuffer(16)
	_, _ = tb.Write([]byte("data"))
	b := tb.Bytes()
	b[0] = 'X'
	if !bytes.Equal(tb.Bytes(), []byte("data")) {
		t.Error("Bytes returned a live reference")
	}
}

func TestTailBufferDefaultLimit(t *testing.T) {
	tb := NewTailBuffer(0)
	if tb.limit != DefaultTailSize {
		t.Errorf("limit = %d, want %d", tb.limit, DefaultTailSize)
	}
}
