package writerbuf

import (
	"bytes"
	"testing"

	"github.com/ulysseses/nvwal/epoch"
)

func Test_OnWALWrite_SingleEpoch(t *testing.T) {
	b, err := New(4096, MinFrames, nil)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello world")
	n, err := b.OnWALWrite(data, epoch.Epoch(1))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(data), n)
	}
	got := make([]byte, len(data))
	b.CopyOut(got, 0, len(data))
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, data)
	}
}

func Test_OnWALWrite_RejectsNonIncreasingEpoch(t *testing.T) {
	b, err := New(4096, MinFrames, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.OnWALWrite([]byte("a"), epoch.Epoch(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.OnWALWrite([]byte("b"), epoch.Epoch(2)); err != nil {
		t.Fatalf("same-epoch write should succeed, got %v", err)
	}
	if _, err := b.OnWALWrite([]byte("c"), epoch.Epoch(1)); err == nil {
		t.Fatal("expected error writing a lesser epoch")
	}
}

func Test_OnWALWrite_RingExhaustionIsContractViolation(t *testing.T) {
	b, err := New(4096, MinFrames, nil)
	if err != nil {
		t.Fatal(err)
	}
	var lastErr error
	for e := epoch.Epoch(1); e <= epoch.Epoch(MinFrames+1); e++ {
		_, lastErr = b.OnWALWrite([]byte("x"), e)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected ring exhaustion to eventually fail")
	}
}

func Test_HasEnoughSpace(t *testing.T) {
	b, err := New(1024, MinFrames, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !b.HasEnoughSpace() {
		t.Fatal("expected fresh buffer to have enough space")
	}
	big := make([]byte, 600)
	if _, err := b.OnWALWrite(big, epoch.Epoch(1)); err != nil {
		t.Fatal(err)
	}
	if b.HasEnoughSpace() {
		t.Fatal("expected buffer more than half full to report insufficient space")
	}
}
