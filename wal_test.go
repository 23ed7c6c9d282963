package wal

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/ulysseses/nvwal/epoch"
)

func testConfig(base string) Config {
	return Config{
		NvRoot:           base + "/nv",
		DiskRoot:         base + "/disk",
		WriterCount:      2,
		WriterBufferSize: 1024,
		SegmentSize:      4096,
		NvQuota:          4 * 4096,
		MdsPartitions:    2,
		MdsPageSize:      512,
		AtomicAppend:     true,
	}
}

func waitForDurable(t *testing.T, w *WAL, target epoch.Epoch) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.QueryDurableEpoch() != target {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for durable_epoch=%d, got %d", target, w.QueryDurableEpoch())
		}
		time.Sleep(time.Millisecond)
	}
}

func Test_InitWriteAdvanceRead(t *testing.T) {
	base, err := ioutil.TempDir("", "wal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	w, err := Init(testConfig(base), CreateIfNotExists)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Uninit()

	if w.GetVersion() != Version {
		t.Fatalf("expected version %d, got %d", Version, w.GetVersion())
	}

	payload := []byte("integration test payload")
	if !w.HasEnoughWriterSpace(0) {
		t.Fatal("expected fresh writer to have enough space")
	}
	if _, err := w.OnWALWrite(0, payload, 1); err != nil {
		t.Fatal(err)
	}
	if !w.AdvanceStableEpoch(1) {
		t.Fatal("expected AdvanceStableEpoch(1) to be honored")
	}
	waitForDurable(t, w, 1)

	c := w.OpenLogCursor(1, 2)
	if !w.CursorIsValid(c) {
		t.Fatal("expected cursor to be valid")
	}
	if w.CursorGetCurrentEpoch(c) != 1 {
		t.Fatalf("expected epoch 1, got %d", w.CursorGetCurrentEpoch(c))
	}
	data, err := w.CursorGetData(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, data)
	}
	n, err := w.CursorGetDataLength(c)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("expected length %d, got %d", len(payload), n)
	}
	w.CursorNext(c)
	if w.CursorIsValid(c) {
		t.Fatal("expected cursor to be exhausted")
	}
	if err := w.CloseLogCursor(c); err != nil {
		t.Fatal(err)
	}
}

// Test_RestartResumesAndPreservesPriorData covers spec.md §6's Restart
// mode with real prior data: after writing and stabilizing epochs
// across an Uninit/Init(..., Restart) cycle, the resumed instance must
// neither clobber the surviving NVM bytes nor lose track of which
// segment/offset the next epoch starts at, and a cursor spanning both
// sides of the restart must read back every epoch intact.
func Test_RestartResumesAndPreservesPriorData(t *testing.T) {
	base, err := ioutil.TempDir("", "wal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	cfg := testConfig(base)

	w, err := Init(cfg, CreateIfNotExists)
	if err != nil {
		t.Fatal(err)
	}

	first := make([]byte, 500)
	for i := range first {
		first[i] = byte(i)
	}
	second := make([]byte, 500)
	for i := range second {
		second[i] = byte(200 - i)
	}

	if _, err := w.OnWALWrite(0, first, 1); err != nil {
		t.Fatal(err)
	}
	if !w.AdvanceStableEpoch(1) {
		t.Fatal("expected AdvanceStableEpoch(1) to be honored")
	}
	waitForDurable(t, w, 1)

	if _, err := w.OnWALWrite(0, second, 2); err != nil {
		t.Fatal(err)
	}
	if !w.AdvanceStableEpoch(2) {
		t.Fatal("expected AdvanceStableEpoch(2) to be honored")
	}
	waitForDurable(t, w, 2)

	if err := w.Uninit(); err != nil {
		t.Fatal(err)
	}

	w2, err := Init(cfg, Restart)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Uninit()

	if w2.QueryDurableEpoch() != 2 {
		t.Fatalf("expected recovered durable_epoch 2, got %d", w2.QueryDurableEpoch())
	}

	third := make([]byte, 500)
	for i := range third {
		third[i] = byte(100 + i)
	}
	if _, err := w2.OnWALWrite(0, third, 3); err != nil {
		t.Fatal(err)
	}
	if !w2.AdvanceStableEpoch(3) {
		t.Fatal("expected AdvanceStableEpoch(3) to be honored after restart")
	}
	waitForDurable(t, w2, 3)

	c := w2.OpenLogCursor(1, 4)
	defer w2.CloseLogCursor(c)

	want := [][]byte{first, second, third}
	for i, exp := range want {
		if !w2.CursorIsValid(c) {
			t.Fatalf("expected cursor to be valid at epoch %d", i+1)
		}
		data, err := w2.CursorGetData(c)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != string(exp) {
			t.Fatalf("epoch %d: expected %q, got %q", i+1, exp, data)
		}
		w2.CursorNext(c)
	}
	if w2.CursorIsValid(c) {
		t.Fatal("expected cursor to be exhausted after the third epoch")
	}
}

func Test_InitRejectsBadConfig(t *testing.T) {
	base, err := ioutil.TempDir("", "wal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	cfg := testConfig(base)
	cfg.SegmentSize = 100 // not a multiple of 512
	if _, err := Init(cfg, CreateIfNotExists); err == nil {
		t.Fatal("expected Init to reject a misconfigured segment_size_")
	}
}

func Test_RestartWithoutPriorStateFails(t *testing.T) {
	base, err := ioutil.TempDir("", "wal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	if _, err := Init(testConfig(base), Restart); err == nil {
		t.Fatal("expected Restart with no prior state to fail")
	}
}

// Test_NoLog covers spec.md §8 scenario 1: a cursor opened over a
// range with nothing yet durable is immediately invalid.
func Test_NoLog(t *testing.T) {
	base, err := ioutil.TempDir("", "wal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	w, err := Init(testConfig(base), CreateIfNotExists)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Uninit()

	c := w.OpenLogCursor(1, 2)
	defer w.CloseLogCursor(c)
	if w.CursorIsValid(c) {
		t.Fatal("expected cursor over an unwritten range to be invalid")
	}
}

// Test_OneWriterTwoEpochs covers spec.md §8 scenario 3: two
// consecutive epochs from one writer read back as two distinct
// regions whose concatenation matches what was written.
func Test_OneWriterTwoEpochs(t *testing.T) {
	base, err := ioutil.TempDir("", "wal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	cfg := testConfig(base)
	cfg.WriterBufferSize = 4096
	w, err := Init(cfg, CreateIfNotExists)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Uninit()

	first := make([]byte, 1024)
	for i := range first {
		first[i] = byte(i)
	}
	second := make([]byte, 2048)
	for i := range second {
		second[i] = byte(255 - i)
	}

	if _, err := w.OnWALWrite(0, first, 1); err != nil {
		t.Fatal(err)
	}
	if !w.AdvanceStableEpoch(1) {
		t.Fatal("expected AdvanceStableEpoch(1) to be honored")
	}
	waitForDurable(t, w, 1)

	if _, err := w.OnWALWrite(0, second, 2); err != nil {
		t.Fatal(err)
	}
	if !w.AdvanceStableEpoch(2) {
		t.Fatal("expected AdvanceStableEpoch(2) to be honored")
	}
	waitForDurable(t, w, 2)

	c := w.OpenLogCursor(1, 3)
	defer w.CloseLogCursor(c)

	total := 0
	regions := 0
	for w.CursorIsValid(c) {
		data, err := w.CursorGetData(c)
		if err != nil {
			t.Fatal(err)
		}
		regions++
		total += len(data)
		w.CursorNext(c)
	}
	if regions != 2 {
		t.Fatalf("expected 2 regions, got %d", regions)
	}
	if total != len(first)+len(second) {
		t.Fatalf("expected concatenated length %d, got %d", len(first)+len(second), total)
	}
}

// Test_ManyEpochsBufferWrapAround covers spec.md §8 scenario 4: many
// epochs, each large enough relative to the writer buffer that the
// buffer must wrap around more than once, still round-trip correctly.
func Test_ManyEpochsBufferWrapAround(t *testing.T) {
	base, err := ioutil.TempDir("", "wal")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)

	cfg := testConfig(base)
	cfg.WriterBufferSize = 4096
	cfg.SegmentSize = 8192
	cfg.NvQuota = 4 * 8192
	w, err := Init(cfg, CreateIfNotExists)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Uninit()

	const numEpochs = 10
	const perEpoch = 3072
	for e := 0; e < numEpochs; e++ {
		p := make([]byte, perEpoch)
		for i := range p {
			p[i] = byte(e*7 + i)
		}

		ep := epoch.Epoch(e + 1)
		for !w.HasEnoughWriterSpace(0) {
			time.Sleep(time.Millisecond)
		}
		if _, err := w.OnWALWrite(0, p, ep); err != nil {
			t.Fatalf("epoch %d: %v", ep, err)
		}
		if !w.AdvanceStableEpoch(ep) {
			t.Fatalf("epoch %d: AdvanceStableEpoch not honored", ep)
		}
		waitForDurable(t, w, ep)
	}

	c := w.OpenLogCursor(1, epoch.Epoch(numEpochs+1))
	defer w.CloseLogCursor(c)
	total := 0
	for w.CursorIsValid(c) {
		data, err := w.CursorGetData(c)
		if err != nil {
			t.Fatal(err)
		}
		total += len(data)
		w.CursorNext(c)
	}
	if total != numEpochs*perEpoch {
		t.Fatalf("expected total bytes %d, got %d", numEpochs*perEpoch, total)
	}
}
