package segment

import (
	"io/ioutil"
	"os"
	"testing"
	"time"
)

func newTestPool(t *testing.T) (*Pool, func()) {
	t.Helper()
	base, err := ioutil.TempDir("", "segment")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := Open(base, 4, 512, true)
	if err != nil {
		os.RemoveAll(base)
		t.Fatal(err)
	}
	return pool, func() { os.RemoveAll(base) }
}

func Test_SlotRoundTripsDsidAssignment(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	for dsid := uint64(1); dsid <= 4; dsid++ {
		if s := pool.Slot(dsid); s == nil || s.Dsid() != dsid {
			t.Fatalf("expected slot for dsid %d to be present with matching dsid", dsid)
		}
	}
	if pool.Slot(5) != nil {
		t.Fatal("expected dsid 5 to have no slot before the ring wraps")
	}
}

// Test_PoolRecoverReassignsRingDsids covers the restart path: a fresh
// ring's per-slot dsid/written_bytes/fsync bookkeeping only lives in Go
// memory, so after simulating a restart (zeroing every slot the way a
// fresh Open of an already-populated region would look), Recover must
// reconstruct it purely from the last durable epoch's resume position
// and last_synced_dsid.
func Test_PoolRecoverReassignsRingDsids(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	// Simulate dsid 1..6 having been assigned and rotated through on a
	// 4-slot ring (dsid 5, 6 recycled slots 0, 1), with the flusher
	// currently on dsid 6 at offset 200, and the fsyncer having synced
	// through dsid 4.
	for _, s := range pool.slots {
		s.restoreState(0, 0, false, false)
	}
	pool.Recover(6, 200, 4)

	cases := []struct {
		idx           int
		wantDsid      uint64
		wantWritten   int64
		wantRequested bool
		wantCompleted bool
	}{
		{0, 5, 512, true, false},  // recycled from dsid 1, not yet synced
		{1, 6, 200, false, false}, // current active slot
		{2, 3, 512, true, true},   // never recycled, synced
		{3, 4, 512, true, true},   // never recycled, synced
	}
	for _, c := range cases {
		s := pool.SlotAt(c.idx)
		if s.Dsid() != c.wantDsid {
			t.Fatalf("slot %d: expected dsid %d, got %d", c.idx, c.wantDsid, s.Dsid())
		}
		if s.WrittenBytes() != c.wantWritten {
			t.Fatalf("slot %d: expected written_bytes %d, got %d", c.idx, c.wantWritten, s.WrittenBytes())
		}
		if s.FsyncRequested() != c.wantRequested {
			t.Fatalf("slot %d: expected fsync_requested=%v, got %v", c.idx, c.wantRequested, s.FsyncRequested())
		}
		if s.FsyncCompleted() != c.wantCompleted {
			t.Fatalf("slot %d: expected fsync_completed=%v, got %v", c.idx, c.wantCompleted, s.FsyncCompleted())
		}
	}
	if pool.Slot(6) == nil || pool.Slot(6).Dsid() != 6 {
		t.Fatal("expected Slot(6) to resolve to the recovered current segment")
	}
}

// Test_PinContention covers spec.md §8 scenario 6 (OneFlusherTwoReaders):
// a reader's pin on a slot blocks the flusher's exclusive recycle CAS
// until the reader releases, after which rotation proceeds.
func Test_PinContention(t *testing.T) {
	pool, cleanup := newTestPool(t)
	defer cleanup()

	slot := pool.Slot(1)
	if !slot.AcquireReadPin() {
		t.Fatal("expected first read pin to succeed")
	}

	acquired := make(chan struct{})
	go func() {
		slot.AcquireExclusive()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("flusher acquired exclusive hold while a reader still held a pin")
	case <-time.After(50 * time.Millisecond):
		// Expected: the flusher is still spinning against the live pin.
	}

	// A second, concurrent reader must also be able to pin while the
	// flusher waits, and must not observe the exclusive state.
	if !slot.AcquireReadPin() {
		t.Fatal("expected a second concurrent reader to pin successfully")
	}
	slot.ReleaseReadPin()

	slot.ReleaseReadPin()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flusher to acquire exclusive hold after pins released")
	}

	slot.ResetAndRelease(5)
	if slot.Dsid() != 5 {
		t.Fatalf("expected dsid to be reassigned to 5, got %d", slot.Dsid())
	}
	if !slot.AcquireReadPin() {
		t.Fatal("expected a reader to be able to pin the slot again after recycling released it")
	}
	slot.ReleaseReadPin()
}
