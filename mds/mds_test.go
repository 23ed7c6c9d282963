package mds

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/ulysseses/nvwal/ctrlblock"
	"github.com/ulysseses/nvwal/epoch"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	base, err := ioutil.TempDir("", "mds")
	if err != nil {
		t.Fatal(err)
	}
	nvRoot := base + "/nv"
	diskRoot := base + "/disk"
	ctrl, err := ctrlblock.Open(nvRoot, true)
	if err != nil {
		os.RemoveAll(base)
		t.Fatal(err)
	}
	store, err := Open(Config{
		NvRoot:       nvRoot,
		DiskRoot:     diskRoot,
		Partitions:   2,
		PageSize:     512, // 8 records per page
		AtomicAppend: true,
	}, ctrl, true)
	if err != nil {
		os.RemoveAll(base)
		t.Fatal(err)
	}
	return store, func() { os.RemoveAll(base) }
}

func Test_WriteAndReadRoundTrip(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	for e := epoch.Epoch(1); e <= 50; e++ {
		meta := EpochMetadata{EpochID: e, FromSegID: 1, FromOffset: uint64(e), ToSegID: 1, ToOffset: uint64(e) + 10}
		if err := store.WriteEpoch(meta); err != nil {
			t.Fatalf("write epoch %d: %v", e, err)
		}
	}

	for e := epoch.Epoch(1); e <= 50; e++ {
		got, err := store.ReadOneEpoch(e)
		if err != nil {
			t.Fatalf("read epoch %d: %v", e, err)
		}
		if got.EpochID != e || got.FromOffset != uint64(e) {
			t.Fatalf("epoch %d: got %+v", e, got)
		}
	}

	it := store.EpochIteratorInit(1, 51)
	count := 0
	for it.Valid() {
		if _, err := it.Current(); err != nil {
			t.Fatal(err)
		}
		count++
		it.Next()
	}
	if count != 50 {
		t.Fatalf("expected to iterate 50 records, got %d", count)
	}
}

// Test_IteratorBoundsAgainstLatestEpoch covers spec.md §4.7's boundary
// case: a range starting past what has actually been written must be
// immediately invalid, not just a lo==hi empty range.
func Test_IteratorBoundsAgainstLatestEpoch(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	for e := epoch.Epoch(1); e <= 5; e++ {
		meta := EpochMetadata{EpochID: e, FromSegID: 1, FromOffset: uint64(e)}
		if err := store.WriteEpoch(meta); err != nil {
			t.Fatalf("write epoch %d: %v", e, err)
		}
	}

	it := store.EpochIteratorInit(6, 10)
	if it.Valid() {
		t.Fatal("expected an iterator starting past the latest written epoch to be invalid")
	}

	// A range overlapping the written prefix but reaching past it is
	// truncated to what's durable, not extended to the requested hi.
	it = store.EpochIteratorInit(3, 10)
	count := 0
	for it.Valid() {
		count++
		it.Next()
	}
	if count != 3 {
		t.Fatalf("expected iteration truncated to 3 records (epochs 3-5), got %d", count)
	}
}

func Test_Rollback(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	for e := epoch.Epoch(1); e <= 100; e++ {
		meta := EpochMetadata{EpochID: e, FromSegID: 1, FromOffset: uint64(e)}
		if err := store.WriteEpoch(meta); err != nil {
			t.Fatalf("write epoch %d: %v", e, err)
		}
	}

	if err := store.Rollback(50); err != nil {
		t.Fatal(err)
	}
	if store.LatestEpoch() != 50 {
		t.Fatalf("expected latest epoch 50, got %d", store.LatestEpoch())
	}

	it := store.EpochIteratorInit(1, 51)
	count := 0
	for it.Valid() {
		count++
		it.Next()
	}
	if count != 50 {
		t.Fatalf("expected 50 records after rollback, got %d", count)
	}
}
