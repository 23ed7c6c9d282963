// Package writerbuf implements the per-writer circular byte buffer and
// its small ring of epoch frames (spec.md §4.1). A writer thread writes
// bytes with OnWALWrite; the flusher reads the frame ring concurrently
// through direct frame field loads and publishes its progress back
// through the oldest-frame index, which the writer reads in
// HasEnoughSpace.
package writerbuf

import (
	"sync/atomic"

	"github.com/ulysseses/nvwal/epoch"
	"github.com/ulysseses/nvwal/nverrors"
)

// MinFrames is the minimum ring size K (spec.md §3: "K≥5").
const MinFrames = 5

// DefaultFrames is the default ring size when not otherwise configured.
const DefaultFrames = 8

// Frame is one slot in a writer's epoch-frame ring: {log_epoch,
// head_offset, tail_offset}, all in the doubled offset space described
// in spec.md §9 and below.
type Frame struct {
	logEpoch   uint64 // atomic; epoch.Invalid (0) means the frame is unused
	headOffset uint64 // atomic, doubled space
	tailOffset uint64 // atomic, doubled space
}

func (f *Frame) loadEpoch() epoch.Epoch   { return epoch.Epoch(atomic.LoadUint64(&f.logEpoch)) }
func (f *Frame) loadHead() uint64         { return atomic.LoadUint64(&f.headOffset) }
func (f *Frame) loadTail() uint64         { return atomic.LoadUint64(&f.tailOffset) }
func (f *Frame) storeHead(v uint64)       { atomic.StoreUint64(&f.headOffset, v) }
func (f *Frame) storeTail(v uint64)       { atomic.StoreUint64(&f.tailOffset, v) }
func (f *Frame) storeEpoch(e epoch.Epoch) { atomic.StoreUint64(&f.logEpoch, uint64(e)) }
func (f *Frame) clear() {
	atomic.StoreUint64(&f.logEpoch, uint64(epoch.Invalid))
	atomic.StoreUint64(&f.headOffset, 0)
	atomic.StoreUint64(&f.tailOffset, 0)
}

// Epoch loads the frame's log_epoch with acquire ordering. Exported for
// the flusher, which reads frames concurrently with the owning writer.
func (f *Frame) Epoch() epoch.Epoch { return f.loadEpoch() }

// Head loads head_offset with acquire ordering.
func (f *Frame) Head() uint64 { return f.loadHead() }

// Tail loads tail_offset with acquire ordering.
func (f *Frame) Tail() uint64 { return f.loadTail() }

// SetHead release-publishes a new head_offset. Only the flusher calls
// this, as it consumes bytes out of the frame.
func (f *Frame) SetHead(v uint64) { f.storeHead(v) }

// Buffer is a single writer's circular byte buffer plus its epoch frame
// ring.
type Buffer struct {
	data   []byte
	size   uint64 // writer_buffer_size, a multiple of 512
	frames []Frame

	oldestFrame int32 // atomic index into frames

	// activeIdx is touched only by the owning writer goroutine; the
	// flusher never reads it directly, only via the published frame
	// fields.
	activeIdx int
}

// New allocates a writer buffer of size bytes with k epoch frames. If
// externalBuf is non-nil it is used as the backing array (spec.md §6's
// "per-writer user-supplied buffer pointers"); otherwise a buffer is
// allocated.
func New(size uint64, k int, externalBuf []byte) (*Buffer, error) {
	if size == 0 || size%512 != 0 {
		return nil, nverrors.InvalidArgument{Field: "writer_buffer_size", Msg: "must be a non-zero multiple of 512"}
	}
	if k < MinFrames {
		return nil, nverrors.InvalidArgument{Field: "frame_count", Msg: "must be >= 5"}
	}
	data := externalBuf
	if data == nil {
		data = make([]byte, size)
	} else if uint64(len(data)) != size {
		return nil, nverrors.InvalidArgument{Field: "writer_buffer_size", Msg: "user-supplied buffer length mismatch"}
	}
	return &Buffer{
		data:   data,
		size:   size,
		frames: make([]Frame, k),
	}, nil
}

// doubledMod reduces v into [0, 2*size).
func (b *Buffer) doubledMod(v uint64) uint64 {
	two := 2 * b.size
	return v % two
}

// distance computes the unambiguous forward distance from b to a in the
// doubled offset space, i.e. how many bytes separate head (b) from tail
// (a) going forward around the ring.
func (b *Buffer) distance(a, bb uint64) uint64 {
	two := 2 * b.size
	return ((a - bb) % two + two) % two
}

// phys maps a doubled-space offset down to a physical index into data.
func (b *Buffer) phys(v uint64) uint64 { return v % b.size }

// HasEnoughSpace reports whether the distance from the oldest frame's
// head to the active frame's tail is at most half the buffer size
// (spec.md §4.1). It loads oldestFrame and the frame's head_offset with
// acquire ordering; this is the flusher's publication channel back to
// the writer.
func (b *Buffer) HasEnoughSpace() bool {
	oldestIdx := atomic.LoadInt32(&b.oldestFrame)
	oldest := &b.frames[oldestIdx]
	head := oldest.loadHead()
	tail := b.frames[b.activeIdx].loadTail()
	return b.distance(tail, head) <= b.size/2
}

// OnWALWrite copies data into the circular buffer at the current tail
// and advances the active frame to epoch ep, promoting a new frame if
// ep is a new epoch. It returns the number of bytes written.
//
// Publication order when promoting a frame to a new epoch follows
// spec.md §4.1 exactly: head_offset = tail_offset (release), then
// tail_offset = tail_offset (release), then log_epoch = new_epoch
// (release). The flusher reads these in the reverse dependency order
// with acquire loads.
func (b *Buffer) OnWALWrite(data []byte, ep epoch.Epoch) (int, error) {
	active := &b.frames[b.activeIdx]
	curEpoch := active.loadEpoch()

	if ep != curEpoch {
		if curEpoch != epoch.Invalid && !epoch.After(ep, curEpoch) {
			return 0, nverrors.ContractViolation{Msg: "epoch must strictly increase from the active frame"}
		}
		nextIdx := (b.activeIdx + 1) % len(b.frames)
		oldestIdx := int(atomic.LoadInt32(&b.oldestFrame))
		if nextIdx == oldestIdx {
			return 0, nverrors.ContractViolation{
				Msg: "writer frame ring exhausted: overran the durable_epoch+2 posting contract",
			}
		}
		startOffset := active.loadTail()
		next := &b.frames[nextIdx]
		next.storeHead(startOffset) // release
		next.storeTail(startOffset) // release
		next.storeEpoch(ep)         // release: publishes the frame to the flusher
		b.activeIdx = nextIdx
		active = next
	}

	tail := active.loadTail()
	for i := 0; i < len(data); {
		off := b.phys(tail + uint64(i))
		n := copy(b.data[off:], data[i:])
		i += n
	}
	newTail := b.doubledMod(tail + uint64(len(data)))
	active.storeTail(newTail)
	return len(data), nil
}

// NumFrames returns the size of the frame ring, K.
func (b *Buffer) NumFrames() int { return len(b.frames) }

// Size returns the buffer's byte capacity.
func (b *Buffer) Size() uint64 { return b.size }

// FrameAt returns a read-only view into frame i for the flusher.
func (b *Buffer) FrameAt(i int) *Frame { return &b.frames[i] }

// OldestFrameIndex loads the published oldest-frame index (acquire).
func (b *Buffer) OldestFrameIndex() int32 { return atomic.LoadInt32(&b.oldestFrame) }

// AdvanceOldestFrame release-publishes a new oldest-frame index after
// the flusher has fully drained and cleared the previous oldest frame.
func (b *Buffer) AdvanceOldestFrame(newIdx int32) { atomic.StoreInt32(&b.oldestFrame, newIdx) }

// ClearFrame zeroes out a fully-flushed, stable frame slot so it can be
// reused by a future promotion.
func (b *Buffer) ClearFrame(i int) { b.frames[i].clear() }

// CopyOut copies length bytes starting at doubled-space offset from out
// of the circular buffer, handling the physical wrap. Used by the
// flusher's copy loop (§4.2 step 3).
func (b *Buffer) CopyOut(dst []byte, from uint64, length int) {
	for i := 0; i < length; {
		off := b.phys(from + uint64(i))
		n := copy(dst[i:length], b.data[off:])
		i += n
	}
}

// Distance exposes the doubled-space distance computation for the
// flusher's copy-loop sizing.
func (b *Buffer) Distance(tail, head uint64) uint64 { return b.distance(tail, head) }

// DoubledMod exposes the doubled-space reduction for offset arithmetic
// performed outside the buffer (e.g. the flusher advancing a head by a
// copied length).
func (b *Buffer) DoubledMod(v uint64) uint64 { return b.doubledMod(v) }
