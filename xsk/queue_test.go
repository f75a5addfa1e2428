package xsk

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/go-quicktest/qt"
)

// ringMem fabricates a ring region with the same layout the kernel
// maps: producer and consumer words up front, entries at offset 16.
// The returned pointers are the "kernel side" of the shared cursors.
type ringMem struct {
	region []byte
	prod   *uint32
	cons   *uint32
}

func newRingMem(t *testing.T, entryBytes, size uint32) ringMem {
	t.Helper()
	words := make([]uint64, 2+uintptr(size)*uintptr(entryBytes)/8)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return ringMem{
		region: region,
		prod:   (*uint32)(unsafe.Pointer(&region[0])),
		cons:   (*uint32)(unsafe.Pointer(&region[4])),
	}
}

var testOffsets = ringOffset{Producer: 0, Consumer: 4, Desc: 16}

func TestDescRingProducer(t *testing.T) {
	const size = 4
	mem := newRingMem(t, 16, size)
	q, err := makeDescRing(mem.region, testOffsets, size, true)
	qt.Assert(t, qt.IsNil(err))

	kernDescs := unsafe.Slice((*xdpDesc)(unsafe.Pointer(&mem.region[16])), size)

	// Fill the ring one descriptor at a time.
	for i := uint32(0); i < size; i++ {
		idx, ok := q.reserve(1)
		qt.Assert(t, qt.IsTrue(ok))
		q.set(idx, xdpDesc{Addr: uint64(i) * 2048, Len: 64})
		q.submit(1)
	}
	qt.Assert(t, qt.Equals(atomic.LoadUint32(mem.prod), uint32(size)))

	// Full: reservation is all-or-nothing.
	_, ok := q.reserve(1)
	qt.Assert(t, qt.IsFalse(ok))

	// Kernel consumes two entries; the ring frees up, and the slots
	// wrap around the mask.
	qt.Assert(t, qt.Equals(kernDescs[0].Addr, uint64(0)))
	qt.Assert(t, qt.Equals(kernDescs[1].Addr, uint64(2048)))
	atomic.StoreUint32(mem.cons, 2)

	idx, ok := q.reserve(2)
	qt.Assert(t, qt.IsTrue(ok))
	q.set(idx, xdpDesc{Addr: 111, Len: 1})
	q.set(idx+1, xdpDesc{Addr: 222, Len: 2})
	q.submit(2)

	qt.Assert(t, qt.Equals(atomic.LoadUint32(mem.prod), uint32(size+2)))
	qt.Assert(t, qt.Equals(kernDescs[0].Addr, uint64(111)))
	qt.Assert(t, qt.Equals(kernDescs[1].Addr, uint64(222)))

	_, ok = q.reserve(1)
	qt.Assert(t, qt.IsFalse(ok))
}

func TestDescRingConsumer(t *testing.T) {
	const size = 4
	mem := newRingMem(t, 16, size)
	q, err := makeDescRing(mem.region, testOffsets, size, false)
	qt.Assert(t, qt.IsNil(err))

	kernDescs := unsafe.Slice((*xdpDesc)(unsafe.Pointer(&mem.region[16])), size)

	// Empty ring.
	n, _ := q.peek(size)
	qt.Assert(t, qt.Equals(n, uint32(0)))

	// Kernel produces three packets.
	for i := uint32(0); i < 3; i++ {
		kernDescs[i] = xdpDesc{Addr: uint64(i) * 4096, Len: 60 + i}
	}
	atomic.StoreUint32(mem.prod, 3)

	n, idx := q.peek(2)
	qt.Assert(t, qt.Equals(n, uint32(2)))
	qt.Assert(t, qt.Equals(q.at(idx).Addr, uint64(0)))
	qt.Assert(t, qt.Equals(q.at(idx+1).Addr, uint64(4096)))
	q.release(2)
	qt.Assert(t, qt.Equals(atomic.LoadUint32(mem.cons), uint32(2)))

	n, idx = q.peek(size)
	qt.Assert(t, qt.Equals(n, uint32(1)))
	qt.Assert(t, qt.Equals(q.at(idx).Len, uint32(62)))
	q.release(1)

	// Wrap: kernel produces past the ring end.
	for i := uint32(3); i < 3+size; i++ {
		kernDescs[i%size] = xdpDesc{Addr: uint64(i) * 4096, Len: 60}
	}
	atomic.StoreUint32(mem.prod, 3+size)

	n, idx = q.peek(size)
	qt.Assert(t, qt.Equals(n, uint32(size)))
	qt.Assert(t, qt.Equals(q.at(idx).Addr, uint64(3*4096)))
	q.release(n)
	qt.Assert(t, qt.Equals(atomic.LoadUint32(mem.cons), uint32(3+size)))
}

func TestAddrRingReserveUpTo(t *testing.T) {
	const size = 8
	mem := newRingMem(t, 8, size)
	q, err := makeAddrRing(mem.region, testOffsets, size, true)
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.Equals(q.freeSlots(), uint32(size)))

	got, idx := q.reserveUpTo(5)
	qt.Assert(t, qt.Equals(got, uint32(5)))
	for i := uint32(0); i < got; i++ {
		q.set(idx+i, uint64(i)*2048)
	}
	q.submit(got)

	// Only three slots left; an oversized reservation is truncated.
	got, idx = q.reserveUpTo(7)
	qt.Assert(t, qt.Equals(got, uint32(3)))
	q.submit(got)
	_ = idx

	got, _ = q.reserveUpTo(1)
	qt.Assert(t, qt.Equals(got, uint32(0)))

	// Kernel drains everything; capacity returns, wrapped.
	atomic.StoreUint32(mem.cons, 8)
	qt.Assert(t, qt.Equals(q.freeSlots(), uint32(size)))
}

func TestAddrRingConsumer(t *testing.T) {
	const size = 4
	mem := newRingMem(t, 8, size)
	q, err := makeAddrRing(mem.region, testOffsets, size, false)
	qt.Assert(t, qt.IsNil(err))

	kernAddrs := unsafe.Slice((*uint64)(unsafe.Pointer(&mem.region[16])), size)

	kernAddrs[0] = 4096
	kernAddrs[1] = 8192
	atomic.StoreUint32(mem.prod, 2)

	n, idx := q.peek(size)
	qt.Assert(t, qt.Equals(n, uint32(2)))
	qt.Assert(t, qt.Equals(q.at(idx), uint64(4096)))
	qt.Assert(t, qt.Equals(q.at(idx+1), uint64(8192)))
	q.release(2)
	qt.Assert(t, qt.Equals(atomic.LoadUint32(mem.cons), uint32(2)))
}

func TestMakeRingEmptyRegion(t *testing.T) {
	_, err := makeDescRing(nil, testOffsets, 4, false)
	qt.Assert(t, qt.ErrorIs(err, ErrDescRegionEmpty))
	_, err = makeAddrRing(nil, testOffsets, 4, false)
	qt.Assert(t, qt.ErrorIs(err, ErrAddrRegionEmpty))
}
