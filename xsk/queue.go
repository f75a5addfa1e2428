package xsk

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	ErrDescRegionEmpty = errors.New("descriptor ring region is empty")
	ErrAddrRegionEmpty = errors.New("address ring region is empty")
)

// xdpDesc is xdp_desc from linux/if_xdp.h.
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L103
type xdpDesc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

// ringOffset is xdp_ring_offset from linux/if_xdp.h.
type ringOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// descRing is a userspace view of an RX or TX ring backed by shared
// memory. Producer/consumer words are shared with the kernel and
// accessed atomically; cached cursors reduce atomic traffic.
//
// A descRing is used either as a consumer (RX) or a producer (TX),
// never both.
type descRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	descs      []xdpDesc
}

// addrRing is a userspace view of a UMEM address ring (FQ or CQ).
// Entries are raw UMEM offsets.
type addrRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	addrs      []uint64
}

// makeDescRing builds an RX/TX ring view from a mapped region and the
// kernel-reported offsets. For producer rings (TX) the consumer cache
// starts at size so the whole ring reads as free.
func makeDescRing(region []byte, off ringOffset, size uint32, producer bool) (*descRing, error) {
	if len(region) == 0 {
		return nil, ErrDescRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	cachedCons := uint32(0)
	if producer {
		cachedCons = size
	}

	return &descRing{
		mask:       size - 1,
		size:       size,
		prod:       (*uint32)(unsafe.Add(base, off.Producer)),
		cons:       (*uint32)(unsafe.Add(base, off.Consumer)),
		descs:      unsafe.Slice((*xdpDesc)(unsafe.Add(base, off.Desc)), size),
		cachedCons: cachedCons,
	}, nil
}

// makeAddrRing builds an FQ/CQ ring view from a mapped region.
func makeAddrRing(region []byte, off ringOffset, size uint32, producer bool) (*addrRing, error) {
	if len(region) == 0 {
		return nil, ErrAddrRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	cachedCons := uint32(0)
	if producer {
		cachedCons = size
	}

	return &addrRing{
		mask:       size - 1,
		size:       size,
		prod:       (*uint32)(unsafe.Add(base, off.Producer)),
		cons:       (*uint32)(unsafe.Add(base, off.Consumer)),
		addrs:      unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
		cachedCons: cachedCons,
	}, nil
}

/*---- Consumer operations (RX on descRing, CQ on addrRing) ----*/

// peek returns up to max available entries and the cursor of the
// first one. The entries must be read before release is called.
func (q *descRing) peek(max uint32) (n, idx uint32) {
	avail := q.cachedProd - q.cachedCons
	if avail == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		avail = q.cachedProd - q.cachedCons
	}
	if avail > max {
		avail = max
	}
	idx = q.cachedCons
	q.cachedCons += avail
	return avail, idx
}

func (q *descRing) at(idx uint32) xdpDesc { return q.descs[idx&q.mask] }

// release hands n consumed entries back to the kernel.
func (q *descRing) release(n uint32) {
	atomic.StoreUint32(q.cons, atomic.LoadUint32(q.cons)+n)
}

func (q *addrRing) peek(max uint32) (n, idx uint32) {
	avail := q.cachedProd - q.cachedCons
	if avail == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		avail = q.cachedProd - q.cachedCons
	}
	if avail > max {
		avail = max
	}
	idx = q.cachedCons
	q.cachedCons += avail
	return avail, idx
}

func (q *addrRing) at(idx uint32) uint64 { return q.addrs[idx&q.mask] }

func (q *addrRing) release(n uint32) {
	atomic.StoreUint32(q.cons, atomic.LoadUint32(q.cons)+n)
}

/*---- Producer operations (TX on descRing, FQ on addrRing) ----*/

// freeSlots returns the number of unreserved producer slots.
func (q *descRing) freeSlots() uint32 {
	free := q.cachedCons - q.cachedProd
	if free == 0 {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		free = q.cachedCons - q.cachedProd
	}
	return free
}

// reserve claims exactly n slots or none. Returns the cursor of the
// first reserved slot and whether the reservation succeeded.
func (q *descRing) reserve(n uint32) (idx uint32, ok bool) {
	free := q.cachedCons - q.cachedProd
	if free < n {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		if q.cachedCons-q.cachedProd < n {
			return 0, false
		}
	}
	idx = q.cachedProd
	q.cachedProd += n
	return idx, true
}

func (q *descRing) set(idx uint32, d xdpDesc) { q.descs[idx&q.mask] = d }

// submit publishes n reserved entries to the kernel.
func (q *descRing) submit(n uint32) {
	atomic.StoreUint32(q.prod, atomic.LoadUint32(q.prod)+n)
}

func (q *addrRing) freeSlots() uint32 {
	free := q.cachedCons - q.cachedProd
	if free == 0 {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		free = q.cachedCons - q.cachedProd
	}
	return free
}

// reserveUpTo claims up to n slots, possibly fewer. Returns the count
// actually reserved and the cursor of the first slot.
func (q *addrRing) reserveUpTo(n uint32) (got, idx uint32) {
	free := q.cachedCons - q.cachedProd
	if free < n {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		free = q.cachedCons - q.cachedProd
	}
	if free < n {
		n = free
	}
	idx = q.cachedProd
	q.cachedProd += n
	return n, idx
}

func (q *addrRing) set(idx uint32, addr uint64) { q.addrs[idx&q.mask] = addr }

func (q *addrRing) submit(n uint32) {
	atomic.StoreUint32(q.prod, atomic.LoadUint32(q.prod)+n)
}
