package xsk

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/romshark/xskbounce-go/ratelimit"
)

// maxFQRetries bounds fill-ring reservation retries within one batch
// iteration. On exhaustion the iteration proceeds with whatever
// partial reservation succeeded instead of hanging the datapath.
const maxFQRetries = 1024

// DataPlane is the ring surface the engine drives. *Socket implements
// it against the kernel; tests implement it in-process.
//
// Consumer pairs (RxPeek/RxRelease, CqPeek/CqRelease) and producer
// pairs (TxReserve/TxSubmit, FqReserve/FqSubmit) follow AF_XDP ring
// semantics: peek hands out a cursor into the ring, release/submit
// publish exactly the peeked/reserved count.
type DataPlane interface {
	RxPeek(max uint32) (n, idx uint32)
	RxDesc(idx uint32) (addr uint64, length uint32)
	RxRelease(n uint32)

	TxReserve(n uint32) (idx uint32, ok bool)
	TxSet(idx uint32, addr uint64, length uint32)
	TxSubmit(n uint32)

	FqFreeSlots() uint32
	FqReserve(n uint32) (got, idx uint32)
	FqSet(idx uint32, addr uint64)
	FqSubmit(n uint32)

	CqPeek(max uint32) (n, idx uint32)
	CqAddr(idx uint32) uint64
	CqRelease(n uint32)

	// Kick nudges the kernel to process the TX ring; nonblocking.
	Kick() error
	// Wait blocks until the RX ring is readable or timeoutMS expires.
	Wait(timeoutMS int) error
}

type EngineConfig struct {
	// RxBatch caps the RX descriptors consumed per iteration.
	RxBatch uint32
	// CompBatch caps the completion entries drained per iteration.
	CompBatch uint32
	// PollMode blocks on socket readability between iterations
	// instead of busy-waiting.
	PollMode bool
	// PollTimeoutMS is the readability wait timeout in PollMode.
	PollTimeoutMS int
	// TTL stops the engine this long after Run starts. Zero disables.
	TTL time.Duration
	// PacketLimit stops the engine once this many packets were
	// received. Zero disables.
	PacketLimit uint64
	// DrainTimeout bounds the shutdown completion drain.
	DrainTimeout time.Duration
	// Pace optionally throttles bounced packets. Nil disables.
	Pace *ratelimit.Throttle
}

func (c *EngineConfig) setDefaults() {
	if c.RxBatch == 0 {
		c.RxBatch = DefaultRxBatch
	}
	if c.CompBatch == 0 {
		c.CompBatch = DefaultRingSize
	}
	if c.PollTimeoutMS == 0 {
		c.PollTimeoutMS = 1000
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 100 * time.Millisecond
	}
}

// Engine drives the bounce datapath over one socket: every frame read
// from the RX ring is queued on the TX ring with the same UMEM buffer
// and reclaimed through the completion ring.
//
// Exactly one goroutine may call Run. Stop and Counters are safe to
// use concurrently with it.
type Engine struct {
	ring DataPlane
	pool *FramePool
	conf EngineConfig

	// outstandingTx counts TX descriptors submitted but not yet seen
	// on the completion ring. Only the Run goroutine touches it.
	outstandingTx uint32

	counters Counters
	stop     atomic.Bool
	start    time.Time
}

// NewEngine composes a polling engine over ring and pool. The pool
// must be the one whose frames circulate through ring (for *Socket,
// its Pool).
func NewEngine(ring DataPlane, pool *FramePool, conf EngineConfig) *Engine {
	conf.setDefaults()
	return &Engine{ring: ring, pool: pool, conf: conf}
}

// Stop requests a graceful shutdown. Idempotent and safe from any
// goroutine, including signal handlers' notify goroutine.
func (e *Engine) Stop() { e.stop.Store(true) }

// Stopped reports whether shutdown was requested.
func (e *Engine) Stopped() bool { return e.stop.Load() }

// Counters returns the engine's live counter block. Values are
// atomics; concurrent readers never observe torn values.
func (e *Engine) Counters() *Counters { return &e.counters }

// OutstandingTx returns the number of frames still owned by the TX or
// completion ring. Nonzero after Run returns means the drain deadline
// was hit and those frames leak into the UMEM region.
func (e *Engine) OutstandingTx() uint32 { return e.outstandingTx }

// Run executes batch iterations until Stop is called, the packet
// limit is reached or the TTL expires, then drains outstanding
// completions. Returns a non-nil error only for syscall failures on
// the socket.
func (e *Engine) Run() error {
	e.start = time.Now()

	for !e.stop.Load() {
		if e.conf.PollMode {
			if err := e.ring.Wait(e.conf.PollTimeoutMS); err != nil {
				return fmt.Errorf("rx wait: %w", err)
			}
			if e.stop.Load() {
				break
			}
		}

		if err := e.iterate(); err != nil {
			return err
		}

		if lim := e.conf.PacketLimit; lim != 0 && e.counters.RxPackets.Load() >= lim {
			e.stop.Store(true)
		}
		if e.conf.TTL != 0 && time.Since(e.start) >= e.conf.TTL {
			e.stop.Store(true)
		}
	}

	return e.drain()
}

// iterate runs one batch: RX peek, fill-ring refill, bounce, TX
// completion. Phases always run in this order and an iteration is
// never interrupted mid-phase.
func (e *Engine) iterate() error {
	// Phase A: check how many packets arrived. No early return: the
	// completion drain below must run even on an idle RX ring.
	rcvd, idxRx := e.ring.RxPeek(e.conf.RxBatch)

	// Phase B: hand as many free frames as fit back to the kernel so
	// it always has buffers to receive into.
	e.refill()

	// Phase C: bounce each received frame to the TX ring, or recycle
	// it if the TX ring is full.
	if rcvd > 0 {
		var bounced uint32
		for i := uint32(0); i < rcvd; i++ {
			addr, length := e.ring.RxDesc(idxRx + i)

			if txIdx, ok := e.ring.TxReserve(1); ok {
				e.ring.TxSet(txIdx, addr, length)
				e.ring.TxSubmit(1)
				e.outstandingTx++
				bounced++
				e.counters.TxPackets.Add(1)
				e.counters.TxBytes.Add(uint64(length))
			} else {
				if err := e.pool.Free(addr); err != nil {
					panic(fmt.Sprintf(
						"returning rx frame %#x with tx ring full: %v", addr, err))
				}
				e.counters.TxDropped.Add(1)
			}

			e.counters.RxBytes.Add(uint64(length))
		}
		e.ring.RxRelease(rcvd)
		e.counters.RxPackets.Add(uint64(rcvd))

		e.conf.Pace.ThrottleN(uint64(bounced))
	}

	// Phase D: kick TX and reclaim completed frames.
	return e.complete()
}

// refill tops up the fill ring from the pool. Reservation is retried
// a bounded number of times; on exhaustion the refill is skipped for
// this iteration and throughput degrades instead of the loop hanging.
func (e *Engine) refill() {
	need := min(e.pool.FreeCount(), e.ring.FqFreeSlots())
	if need == 0 {
		return
	}

	got, idx := e.ring.FqReserve(need)
	for retries := 0; got == 0 && retries < maxFQRetries; retries++ {
		runtime.Gosched()
		got, idx = e.ring.FqReserve(need)
	}
	if got == 0 {
		e.counters.FillStalls.Add(1)
		return
	}

	for i := uint32(0); i < got; i++ {
		addr, ok := e.pool.Alloc()
		if !ok {
			// need was clamped to the pool's free count and nothing
			// else allocates from it.
			panic(fmt.Sprintf("frame pool exhausted at %d of %d", i, got))
		}
		e.ring.FqSet(idx+i, addr)
	}
	e.ring.FqSubmit(got)
}

// complete kicks the kernel and drains the completion ring, returning
// reclaimed frames to the pool.
func (e *Engine) complete() error {
	if e.outstandingTx == 0 {
		return nil
	}

	if err := e.ring.Kick(); err != nil {
		return fmt.Errorf("tx kick: %w", err)
	}

	completed, idx := e.ring.CqPeek(e.conf.CompBatch)
	if completed == 0 {
		return nil
	}
	if completed > e.outstandingTx {
		// The kernel can only complete what was submitted; more
		// entries than outstandingTx means phase C accounting broke.
		panic(fmt.Sprintf(
			"completion ring holds %d entries with %d tx outstanding",
			completed, e.outstandingTx))
	}

	for i := uint32(0); i < completed; i++ {
		addr := e.ring.CqAddr(idx + i)
		if err := e.pool.Free(addr); err != nil {
			panic(fmt.Sprintf("reclaiming completed frame %#x: %v", addr, err))
		}
	}
	e.ring.CqRelease(completed)
	e.outstandingTx -= completed

	return nil
}

// drain runs completion rounds until every submitted frame came back
// or the deadline passes. Frames still in flight at the deadline stay
// in the UMEM region and are released with it.
func (e *Engine) drain() error {
	deadline := time.Now().Add(e.conf.DrainTimeout)
	for e.outstandingTx > 0 && time.Now().Before(deadline) {
		if err := e.complete(); err != nil {
			return err
		}
		if e.outstandingTx > 0 {
			runtime.Gosched()
		}
	}
	return nil
}
