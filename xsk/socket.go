//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrFillRingPrime = errors.New("cannot prime fill ring")

// Socket is an AF_XDP socket bound to one (interface, queue) pair,
// together with its UMEM region and frame pool.
//
// WARNING: Socket is not safe for concurrent use. It must be owned by
// exactly one polling goroutine.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool

	fd int

	umem *Umem
	pool *FramePool

	rx *descRing
	tx *descRing

	rxRegion []byte
	txRegion []byte
}

// Open creates and initializes an AF_XDP socket on ifaceName and the
// configured queue: it allocates and registers the UMEM, maps all four
// rings, binds to the queue and primes the fill ring with FillSize
// frames from the pool. On any failure every resource acquired so far
// is released in reverse order.
//
// The socket is not yet reachable by the kernel redirect program; the
// caller must register it in the xsks_map (see Loader.Register).
func Open(ifaceName string, conf SocketConfig) (sock *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	var umem *Umem
	defer func() {
		if err != nil {
			// The UMEM is released only after the socket using it.
			_ = unix.Close(fd)
			if umem != nil {
				_ = umem.close()
			}
		}
	}()

	umem, err = newUmem(fd, conf.NumFrames, conf.FrameSize, conf.FillSize, conf.CompSize)
	if err != nil {
		return nil, err
	}

	// RX and TX ring sizes on the socket.
	rxSize := conf.RxSize
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_RX_RING,
		unsafe.Pointer(&rxSize), unsafe.Sizeof(rxSize),
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_RX_RING: %w", err)
	}
	txSize := conf.TxSize
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_TX_RING,
		unsafe.Pointer(&txSize), unsafe.Sizeof(txSize),
	); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_TX_RING: %w", err)
	}

	// Query mmap offsets for all rings.
	var offs mmapOffsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	rxLen := uintptr(offs.Rx.Desc) + uintptr(conf.RxSize)*unsafe.Sizeof(xdpDesc{})
	rxRegion, err := mmapRegion(fd, rxLen, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return nil, fmt.Errorf("mmap RX ring: %w", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Munmap(rxRegion)
		}
	}()

	txLen := uintptr(offs.Tx.Desc) + uintptr(conf.TxSize)*unsafe.Sizeof(xdpDesc{})
	txRegion, err := mmapRegion(fd, txLen, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return nil, fmt.Errorf("mmap TX ring: %w", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Munmap(txRegion)
		}
	}()

	if err := umem.mapRings(fd, offs, conf.FillSize, conf.CompSize); err != nil {
		return nil, err
	}

	rxQ, err := makeDescRing(rxRegion, offs.Rx, conf.RxSize, false)
	if err != nil {
		return nil, fmt.Errorf("making RX ring: %w", err)
	}
	txQ, err := makeDescRing(txRegion, offs.Tx, conf.TxSize, true)
	if err != nil {
		return nil, fmt.Errorf("making TX ring: %w", err)
	}

	// Bind to iface:queue. A redirect program and xsks_map entry are
	// managed externally, so nothing here triggers an implicit
	// program load.
	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(iface.Index),
		QueueID: conf.QueueID,
	}

	zerocopy := conf.BindMode != BindCopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy && conf.BindMode == BindAuto {
		// Queue does not support zero-copy; retry in copy mode.
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket: %w", err)
	}

	pool := NewFramePool(conf.NumFrames, conf.FrameSize)

	s := &Socket{
		conf:       conf,
		isZerocopy: zerocopy,
		fd:         fd,
		umem:       umem,
		pool:       pool,
		rx:         rxQ,
		tx:         txQ,
		rxRegion:   rxRegion,
		txRegion:   txRegion,
	}

	// Prime the fill ring: until the kernel holds empty frames it
	// drops every packet.
	got, idx := umem.fq.reserveUpTo(conf.FillSize)
	if got != conf.FillSize {
		err = fmt.Errorf("%w: reserved %d of %d slots", ErrFillRingPrime, got, conf.FillSize)
		return nil, err
	}
	for i := uint32(0); i < got; i++ {
		addr, ok := pool.Alloc()
		if !ok {
			err = fmt.Errorf("%w: pool exhausted at frame %d", ErrFillRingPrime, i)
			return nil, err
		}
		umem.fq.set(idx+i, addr)
	}
	umem.fq.submit(got)

	return s, nil
}

// IsZerocopy reports whether the socket is operating in zero-copy
// mode. May be false despite BindAuto requesting zero-copy when the
// queue only supports copy mode.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// FD returns the raw socket descriptor for external poll integration.
func (s *Socket) FD() int { return s.fd }

// Pool returns the frame pool owned by this socket.
func (s *Socket) Pool() *FramePool { return s.pool }

// Close releases the socket fd, the ring mappings and the UMEM.
func (s *Socket) Close() error {
	var errs []error

	if s.fd != 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = 0
	}

	for _, region := range [][]byte{s.rxRegion, s.txRegion} {
		if region == nil {
			continue
		}
		if err := unix.Munmap(region); err != nil {
			errs = append(errs, err)
		}
	}
	s.rxRegion, s.txRegion = nil, nil

	if s.umem != nil {
		if err := s.umem.close(); err != nil {
			errs = append(errs, err)
		}
		s.umem = nil
	}

	return errors.Join(errs...)
}

// Wait blocks until the socket becomes readable or the timeout
// expires. Returns nil in both cases; a non-nil error indicates a
// real system call failure. EINTR is retried so signal delivery
// (profilers, timers, SIGCHLD) never surfaces to the caller.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)

		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

var zeroBuf []byte

// Kick notifies the kernel that TX descriptors are ready. AF_XDP
// interprets a zero-length sendto as a doorbell; required with
// XDP_USE_NEED_WAKEUP. EAGAIN and EBUSY are transient backpressure,
// not errors.
func (s *Socket) Kick() error {
	err := unix.Sendto(s.fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		return nil
	}
	return err
}

/*---- DataPlane ring operations ----*/

func (s *Socket) RxPeek(max uint32) (n, idx uint32) { return s.rx.peek(max) }

func (s *Socket) RxDesc(idx uint32) (addr uint64, length uint32) {
	d := s.rx.at(idx)
	return d.Addr, d.Len
}

func (s *Socket) RxRelease(n uint32) { s.rx.release(n) }

func (s *Socket) TxReserve(n uint32) (idx uint32, ok bool) { return s.tx.reserve(n) }

func (s *Socket) TxSet(idx uint32, addr uint64, length uint32) {
	s.tx.set(idx, xdpDesc{Addr: addr, Len: length})
}

func (s *Socket) TxSubmit(n uint32) { s.tx.submit(n) }

func (s *Socket) FqFreeSlots() uint32 { return s.umem.fq.freeSlots() }

func (s *Socket) FqReserve(n uint32) (got, idx uint32) { return s.umem.fq.reserveUpTo(n) }

func (s *Socket) FqSet(idx uint32, addr uint64) { s.umem.fq.set(idx, addr) }

func (s *Socket) FqSubmit(n uint32) { s.umem.fq.submit(n) }

func (s *Socket) CqPeek(max uint32) (n, idx uint32) { return s.umem.cq.peek(max) }

func (s *Socket) CqAddr(idx uint32) uint64 { return s.umem.cq.at(idx) }

func (s *Socket) CqRelease(n uint32) { s.umem.cq.release(n) }
