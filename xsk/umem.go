//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// xdpUmemReg is xdp_umem_reg from linux/if_xdp.h.
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L67
type xdpUmemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// Umem owns the packet buffer region shared with the kernel and the
// two auxiliary rings that manage buffer ownership: the fill ring
// (userspace hands empty frames to the kernel) and the completion
// ring (kernel hands finished TX frames back).
//
// The buffer is an anonymous mmap, so it is page-aligned and never
// moved by the Go runtime. It must stay mapped until every socket
// registered against it has been closed.
type Umem struct {
	buf       []byte
	numFrames uint32
	frameSize uint32

	fq *addrRing
	cq *addrRing

	fqRegion []byte
	cqRegion []byte
}

// newUmem maps the packet buffer and registers it on the AF_XDP
// socket fd, then sizes the fill and completion rings. The ring
// regions themselves are mapped later, once XDP_MMAP_OFFSETS is
// known (see mapRings).
func newUmem(fd int, numFrames, frameSize, fillSize, compSize uint32) (*Umem, error) {
	length := uintptr(numFrames) * uintptr(frameSize)
	buf, err := mmapUmem(length)
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}

	reg := xdpUmemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Len:       uint64(len(buf)),
		ChunkSize: frameSize,
		Headroom:  0,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING,
		unsafe.Pointer(&fillSize), unsafe.Sizeof(fillSize),
	); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err)
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING,
		unsafe.Pointer(&compSize), unsafe.Sizeof(compSize),
	); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err)
	}

	return &Umem{
		buf:       buf,
		numFrames: numFrames,
		frameSize: frameSize,
	}, nil
}

// mapRings maps the fill and completion ring regions on fd and builds
// the userspace ring views. Both rings start empty.
func (u *Umem) mapRings(fd int, offs mmapOffsets, fillSize, compSize uint32) error {
	fqLen := uintptr(offs.Fr.Desc) + uintptr(fillSize)*unsafe.Sizeof(uint64(0))
	fqRegion, err := mmapRegion(fd, fqLen, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fmt.Errorf("mmap FQ ring: %w", err)
	}

	cqLen := uintptr(offs.Cr.Desc) + uintptr(compSize)*unsafe.Sizeof(uint64(0))
	cqRegion, err := mmapRegion(fd, cqLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		_ = unix.Munmap(fqRegion)
		return fmt.Errorf("mmap CQ ring: %w", err)
	}

	fq, err := makeAddrRing(fqRegion, offs.Fr, fillSize, true)
	if err != nil {
		_ = unix.Munmap(fqRegion)
		_ = unix.Munmap(cqRegion)
		return fmt.Errorf("making FQ ring: %w", err)
	}
	cq, err := makeAddrRing(cqRegion, offs.Cr, compSize, false)
	if err != nil {
		_ = unix.Munmap(fqRegion)
		_ = unix.Munmap(cqRegion)
		return fmt.Errorf("making CQ ring: %w", err)
	}

	u.fqRegion, u.cqRegion = fqRegion, cqRegion
	u.fq, u.cq = fq, cq
	return nil
}

// close unmaps the ring regions and the packet buffer. Must run after
// the owning socket fd has been closed.
func (u *Umem) close() error {
	var errs []error
	for _, region := range [][]byte{u.fqRegion, u.cqRegion, u.buf} {
		if region == nil {
			continue
		}
		if err := unix.Munmap(region); err != nil {
			errs = append(errs, err)
		}
	}
	u.fqRegion, u.cqRegion, u.buf = nil, nil, nil
	return errors.Join(errs...)
}
