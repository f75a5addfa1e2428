// Package xsk implements a single-queue AF_XDP datapath:
// a UMEM frame pool, the four kernel-shared rings, an XDP program
// loader and a polling engine that bounces every received frame
// back out the same interface.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package xsk

import "errors"

// InvalidFrame marks a slot that holds no UMEM frame.
const InvalidFrame = ^uint64(0)

var ErrPoolOverflow = errors.New("frame pool overflow")

// FramePool is a LIFO stack of free UMEM frame addresses.
// LIFO keeps the hottest frames cache-warm; the kernel never assumes
// any particular frame order.
//
// WARNING: FramePool is not safe for concurrent use.
type FramePool struct {
	frames []uint64
	free   uint32
}

// NewFramePool returns a pool holding all numFrames addresses
// {0, frameSize, 2*frameSize, ...}.
func NewFramePool(numFrames, frameSize uint32) *FramePool {
	frames := make([]uint64, numFrames)
	for i := uint32(0); i < numFrames; i++ {
		frames[i] = uint64(i) * uint64(frameSize)
	}
	return &FramePool{frames: frames, free: numFrames}
}

// Alloc pops the most recently freed frame address.
// Returns false if the pool is empty.
func (p *FramePool) Alloc() (uint64, bool) {
	if p.free == 0 {
		return InvalidFrame, false
	}
	p.free--
	addr := p.frames[p.free]
	p.frames[p.free] = InvalidFrame
	return addr, true
}

// Free pushes addr back onto the pool. The address must have been
// previously handed out by Alloc and returned by the kernel exactly
// once; ErrPoolOverflow therefore indicates frame-accounting
// corruption, not a runtime condition.
func (p *FramePool) Free(addr uint64) error {
	if p.free == uint32(len(p.frames)) {
		return ErrPoolOverflow
	}
	p.frames[p.free] = addr
	p.free++
	return nil
}

// FreeCount returns the number of frames currently in the pool.
func (p *FramePool) FreeCount() uint32 { return p.free }

// Cap returns the total number of frames the pool was created with.
func (p *FramePool) Cap() uint32 { return uint32(len(p.frames)) }
