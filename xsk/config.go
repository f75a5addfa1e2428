package xsk

import "errors"

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 4096
	DefaultRingSize  = 2048
	DefaultRxBatch   = 64

	// MaxSockets bounds the xsks_map; one entry per RX queue.
	MaxSockets = 64
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= FillSize + TxSize")
	ErrRingSizeNotPow2   = errors.New("ring sizes must be powers of two")
)

// BindMode selects how the socket is bound to the NIC queue.
type BindMode int

const (
	// BindAuto requests zero-copy and falls back to copy mode if the
	// driver does not support it.
	BindAuto BindMode = iota
	// BindCopy forces copy mode.
	BindCopy
	// BindZeroCopy forces zero-copy; binding fails if unsupported.
	BindZeroCopy
)

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// CompSize sets the number of entries in the completion ring.
	CompSize uint32
	// BindMode selects zero-copy, copy, or automatic fallback.
	BindMode BindMode
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultRingSize
	}
	if c.FillSize == 0 {
		c.FillSize = DefaultRingSize
	}
	if c.CompSize == 0 {
		c.CompSize = DefaultRingSize
	}
	for _, size := range []uint32{c.RxSize, c.TxSize, c.FillSize, c.CompSize} {
		if size&(size-1) != 0 {
			return ErrRingSizeNotPow2
		}
	}
	// The fill and TX rings are the only places frames park on the
	// kernel side: RX occupancy is carved out of fill-ring frames and
	// completion-ring occupancy out of TX-ring frames.
	if c.NumFrames < c.FillSize+c.TxSize {
		return ErrNumFramesTooSmall
	}
	return nil
}
