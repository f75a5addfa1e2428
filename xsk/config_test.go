package xsk

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestSocketConfigDefaults(t *testing.T) {
	var c SocketConfig
	qt.Assert(t, qt.IsNil(c.ValidateAndSetDefaults()))

	qt.Assert(t, qt.Equals(c.NumFrames, uint32(DefaultNumFrames)))
	qt.Assert(t, qt.Equals(c.FrameSize, uint32(DefaultFrameSize)))
	qt.Assert(t, qt.Equals(c.RxSize, uint32(DefaultRingSize)))
	qt.Assert(t, qt.Equals(c.TxSize, uint32(DefaultRingSize)))
	qt.Assert(t, qt.Equals(c.FillSize, uint32(DefaultRingSize)))
	qt.Assert(t, qt.Equals(c.CompSize, uint32(DefaultRingSize)))
	qt.Assert(t, qt.Equals(c.BindMode, BindAuto))
}

func TestSocketConfigRejectsSmallUmem(t *testing.T) {
	c := SocketConfig{NumFrames: 1024, FillSize: 1024, TxSize: 1024}
	qt.Assert(t, qt.ErrorIs(c.ValidateAndSetDefaults(), ErrNumFramesTooSmall))
}

func TestSocketConfigRejectsNonPow2Rings(t *testing.T) {
	c := SocketConfig{RxSize: 1000}
	qt.Assert(t, qt.ErrorIs(c.ValidateAndSetDefaults(), ErrRingSizeNotPow2))
}
