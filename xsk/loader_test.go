//go:build linux

package xsk

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestAttachModeString(t *testing.T) {
	qt.Assert(t, qt.Equals(AttachAuto.String(), "auto"))
	qt.Assert(t, qt.Equals(AttachNative.String(), "native"))
	qt.Assert(t, qt.Equals(AttachGeneric.String(), "generic"))
}

func TestLoadAttachMissingObject(t *testing.T) {
	_, err := LoadAttach("testdata/does-not-exist.o", DefaultProgName, "lo", AttachGeneric)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestLoadAttachUnknownInterface(t *testing.T) {
	_, err := LoadAttach(DefaultObjPath, DefaultProgName, "definitely-not-an-iface0", AttachAuto)
	qt.Assert(t, qt.IsNotNil(err))
}
