//go:build linux

package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-quicktest/qt"

	"github.com/romshark/xskbounce-go/xsk"
)

func mustLoad(t *testing.T, args ...string) *Config {
	t.Helper()
	conf, err := loadConfig(args, io.Discard)
	qt.Assert(t, qt.IsNil(err))
	return conf
}

func TestConfigDefaults(t *testing.T) {
	conf := mustLoad(t)

	qt.Assert(t, qt.Equals(conf.Interface, "eth0"))
	qt.Assert(t, qt.Equals(conf.Queue, uint(0)))
	qt.Assert(t, qt.Equals(conf.ObjPath, xsk.DefaultObjPath))
	qt.Assert(t, qt.Equals(conf.ProgName, xsk.DefaultProgName))
	qt.Assert(t, qt.IsFalse(conf.Poll))
	qt.Assert(t, qt.IsFalse(conf.Verbose))
	qt.Assert(t, qt.Equals(conf.ttl(), time.Duration(0)))

	mode, err := conf.attachMode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(mode, xsk.AttachAuto))
	bind, err := conf.bindMode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(bind, xsk.BindAuto))
}

func TestConfigFlags(t *testing.T) {
	conf := mustLoad(t,
		"-d", "enp3s0", "-Q", "2", "-N", "-z", "-p", "-v",
		"-f", "custom.o", "-P", "my_prog", "-t", "30", "-l", "5000", "-r", "100000",
	)

	qt.Assert(t, qt.Equals(conf.Interface, "enp3s0"))
	qt.Assert(t, qt.Equals(conf.Queue, uint(2)))
	qt.Assert(t, qt.IsTrue(conf.Poll))
	qt.Assert(t, qt.IsTrue(conf.Verbose))
	qt.Assert(t, qt.Equals(conf.ObjPath, "custom.o"))
	qt.Assert(t, qt.Equals(conf.ProgName, "my_prog"))
	qt.Assert(t, qt.Equals(conf.ttl(), 30*time.Second))
	qt.Assert(t, qt.Equals(conf.PacketLimit, uint64(5000)))
	qt.Assert(t, qt.Equals(conf.RatePPS, uint64(100000)))

	mode, err := conf.attachMode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(mode, xsk.AttachNative))
	bind, err := conf.bindMode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(bind, xsk.BindZeroCopy))
}

func TestConfigSKBImpliesCopy(t *testing.T) {
	conf := mustLoad(t, "-S")

	mode, err := conf.attachMode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(mode, xsk.AttachGeneric))
	bind, err := conf.bindMode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(bind, xsk.BindCopy))
}

func TestConfigConflictingFlags(t *testing.T) {
	for _, args := range [][]string{
		{"-S", "-N"},
		{"-c", "-z"},
		{"-S", "-z"},
	} {
		_, err := loadConfig(args, io.Discard)
		qt.Assert(t, qt.IsNotNil(err), qt.Commentf("args: %v", args))
	}
}

func TestConfigQueueBounds(t *testing.T) {
	_, err := loadConfig([]string{"-Q", "64"}, io.Discard)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestConfigYAMLWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bounce.yaml")
	yaml := `
interface: enp5s0
queue: 3
bind: copy
poll: true
ttl: 60
rate-pps: 1000
`
	qt.Assert(t, qt.IsNil(os.WriteFile(path, []byte(yaml), 0o644)))

	// File values apply...
	conf := mustLoad(t, "-config", path)
	qt.Assert(t, qt.Equals(conf.Interface, "enp5s0"))
	qt.Assert(t, qt.Equals(conf.Queue, uint(3)))
	qt.Assert(t, qt.IsTrue(conf.Poll))
	qt.Assert(t, qt.Equals(conf.TTLSeconds, uint(60)))
	bind, err := conf.bindMode()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(bind, xsk.BindCopy))

	// ...but explicit CLI flags win.
	conf = mustLoad(t, "-config", path, "-d", "eth1", "-t", "5")
	qt.Assert(t, qt.Equals(conf.Interface, "eth1"))
	qt.Assert(t, qt.Equals(conf.ttl(), 5*time.Second))
	qt.Assert(t, qt.Equals(conf.Queue, uint(3)))
}

func TestConfigUnknownModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	qt.Assert(t, qt.IsNil(os.WriteFile(path, []byte("attach: turbo\n"), 0o644)))

	_, err := loadConfig([]string{"-config", path}, io.Discard)
	qt.Assert(t, qt.IsNotNil(err))
}
