//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

const (
	// DefaultObjPath is the redirect program object compiled from
	// bpf/xsk_redirect.c (see gen.go).
	DefaultObjPath = "bpf/xsk_redirect.o"
	// DefaultProgName is the program entry inside the object.
	DefaultProgName = "xsk_redirect"

	// xsksMapName is the conventional socket-map name the redirect
	// program must define: an XSKMAP keyed by RX queue index.
	xsksMapName = "xsks_map"
)

var (
	ErrXSKSMapNotFound = errors.New("xsks_map not found in object")
	ErrProgNotFound    = errors.New("program not found in object")
)

// AttachMode selects the XDP hook point on the interface.
type AttachMode int

const (
	// AttachAuto tries native driver mode, then falls back to the
	// generic (SKB) hook.
	AttachAuto AttachMode = iota
	// AttachNative requires in-driver XDP.
	AttachNative
	// AttachGeneric uses the kernel's generic hook; works on every
	// driver but copies each packet.
	AttachGeneric
)

func (m AttachMode) String() string {
	switch m {
	case AttachNative:
		return "native"
	case AttachGeneric:
		return "generic"
	}
	return "auto"
}

// Loader owns a redirect program attached to one interface and the
// xsks_map used to steer packets into AF_XDP sockets. The program
// itself is opaque: any object defining an XDP program and an XSKMAP
// named xsks_map works.
type Loader struct {
	coll    *ebpf.Collection
	link    link.Link
	xsksMap *ebpf.Map
}

// LoadAttach loads the redirect program from the ELF object at
// objPath, attaches it to ifaceName in the given mode and resolves
// the xsks_map handle. In AttachAuto mode a native attach failure is
// retried once on the generic hook; explicit modes are never retried.
func LoadAttach(objPath, progName, ifaceName string, mode AttachMode) (*Loader, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading object %q: %w", objPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	prog := coll.Programs[progName]
	if prog == nil {
		coll.Close()
		return nil, fmt.Errorf("%w: %q", ErrProgNotFound, progName)
	}
	xsksMap := coll.Maps[xsksMapName]
	if xsksMap == nil {
		coll.Close()
		return nil, ErrXSKSMapNotFound
	}

	l, err := attach(prog, iface.Index, mode)
	if err != nil {
		coll.Close()
		return nil, err
	}

	return &Loader{
		coll:    coll,
		link:    l,
		xsksMap: xsksMap,
	}, nil
}

func attach(prog *ebpf.Program, ifindex int, mode AttachMode) (link.Link, error) {
	opts := link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
	}
	switch mode {
	case AttachNative, AttachAuto:
		opts.Flags = link.XDPDriverMode
	case AttachGeneric:
		opts.Flags = link.XDPGenericMode
	}

	l, err := link.AttachXDP(opts)
	if err != nil && mode == AttachAuto {
		opts.Flags = link.XDPGenericMode
		l, err = link.AttachXDP(opts)
	}
	if err != nil {
		return nil, fmt.Errorf("attaching XDP (%s): %w", mode, err)
	}
	return l, nil
}

// Register inserts the socket fd into xsks_map at key=queue. Until
// this insertion the redirect program passes the queue's packets to
// the normal kernel stack.
func (l *Loader) Register(queue uint32, fd int) error {
	if err := l.xsksMap.Update(queue, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating xsks_map: %w", err)
	}
	return nil
}

// Unregister removes the queue's socket from xsks_map, so the
// redirect program stops steering packets at it before the socket
// itself is torn down.
func (l *Loader) Unregister(queue uint32) error {
	if err := l.xsksMap.Delete(queue); err != nil {
		return fmt.Errorf("deleting xsks_map entry: %w", err)
	}
	return nil
}

// Close detaches the program from the interface and releases the
// loaded objects. Sockets registered in the map must be closed
// separately.
func (l *Loader) Close() error {
	var errs []error
	if l.link != nil {
		if err := l.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		l.link = nil
	}
	if l.coll != nil {
		l.coll.Close()
		l.coll = nil
		l.xsksMap = nil
	}
	return errors.Join(errs...)
}
