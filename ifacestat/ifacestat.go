// Package ifacestat reads NIC-side phy counters via ethtool. Once an
// XDP redirect program is attached, managed traffic bypasses the
// kernel stack counters entirely; the driver's phy counters are the
// only NIC-side ground truth left to compare engine counters against.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/dustin/go-humanize"
)

// Snapshot holds one reading of an interface's phy counters.
// Counters a driver does not expose read as zero.
type Snapshot struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

var counterNames = map[string]func(*Snapshot) *uint64{
	"rx_packets_phy": func(s *Snapshot) *uint64 { return &s.RxPackets },
	"rx_bytes_phy":   func(s *Snapshot) *uint64 { return &s.RxBytes },
	"tx_packets_phy": func(s *Snapshot) *uint64 { return &s.TxPackets },
	"tx_bytes_phy":   func(s *Snapshot) *uint64 { return &s.TxBytes },
}

// Read runs ethtool -S on iface and returns the phy counters.
func Read(iface string) (Snapshot, error) {
	out, err := exec.Command("ethtool", "-S", iface).Output()
	if err != nil {
		return Snapshot{}, fmt.Errorf("ethtool -S %s: %w", iface, err)
	}
	return parse(bytes.NewReader(out))
}

func parse(r io.Reader) (Snapshot, error) {
	var s Snapshot

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		parts := strings.Fields(strings.TrimSpace(sc.Text()))
		if len(parts) != 2 {
			continue
		}

		field, ok := counterNames[strings.TrimSuffix(parts[0], ":")]
		if !ok {
			continue
		}

		var v uint64
		if _, err := fmt.Sscan(parts[1], &v); err != nil {
			return Snapshot{}, fmt.Errorf("scanning %q: %w", parts[0], err)
		}
		*field(&s) = v
	}
	if err := sc.Err(); err != nil {
		return Snapshot{}, err
	}

	return s, nil
}

// Since returns the counter deltas from prev to s.
func (s Snapshot) Since(prev Snapshot) Snapshot {
	return Snapshot{
		RxPackets: s.RxPackets - prev.RxPackets,
		RxBytes:   s.RxBytes - prev.RxBytes,
		TxPackets: s.TxPackets - prev.TxPackets,
		TxBytes:   s.TxBytes - prev.TxBytes,
	}
}

// Print writes a human-readable counter summary for iface.
func (s Snapshot) Print(w io.Writer, iface string) {
	fmt.Fprintf(w, "%s (phy):\n", iface)
	fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
		s.RxPackets, humanize.Bytes(s.RxBytes), humanize.Comma(int64(s.RxBytes)),
	)
	fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
		s.TxPackets, humanize.Bytes(s.TxBytes), humanize.Comma(int64(s.TxBytes)),
	)
}
