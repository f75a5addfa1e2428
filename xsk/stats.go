package xsk

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Counters is the engine's live counter block. The engine is the only
// writer; any goroutine may read. All fields are monotonic.
type Counters struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	// TxDropped counts frames recycled because the TX ring was full.
	TxDropped atomic.Uint64
	// FillStalls counts iterations whose fill-ring refill gave up
	// after the bounded retries.
	FillStalls atomic.Uint64
}

// CounterSnapshot is a copy of the reported Counters fields (FillStalls
// is not included). Each field is loaded atomically on its own; the
// fields are not read as one consistent unit.
type CounterSnapshot struct {
	Timestamp time.Time
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
	TxDropped uint64
}

// Snapshot reads all counters atomically (per field; the block as a
// whole is eventually consistent, which is fine for rate math).
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Timestamp: time.Now(),
		RxPackets: c.RxPackets.Load(),
		RxBytes:   c.RxBytes.Load(),
		TxPackets: c.TxPackets.Load(),
		TxBytes:   c.TxBytes.Load(),
		TxDropped: c.TxDropped.Load(),
	}
}

// Rates holds per-interval rates between two snapshots.
type Rates struct {
	Interval time.Duration
	RxPPS    float64
	RxMbps   float64
	TxPPS    float64
	TxMbps   float64
}

// Since computes rates from prev to s.
func (s CounterSnapshot) Since(prev CounterSnapshot) Rates {
	dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		dt = 1
	}
	return Rates{
		Interval: s.Timestamp.Sub(prev.Timestamp),
		RxPPS:    float64(s.RxPackets-prev.RxPackets) / dt,
		RxMbps:   float64((s.RxBytes-prev.RxBytes)*8) / dt / 1e6,
		TxPPS:    float64(s.TxPackets-prev.TxPackets) / dt,
		TxMbps:   float64((s.TxBytes-prev.TxBytes)*8) / dt / 1e6,
	}
}

// Reporter periodically prints per-interval rates computed from an
// engine's counter block. It never mutates engine state.
type Reporter struct {
	// Counters is the engine counter block to observe.
	Counters *Counters
	// Interval between reports.
	Interval time.Duration
	// W receives the report lines.
	W io.Writer
	// Stopped is polled every tick; the reporter exits once it
	// returns true. Typically Engine.Stopped.
	Stopped func() bool
}

// Run reports until done is closed or Stopped returns true.
func (r *Reporter) Run(done <-chan struct{}) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()

	prev := r.Counters.Snapshot()
	for {
		select {
		case <-done:
			return
		case <-t.C:
		}
		if r.Stopped != nil && r.Stopped() {
			return
		}

		cur := r.Counters.Snapshot()
		rates := cur.Since(prev)
		prev = cur

		fmt.Fprintf(r.W,
			"RX %d pkts (%.0f pps, %.2f Mbit/s) | TX %d pkts (%.0f pps, %.2f Mbit/s) | drops=%d\n",
			cur.RxPackets, rates.RxPPS, rates.RxMbps,
			cur.TxPackets, rates.TxPPS, rates.TxMbps,
			cur.TxDropped,
		)
	}
}
