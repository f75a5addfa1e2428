//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/xskbounce-go/ifacestat"
	"github.com/romshark/xskbounce-go/ratelimit"
	"github.com/romshark/xskbounce-go/xsk"
)

func main() {
	conf, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "bounce: %v\n", err)
		os.Exit(1)
	}

	if err := run(conf); err != nil {
		fmt.Fprintf(os.Stderr, "bounce: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an initialization error to the process exit code:
// the POSIX error number when one is in the chain, 1 otherwise.
func exitCode(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}

func run(conf *Config) error {
	attachMode, _ := conf.attachMode()
	bindMode, _ := conf.bindMode()

	// UMEM registration pins pages; lift the memlock limit first on
	// kernels that still enforce it.
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("raising memlock limit: %w", err)
	}

	loader, err := xsk.LoadAttach(conf.ObjPath, conf.ProgName, conf.Interface, attachMode)
	if err != nil {
		return fmt.Errorf("loading XDP program: %w", err)
	}
	defer loader.Close()

	sock, err := xsk.Open(conf.Interface, xsk.SocketConfig{
		QueueID:  uint32(conf.Queue),
		BindMode: bindMode,
	})
	if err != nil {
		return fmt.Errorf("opening socket: %w", err)
	}
	defer sock.Close()

	if err := loader.Register(uint32(conf.Queue), sock.FD()); err != nil {
		return fmt.Errorf("registering socket: %w", err)
	}
	// Stop redirection before the socket goes away, so the last
	// packets fall through to the kernel stack instead of a dead fd.
	defer func() {
		if err := loader.Unregister(uint32(conf.Queue)); err != nil {
			fmt.Fprintf(os.Stderr, "bounce: unregistering socket: %v\n", err)
		}
	}()

	fmt.Fprintf(os.Stderr,
		"bounce on %s:%d (zerocopy=%t attach=%s mode=%s)\n",
		conf.Interface, conf.Queue, sock.IsZerocopy(), attachMode,
		map[bool]string{true: "poll", false: "busy-wait"}[conf.Poll],
	)

	engine := xsk.NewEngine(sock, sock.Pool(), xsk.EngineConfig{
		PollMode:    conf.Poll,
		TTL:         conf.ttl(),
		PacketLimit: conf.PacketLimit,
		Pace:        ratelimit.New(conf.RatePPS),
	})

	// The engine owns the socket; signals only flip its stop flag.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		fmt.Fprintln(os.Stderr, "shutting down...")
		engine.Stop()
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup

	var phyBase ifacestat.Snapshot
	var phyOK bool
	if conf.Verbose {
		if s, err := ifacestat.Read(conf.Interface); err == nil {
			phyBase, phyOK = s, true
		}

		rep := &xsk.Reporter{
			Counters: engine.Counters(),
			Interval: time.Duration(conf.StatsInterval) * time.Second,
			W:        os.Stdout,
			Stopped:  engine.Stopped,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep.Run(done)
		}()
	}

	runtime.LockOSThread()
	runErr := engine.Run()
	runtime.UnlockOSThread()

	close(done)
	wg.Wait()

	if conf.Verbose {
		printFinalReport(conf, engine, phyBase, phyOK)
	}

	return runErr
}

func printFinalReport(
	conf *Config, engine *xsk.Engine, phyBase ifacestat.Snapshot, phyOK bool,
) {
	c := engine.Counters().Snapshot()
	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" RX:       %d packets, %s\n", c.RxPackets, humanize.Bytes(c.RxBytes))
	p.Printf(" TX:       %d packets, %s\n", c.TxPackets, humanize.Bytes(c.TxBytes))
	p.Printf(" Dropped:  %d (tx ring full)\n", c.TxDropped)
	if n := engine.OutstandingTx(); n > 0 {
		p.Printf(" Leaked:   %d frames left to the UMEM region\n", n)
	}

	if phyOK {
		if s, err := ifacestat.Read(conf.Interface); err == nil {
			fmt.Println()
			s.Since(phyBase).Print(os.Stdout, conf.Interface)
		}
	}
}
