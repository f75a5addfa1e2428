//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/xskbounce-go/xsk"
)

type Config struct {
	Interface string `yaml:"interface"`
	Queue     uint   `yaml:"queue"`

	// Attach is the XDP hook: "auto", "native" or "generic".
	Attach string `yaml:"attach"`
	// Bind is the socket bind mode: "auto", "copy" or "zerocopy".
	Bind string `yaml:"bind"`

	// Poll blocks on socket readability instead of busy-waiting.
	Poll bool `yaml:"poll"`

	ObjPath  string `yaml:"obj"`
	ProgName string `yaml:"prog"`

	Verbose bool `yaml:"verbose"`

	// TTLSeconds auto-stops the engine after this many seconds.
	TTLSeconds uint `yaml:"ttl"`
	// PacketLimit auto-stops the engine after this many packets.
	PacketLimit uint64 `yaml:"packet-limit"`
	// RatePPS throttles bounced packets; 0 is unlimited.
	RatePPS uint64 `yaml:"rate-pps"`

	// StatsInterval between reporter lines, in seconds.
	StatsInterval uint `yaml:"stats-interval"`
}

func defaultConfig() Config {
	return Config{
		Interface:     "eth0",
		Attach:        "auto",
		Bind:          "auto",
		ObjPath:       xsk.DefaultObjPath,
		ProgName:      xsk.DefaultProgName,
		StatsInterval: 2,
	}
}

// loadConfig parses args, optionally layered over a YAML config file.
// Explicit CLI flags always win over file values.
func loadConfig(args []string, usageOut io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("bounce", flag.ContinueOnError)
	fs.SetOutput(usageOut)

	fConfig := fs.String("config", "", "path to optional YAML config file")
	fIface := fs.String("d", "eth0", "network interface to bind")
	fQueue := fs.Uint("Q", 0, "RX queue index")
	fSKB := fs.Bool("S", false, "generic (SKB) XDP mode, implies copy")
	fNative := fs.Bool("N", false, "native driver XDP mode")
	fCopy := fs.Bool("c", false, "force copy bind")
	fZC := fs.Bool("z", false, "force zero-copy bind, fail if unsupported")
	fPoll := fs.Bool("p", false, "use poll() instead of busy-wait")
	fObj := fs.String("f", xsk.DefaultObjPath, "XDP redirect object file")
	fProg := fs.String("P", xsk.DefaultProgName, "XDP program entry name")
	fVerbose := fs.Bool("v", false, "enable stats reporter")
	fTTL := fs.Uint("t", 0, "auto-shutdown after seconds (0 = unlimited)")
	fLimit := fs.Uint64("l", 0, "auto-shutdown after packets (0 = unlimited)")
	fRate := fs.Uint64("r", 0, "bounce rate limit in PPS (0 = unlimited)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	conf := defaultConfig()
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply only flags the user actually set, so file values survive.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			conf.Interface = *fIface
		case "Q":
			conf.Queue = *fQueue
		case "S":
			conf.Attach = "generic"
			conf.Bind = "copy"
		case "N":
			conf.Attach = "native"
		case "c":
			conf.Bind = "copy"
		case "z":
			conf.Bind = "zerocopy"
		case "p":
			conf.Poll = *fPoll
		case "f":
			conf.ObjPath = *fObj
		case "P":
			conf.ProgName = *fProg
		case "v":
			conf.Verbose = *fVerbose
		case "t":
			conf.TTLSeconds = *fTTL
		case "l":
			conf.PacketLimit = *fLimit
		case "r":
			conf.RatePPS = *fRate
		}
	})

	if *fSKB && *fNative {
		return nil, errors.New("-S and -N are mutually exclusive")
	}
	if *fCopy && *fZC {
		return nil, errors.New("-c and -z are mutually exclusive")
	}
	if *fSKB && *fZC {
		return nil, errors.New("-z requires native XDP; conflicts with -S")
	}

	if _, err := conf.attachMode(); err != nil {
		return nil, err
	}
	if _, err := conf.bindMode(); err != nil {
		return nil, err
	}
	if conf.Interface == "" {
		return nil, errors.New("interface must not be empty")
	}
	if conf.Queue >= xsk.MaxSockets {
		return nil, fmt.Errorf("queue %d exceeds the socket map (max %d)",
			conf.Queue, xsk.MaxSockets-1)
	}
	if conf.StatsInterval == 0 {
		conf.StatsInterval = defaultConfig().StatsInterval
	}

	return &conf, nil
}

func (c *Config) attachMode() (xsk.AttachMode, error) {
	switch c.Attach {
	case "auto", "":
		return xsk.AttachAuto, nil
	case "native":
		return xsk.AttachNative, nil
	case "generic":
		return xsk.AttachGeneric, nil
	}
	return 0, fmt.Errorf("unknown attach mode %q", c.Attach)
}

func (c *Config) bindMode() (xsk.BindMode, error) {
	switch c.Bind {
	case "auto", "":
		return xsk.BindAuto, nil
	case "copy":
		return xsk.BindCopy, nil
	case "zerocopy":
		return xsk.BindZeroCopy, nil
	}
	return 0, fmt.Errorf("unknown bind mode %q", c.Bind)
}

func (c *Config) ttl() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
