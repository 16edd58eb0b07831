// Command smascale reads an SMA scale over ethernet and prints the result
// as JSON.
//
// Usage:
//
//	smascale [flags] host[:port]
//
// The output carries the weight reading and, unless suppressed, the device
// identity:
//
//	{
//	    "mass": 0.1234,
//	    "units": "g",
//	    "stable": true,
//	    "info": {
//	        "model": "SIWADCP-1-",
//	        "serial": "37454321",
//	        "software": "00-37-09"
//	    }
//	}
//
// Exit codes: 0 on success, 1 when the scale could not be reached or stopped
// answering, 2 on a protocol error or bad invocation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/weighlab/go-sma/logger"
	"github.com/weighlab/go-sma/sma"
	"github.com/weighlab/go-sma/smatcp"
)

const (
	exitOK        = 0
	exitConnError = 1
	exitProtoErr  = 2
)

type result struct {
	Mass   float64         `json:"mass"`
	Units  string          `json:"units"`
	Stable bool            `json:"stable"`
	Info   *sma.DeviceInfo `json:"info,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("smascale", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: smascale [flags] host[:port]\n\n")
		fs.PrintDefaults()
	}

	var (
		portFlag    = fs.Int("port", 0, "TCP port of the scale (overridden by host:port)")
		zeroFlag    = fs.Bool("zero", false, "zero the scale before reading")
		noInfoFlag  = fs.Bool("no-info", false, "skip reading the device identity")
		timeoutFlag = fs.Duration("timeout", 0, "per-command response timeout")
		configFlag  = fs.String("config", "", "path to a TOML config file")
		debugFlag   = fs.Bool("debug", false, "enable debug logging")
	)
	fs.BoolVar(zeroFlag, "z", false, "shorthand for --zero")
	fs.BoolVar(noInfoFlag, "n", false, "shorthand for --no-info")

	if err := fs.Parse(args); err != nil {
		return exitProtoErr
	}

	cfg := defaultCLIConfig()

	if *configFlag != "" {
		var err error
		cfg, err = loadCLIConfig(*configFlag, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "smascale: %v\n", err)
			return exitProtoErr
		}
	}

	if fs.NArg() > 1 {
		fs.Usage()
		return exitProtoErr
	}
	if fs.NArg() == 1 {
		cfg.Host = fs.Arg(0)
	}
	if cfg.Host == "" {
		fs.Usage()
		return exitProtoErr
	}

	if *portFlag != 0 {
		cfg.Port = *portFlag
	}
	if *timeoutFlag != 0 {
		cfg.CommandTimeout = *timeoutFlag
	}
	if *debugFlag {
		cfg.Debug = true
	}

	level := logger.WarnLevel
	if cfg.Debug {
		level = logger.DebugLevel
	}
	log := logger.NewSlog(level, true)

	opts := []smatcp.ConnOption{
		smatcp.WithCommandTimeout(cfg.CommandTimeout),
		smatcp.WithConnectTimeout(cfg.ConnectTimeout),
		smatcp.WithConnectAttempts(cfg.ConnectAttempts),
		smatcp.WithLogger(log),
	}
	if cfg.Port != 0 {
		opts = append(opts, smatcp.WithPort(cfg.Port))
	}

	connCfg, err := smatcp.NewConnectionConfig(cfg.Host, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smascale: %v\n", err)
		return exitProtoErr
	}

	ctx := context.Background()

	var res result
	err = smatcp.WithScale(ctx, connCfg, func(scale *smatcp.Scale) error {
		if *zeroFlag {
			if err := scale.Zero(ctx); err != nil {
				return err
			}
		}

		reading, err := scale.Get(ctx)
		if err != nil {
			return err
		}
		res.Mass = reading.Mass
		res.Units = reading.Units
		res.Stable = reading.Stable

		if !*noInfoFlag {
			info, err := scale.GetInfo(ctx)
			if err != nil {
				return err
			}
			res.Info = &info
		}

		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "smascale: %v\n", err)
		return exitCodeFor(err)
	}

	out, err := json.MarshalIndent(res, "", "    ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "smascale: %v\n", err)
		return exitProtoErr
	}
	fmt.Println(string(out))

	return exitOK
}

// exitCodeFor maps a session error to the command's exit code: connectivity
// problems exit 1, protocol problems exit 2.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, sma.ErrConnectFailed),
		errors.Is(err, sma.ErrConnectionLost),
		errors.Is(err, sma.ErrNotConnected),
		errors.Is(err, sma.ErrTimeout):
		return exitConnError
	default:
		return exitProtoErr
	}
}
