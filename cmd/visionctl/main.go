// Command visionctl is a small CLI front end for the SPI transaction
// engine (spec.md §6's Go API, grounded on the teacher's thin cmd/
// binaries such as cmd/boardtest and cmd/pico-hal-main: a few package-level
// helpers wired into one main that loops on commands). It opens a Device
// against the in-process simulated slave by default, since wiring real
// SPI/GPIO hardware is the platform integration layer's job (spec.md §1's
// external collaborators), and offers submit/reset/status either as a
// one-shot subcommand or from an interactive prompt.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/jangala-dev/visionspi/engine"
)

func main() {
	simFlag := flag.Bool("sim", true, "talk to the in-process simulated Myriad instead of real hardware")
	fwFlag := flag.String("fw", "", "path to a firmware blob (defaults to a stub blob the simulated slave ignores)")
	timeoutFlag := flag.Duration("timeout", 2*time.Second, "default submit/reset timeout")
	flag.Parse()

	if !*simFlag {
		fmt.Fprintln(os.Stderr, "visionctl: real-hardware wiring (spidev/gpiod factories) is supplied by the platform integration layer, out of scope for this engine; run with -sim")
		os.Exit(1)
	}

	loader, err := newFileLoader(*fwFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "visionctl: load firmware:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sd, err := newSimDevice(ctx, loader)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "visionctl: open device:", err)
		os.Exit(1)
	}
	defer sd.Close()

	app := &cli{sd: sd, defaultTimeout: *timeoutFlag, out: os.Stdout}

	if args := flag.Args(); len(args) > 0 {
		if err := app.dispatch(args); err != nil {
			fmt.Fprintln(os.Stderr, "visionctl:", err)
			os.Exit(1)
		}
		return
	}
	app.repl()
}

// cli holds the state one session of commands shares: the device, a
// default timeout for commands that don't specify their own, and where
// output goes.
type cli struct {
	sd             *simDevice
	defaultTimeout time.Duration
	out            io.Writer
}

func (a *cli) repl() {
	fmt.Fprintln(a.out, "visionctl (simulated device) - commands: submit, reset, status, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(a.out, "visionctl> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintln(a.out, "parse error:", err)
			continue
		}
		if err := a.dispatch(args); err != nil {
			fmt.Fprintln(a.out, "error:", err)
		}
	}
}

func (a *cli) dispatch(args []string) error {
	switch args[0] {
	case "submit":
		return a.cmdSubmit(args[1:])
	case "reset":
		return a.cmdReset(args[1:])
	case "status":
		return a.cmdStatus(args[1:])
	default:
		return fmt.Errorf("unknown command %q (want submit, reset, status)", args[0])
	}
}

func (a *cli) cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	bufLen := fs.Int("buflen", 0, "response buffer capacity (defaults to the payload length)")
	oneway := fs.Bool("oneway", false, "don't wait for a response payload")
	timeout := fs.Duration("timeout", 0, "override the default timeout for this submit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: submit [--buflen N] [--oneway] <hex-payload>")
	}
	payload, err := hex.DecodeString(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	to := a.defaultTimeout
	if *timeout > 0 {
		to = *timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), to)
	defer cancel()

	req := engine.Request{Payload: payload, BufferLen: *bufLen}
	if *oneway {
		req.Flags |= engine.Oneway
	}

	resp, err := a.sd.dev.Submit(ctx, req)
	fmt.Fprintf(a.out, "flags=%s response=%s\n", formatResultFlags(resp.Flags), hex.EncodeToString(resp.Payload))
	return err
}

func (a *cli) cmdReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 0, "override the default timeout for this reset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	to := a.defaultTimeout
	if *timeout > 0 {
		to = *timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), to)
	defer cancel()
	if err := a.sd.dev.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "reset ok")
	return nil
}

func (a *cli) cmdStatus(_ []string) error {
	ids := a.sd.dev.DebugOngoingIDs()
	fmt.Fprintf(a.out, "ongoing transactions: %s\n", formatIDs(ids))
	return nil
}

func formatIDs(ids []int) string {
	if len(ids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func formatResultFlags(f engine.ResultFlags) string {
	var names []string
	if f&engine.ResultAcked != 0 {
		names = append(names, "acked")
	}
	if f&engine.ResultResponse != 0 {
		names = append(names, "response")
	}
	if f&engine.ResultError != 0 {
		names = append(names, "error")
	}
	if f&engine.ResultTimeout != 0 {
		names = append(names, "timeout")
	}
	if f&engine.ResultOverflow != 0 {
		names = append(names, "overflow")
	}
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, "|")
}
