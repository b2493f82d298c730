// Command flowstt is a thin client for the flowsttd service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/flowstt/internal/ipc"
	"github.com/loqalabs/flowstt/internal/protocol"
)

var version = "0.1.0-dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 64

	requestTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type app struct {
	socket string
	out    *printer
	dial   func(ctx context.Context, path string) (*ipc.Client, error)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("flowstt", flag.ContinueOnError)
	global.SetOutput(stderr)
	socket := global.String("socket", protocol.SocketPath(), "Path to the service socket")
	format := global.String("format", "text", "Output format: text or json")
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	p, err := newPrinter(stdout, *format)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	a := &app{socket: *socket, out: p, dial: ipc.Dial}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	if err := a.dispatch(ctx, rest[0], rest[1:]); err != nil {
		fmt.Fprintln(stderr, "flowstt:", err)
		var ue usageError
		if errors.As(err, &ue) {
			return exitUsage
		}
		return exitFailure
	}
	return exitOK
}

func (a *app) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "list":
		return a.list(ctx, args)
	case "transcribe":
		return a.transcribe(ctx, args)
	case "status":
		return a.simple(ctx, args, protocol.Request{Type: protocol.ReqGetStatus})
	case "stop":
		return a.stop(ctx, args)
	case "history":
		return a.history(ctx, args)
	case "model":
		return a.model(ctx, args)
	case "gpu":
		return a.simple(ctx, args, protocol.Request{Type: protocol.ReqGetCudaStatus})
	case "config":
		return a.config(ctx, args)
	case "ping":
		return a.simple(ctx, args, protocol.Request{Type: protocol.ReqPing})
	case "shutdown":
		return a.simple(ctx, args, protocol.Request{Type: protocol.ReqShutdown})
	case "version":
		a.out.version(version)
		return nil
	default:
		return usagef("unknown command %q", name)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: flowstt [--socket PATH] [--format text|json] <command> [args]

commands:
  list [--type input|system]           list capture devices
  transcribe [--source1 ID] [--source2 ID] [--mode mixed|echo_cancel] [--aec]
                                       capture and print transcriptions until interrupted
  status                               show the service status
  stop                                 stop capturing
  history [--limit N]                  show recent transcriptions
  model [download]                     show or download the speech model
  gpu                                  show accelerator availability
  config show|get KEY|set KEY VALUE    read or change settings
  ping                                 check the service is reachable
  shutdown                             stop the service
  version                              print the client version
`)
}
