// droughtwatch tracks uploads of one YouTube channel, records the droughts
// between them, and announces each new upload.
//
// Usage:
//
//	droughtwatch [command] [--config path] [flags]
//
// Commands: run (default), backfill, stats, droughts, viewer, reset, simulate,
// subscribe, confirm.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
)

const defaultConfig = "./config.json"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

func commands() []command {
	return []command{
		{"run", "start the daemon (ingestion, presence cleanup, bot)", runDaemon},
		{"backfill", "fetch upload history and fill missing droughts", runBackfill},
		{"stats", "latest upload, drought stats and active viewers", runStats},
		{"droughts", "list droughts, longest first", runDroughts},
		{"viewer", "join the presence group as one client until interrupted", runViewer},
		{"reset", "delete every event, drought and heartbeat", runReset},
		{"simulate", "record a synthetic upload published now", runSimulate},
		{"subscribe", "start email double opt-in for an address", runSubscribe},
		{"confirm", "redeem an emailed confirmation token", runConfirm},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1:], os.Stdout)
	cancel()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, out io.Writer) error {
	name := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	if name == "help" {
		usage(out)
		return nil
	}
	for _, c := range commands() {
		if c.name == name {
			return c.run(ctx, args, out)
		}
	}
	usage(out)
	return fmt.Errorf("unknown command %q", name)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: droughtwatch [command] [--config path] [flags]")
	fmt.Fprintln(w, "\ncommands:")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
}

// newFlags returns a flag set with the shared --config flag.
func newFlags(name string, cfgPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(cfgPath, "config", "c", defaultConfig, "path to config file (.json, .yaml)")
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return nil
}

// parseOne parses flags around exactly one positional argument.
func parseOne(fs *pflag.FlagSet, args []string, what string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	switch rest := fs.Args(); len(rest) {
	case 0:
		return "", fmt.Errorf("missing %s argument", what)
	case 1:
		return rest[0], nil
	default:
		return "", fmt.Errorf("unexpected argument: %s", rest[1])
	}
}
