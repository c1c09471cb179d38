// Command finetctl drives a Finet account from the terminal. It shares the
// session store with the BFF, so a login here is visible there and to the
// worker.
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

	"finet/internal/cli"
	"finet/internal/log"
	"finet/internal/worker"
)

const usage = `Usage: finetctl [-v] <command> [flags]

Commands:
  login          sign in with email and password
  login-google   print the Google sign-in URL, or adopt a token with -token
  logout         end the session
  status         show the current session
  wallets        list wallets and their balances
  entries        list entries, optionally of one wallet
  add            add an entry to a wallet
  edit           change an entry
  delete         delete an entry
  recompute      compare a wallet balance with its entries (-apply to fix)
  export         export a wallet ledger to the spreadsheet
  outbox         show queued balance adjustments (-requeue to retry failed ones)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("finetctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	verbose := fs.Bool("v", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprint(stderr, usage)
		return flag.ErrHelp
	}

	cli.LoadEnvFile()
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	// Logs go to stderr and stay quiet unless asked for.
	logCfg := *cfg
	logCfg.LogLevel = "warn"
	if *verbose {
		logCfg.LogLevel = "debug"
	}
	logger := cli.SetupLogger(&logCfg, stderr)

	svc, err := cli.Build(ctx, cfg, logger, cli.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			logger.Warn("Close failed", log.FieldError, cerr)
		}
	}()

	c := &ctl{
		api:      svc.API,
		sess:     svc.Session,
		ledger:   svc.Ledger,
		exporter: svc.Exporter,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
	}
	if svc.Retry.Outbox != nil {
		c.outbox = worker.NewOutboxProcessor(svc.Retry.Outbox, svc.Ledger, worker.OutboxConfig{Logger: logger})
	}
	return c.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
}
