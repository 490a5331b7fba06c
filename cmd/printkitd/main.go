// Command printkitd runs the print server and talks to a running
// instance from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rusq/osenv/v2"
)

var (
	logFile     = osenv.Value("LOG_FILE", "")
	jsonHandler = osenv.Value("JSON_LOG", "") != ""
	verbose     = osenv.Value("DEBUG", "") != ""

	hostFlag = flag.String("h", "", "server `host:port` to talk to (default: the local UNIX socket)")
)

const usageText = `Usage: printkitd [flags] <command> [arguments]

Server commands:
  start-server        run the print server
  shutdown-server     ask the running server to stop

Printer commands:
  add-printer         add a printer (name device-uri [driver])
  delete-printer      delete a printer (name)
  modify-printer      change printer description (name [-info s] [-location s])
  list-printers       list printers
  set-default-printer set the default printer (name)
  list-devices        discover printers (all methods)
  list-devices-dnssd  discover via DNS-SD only
  list-devices-remote discover via SNMP only
  list-devices-usb    list local USB printer devices

Job commands:
  submit              print a file (name file [file...])
  cancel-job          cancel a job (job-id)
  show-jobs           list jobs (name)
  show-status         show printer status (name)
  show-options        show printer options (name)

Environment:
  LOG_FILE   log to this file instead of standard error
  JSON_LOG   log in JSON format
  DEBUG      verbose logging
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	os.Exit(2)
}

func initLog() {
	var w *os.File = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("cannot open log file", "file", logFile, "error", err)
			os.Exit(1)
		}
		w = f
	}
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if jsonHandler {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func main() {
	flag.Usage = usage
	flag.Parse()
	initLog()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := args[0], args[1:]
	var err error
	switch cmd {
	case "start-server":
		err = runServer(ctx, args)
	case "shutdown-server":
		err = runShutdownServer(ctx, args)
	case "add-printer":
		err = runAddPrinter(ctx, args)
	case "delete-printer":
		err = runDeletePrinter(ctx, args)
	case "modify-printer":
		err = runModifyPrinter(ctx, args)
	case "list-printers":
		err = runListPrinters(ctx, args)
	case "set-default-printer":
		err = runSetDefaultPrinter(ctx, args)
	case "list-devices":
		err = runListDevices(ctx, args, scanAll)
	case "list-devices-dnssd":
		err = runListDevices(ctx, args, scanDNSSD)
	case "list-devices-remote":
		err = runListDevices(ctx, args, scanSNMP)
	case "list-devices-local", "list-devices-usb":
		err = runListDevices(ctx, args, scanUSB)
	case "submit":
		err = runSubmit(ctx, args)
	case "cancel-job":
		err = runCancelJob(ctx, args)
	case "show-jobs":
		err = runShowJobs(ctx, args)
	case "show-status":
		err = runShowStatus(ctx, args)
	case "show-options":
		err = runShowOptions(ctx, args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "printkitd: unknown command %q\n\n", cmd)
		usage()
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}
