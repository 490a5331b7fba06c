package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rusq/osenv/v2"

	"github.com/printkit/printkit/ippsrv"
	"github.com/printkit/printkit/printer"
	"github.com/printkit/printkit/spool"
	"github.com/printkit/printkit/system"
)

func defaultSpoolDir() string {
	if d := osenv.Value("PRINTKIT_SPOOL", ""); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/spool/printkit"
	}
	return filepath.Join(home, ".printkit")
}

func runServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start-server", flag.ExitOnError)
	var (
		spoolDir    = fs.String("d", defaultSpoolDir(), "spool `directory`")
		name        = fs.String("n", "printkit", "system `name`")
		port        = fs.Int("p", 8631, "listen `port`")
		location    = fs.String("location", "", "system location")
		org         = fs.String("organization", "", "organization name")
		noDNSSD     = fs.Bool("no-dnssd", false, "disable DNS-SD advertising")
		tlsOptional = fs.Bool("tls-optional", false, "allow remote plain-HTTP access with an open policy")
		adminGroup  = fs.String("admin-group", "", "group allowed to administer")
		printGroup  = fs.String("print-group", "", "group allowed to print")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(*spoolDir, 0o755); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	sp, err := spool.New(*spoolDir)
	if err != nil {
		return err
	}
	defer sp.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	sys, err := system.New(system.Config{
		Name:         *name,
		Hostname:     hostname,
		Port:         *port,
		Location:     *location,
		Organization: *org,
		Spool:        sp,
		Features: system.Features{
			DNSSD: !*noDNSSD,
			TLS:   hasHostCert(sp, hostname),
			PNG:   true,
		},
		Drivers: []system.DriverDesc{
			{Name: "raw", Description: "Generic raw pass-through", New: func(uri, id string) (printer.Driver, error) {
				return &rawDriver{spool: sp}, nil
			}},
		},
		AutoAdd: func(deviceID, deviceURI string) string { return "raw" },
	})
	if err != nil {
		return err
	}

	srv, err := ippsrv.New(sys,
		ippsrv.WithAuth(ippsrv.AuthConfig{
			TLSOptional: *tlsOptional,
			AdminGroup:  *adminGroup,
			PrintGroup:  *printGroup,
		}),
		ippsrv.WithLogFile(logFile),
	)
	if err != nil {
		return err
	}

	if err := srv.ListenTCP(fmt.Sprintf(":%d", *port)); err != nil {
		return err
	}
	if hasHostCert(sp, hostname) {
		if err := srv.ListenTLS(fmt.Sprintf(":%d", *port+1)); err != nil {
			slog.Warn("TLS listener disabled", "error", err)
		}
	}
	sock, err := srv.ListenUnix()
	if err != nil {
		slog.Warn("UNIX socket disabled", "error", err)
	} else {
		defer os.Remove(sock)
	}

	go sys.Run(ctx)

	slog.Info("server started", "name", *name, "port", *port, "spool", *spoolDir)
	serveErr := srv.Serve(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sys.Shutdown(sctx); err != nil {
		slog.Error("system shutdown", "error", err)
	}
	return serveErr
}

func hasHostCert(sp *spool.Spool, hostname string) bool {
	_, errCrt := os.Stat(sp.CertFile(hostname))
	_, errKey := os.Stat(sp.KeyFile(hostname))
	return errCrt == nil && errKey == nil
}
