// Command tpccoordd runs the 2PC coordinator as a standalone daemon,
// exposing Prometheus metrics and an optional startup recovery scan.
// A real host integration embeds internal/coordinator directly and never
// runs this binary; tpccoordd exists to exercise the coordinator and
// recovery packages end-to-end and as an operator-facing reference.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/globalxact/tpc/internal/config"
	"github.com/globalxact/tpc/internal/coordinator"
	"github.com/globalxact/tpc/internal/recovery"
	"github.com/globalxact/tpc/internal/remote"
	"github.com/globalxact/tpc/internal/txnlog"
	flags "github.com/jessevdk/go-flags"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// sqliteDialer reopens a site connection as a local SQLite file named
// after the site's database identity under dataDir/sites. This is the
// pack's always-reachable stand-in driver (see internal/remote); a real
// deployment supplies its own Dialer pointed at a Postgres driver through
// the same remote.Conn interface.
func sqliteDialer(dataDir string) recovery.Dialer {
	return func(ctx context.Context, host, port, database string) (remote.Conn, error) {
		dsn := filepath.Join(dataDir, "sites", database+".sqlite")
		return remote.Dial("sqlite3", dsn, host, port, database)
	}
}

func main() {
	var opts config.Daemon
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if err := config.ApplyLogLevel(opts.LogLevel); err != nil {
		logrus.WithField("error", err).Fatal("invalid configuration")
	}
	log := logrus.WithField("component", "tpccoordd")

	logDir := txnlog.Dir(opts.DataDir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := recovery.NewManager(ctx, sqliteDialer(opts.DataDir))
	coord := coordinator.New(opts.DataDir, mgr)

	if opts.RecoverOnBoot {
		scanAndRecover(ctx, logDir, mgr, log)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux}

	go func() {
		log.WithField("addr", opts.MetricsAddr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("metrics server failed")
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-signalCh
	log.WithField("signal", sig).Info("caught signal, shutting down")

	_ = srv.Shutdown(context.Background())
	cancel()
	if err := mgr.Wait(); err != nil {
		log.WithField("error", err).Warn("recovery manager reported an error on shutdown")
	}

	// coord is retained only to keep the daemon's wiring example complete:
	// a host integration would call coord.RegisterSite/HandleEvent itself.
	_ = coord
}

// scanAndRecover walks the journal directory for leftover files from a
// prior crash and hands each one to mgr — the in-process equivalent of
// running the standalone recovery CLI against every leftover journal.
func scanAndRecover(ctx context.Context, logDir string, mgr *recovery.Manager, log *logrus.Entry) {
	entries, err := os.ReadDir(logDir)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.WithField("error", err).Error("failed to scan journal directory at boot")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(logDir, entry.Name())
		log.WithField("path", path).Warn("found leftover txnset journal at boot; recovering")
		mgr.Recover(ctx, path)
	}
}
