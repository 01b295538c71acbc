// Command tpc-recover is the one-shot administrative entry point: given a
// txnset journal filename, it drives that txnset's remaining sites to
// resolution and blocks until the journal is removed.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/globalxact/tpc/internal/config"
	"github.com/globalxact/tpc/internal/recovery"
	"github.com/globalxact/tpc/internal/remote"
	"github.com/globalxact/tpc/internal/txnlog"
	flags "github.com/jessevdk/go-flags"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

func sqliteDialer(dataDir string) recovery.Dialer {
	return func(ctx context.Context, host, port, database string) (remote.Conn, error) {
		dsn := dataDir + "/sites/" + database + ".sqlite"
		return remote.Dial("sqlite3", dsn, host, port, database)
	}
}

func main() {
	var opts config.Recover
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if err := config.ApplyLogLevel(opts.LogLevel); err != nil {
		fmt.Println(red(err.Error()))
		os.Exit(1)
	}

	logDir := txnlog.Dir(opts.DataDir)
	ctx := context.Background()

	worker, err := recovery.SpawnForLogFile(ctx, logDir, opts.Positional.LogFile, sqliteDialer(opts.DataDir))
	if err != nil {
		fmt.Println(red("failed to load txnset journal: " + err.Error()))
		os.Exit(1)
	}

	logrus.WithField("log_file", opts.Positional.LogFile).Info("recovering txnset")
	if err := worker.Run(ctx); err != nil {
		fmt.Println(red("recovery failed: " + err.Error()))
		os.Exit(1)
	}

	fmt.Println(green("txnset " + opts.Positional.LogFile + " resolved and journal removed"))
}
