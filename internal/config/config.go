// Package config defines the process-wide configuration shared by the
// coordinator daemon and the standalone recovery CLI, using go-flags
// struct tags.
package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Coordinator holds the flags common to both cmd/tpccoordd and
// cmd/tpc-recover: where the host database's data directory lives (the
// journal directory is derived from it) and how verbosely to log.
type Coordinator struct {
	DataDir string `long:"data-dir" env:"TPC_DATA_DIR" required:"true" description:"host database data directory; the txnset journal directory is created under here"`
	LogLevel string `long:"log-level" env:"TPC_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"structured logging level"`
}

// Daemon adds cmd/tpccoordd-only flags to Coordinator.
type Daemon struct {
	Coordinator
	MetricsAddr  string `long:"metrics-addr" env:"TPC_METRICS_ADDR" default:":9090" description:"address to serve /metrics on"`
	RecoverOnBoot bool   `long:"recover-on-boot" env:"TPC_RECOVER_ON_BOOT" description:"scan the journal directory at startup and spawn a RecoveryWorker per incomplete txnset found"`
}

// Recover adds cmd/tpc-recover-only flags to Coordinator.
type Recover struct {
	Coordinator
	Positional struct {
		LogFile string `positional-arg-name:"log-file" required:"true" description:"txnset journal filename under the data directory's journal subdirectory"`
	} `positional-args:"yes"`
}

// ApplyLogLevel configures logrus's standard logger from the parsed level
// string, applying parsed CLI config to logrus's package-level state at
// startup.
func ApplyLogLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("config: invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)
	return nil
}
