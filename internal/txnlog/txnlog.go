// Package txnlog implements the append-only, on-disk write-ahead journal
// for one txnset: the durable record of intent consulted by the
// RecoveryWorker after a coordinator crash.
//
// Storage layout: one directory (fixed relative name "extglobalxact") under
// the host data root, mode 0700, created on demand. One file per active
// txnset, named after the txnset id. The on-disk grammar is ASCII,
// newline-terminated:
//
//	phase <label>
//	<phase-label> postgresql://<host>:<port>/<db> <txn-name> <status>
//
// where status is one of "todo", "OK", "BAD". Every action line is fsynced
// before WriteAction returns: that fsync is the durability boundary a
// RemoteSite command must never be issued ahead of.
package txnlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/globalxact/tpc/internal/obs"
	"github.com/globalxact/tpc/internal/phase"
	"github.com/sirupsen/logrus"
)

// DirName is the fixed directory name under the host data root.
const DirName = "extglobalxact"

// maxLineBytes is the maximum length of a single line, newline excluded.
// Connection strings can in theory run long, hence the generous cap; any
// longer line on parse is treated as file corruption.
const maxLineBytes = 511

// Status is the outcome recorded for a single remote-site action.
type Status string

const (
	StatusTodo Status = "todo"
	StatusOK   Status = "OK"
	StatusBad  Status = "BAD"
)

// ErrLogExists is returned by Create when a log file for the given id
// already exists: this implies an id collision or a stale file and is
// fatal at begin.
var ErrLogExists = errors.New("txnlog: log file already exists")

// ErrLogCorrupt is returned by Parse for an oversize or malformed line.
// Fatal at load; an administrator must inspect the file.
type ErrLogCorrupt struct{ Reason string }

func (e *ErrLogCorrupt) Error() string { return "txnlog: corrupt log: " + e.Reason }

// Dir returns the log directory path under a host data directory.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, DirName)
}

// Log is the open, append-only journal for one txnset.
type Log struct {
	id   string
	path string
	file *os.File
}

// Create creates the log directory if absent and opens a new, exclusive
// log file for id. It fails with ErrLogExists if the file is already
// present, which closes the original's TOCTOU gap (access(2) followed by
// fopen(..., "w")) by relying on O_EXCL for atomicity.
func Create(dataDir, id string) (*Log, error) {
	dir := Dir(dataDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("txnlog: creating directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("txnlog: %s: %w", path, ErrLogExists)
	} else if err != nil {
		return nil, fmt.Errorf("txnlog: creating %s: %w", path, err)
	}

	obs.Log().WithFields(logrus.Fields{"txnset": id, "path": path}).Debug("opened txnset journal")
	return &Log{id: id, path: path, file: f}, nil
}

// Path returns the on-disk path of the open log.
func (l *Log) Path() string { return l.path }

func (l *Log) writeLine(line string) error {
	if len(line) > maxLineBytes {
		return &ErrLogCorrupt{Reason: fmt.Sprintf("line exceeds %d bytes", maxLineBytes)}
	}
	_, err := l.file.WriteString(line + "\n")
	return err
}

// WritePhase appends a "phase <label>" line. No flush is required here: a
// lone phase line is always followed by an action line (which does flush)
// or by termination (close_complete / close_incomplete, which also flush).
func (l *Log) WritePhase(p phase.Phase) error {
	if err := l.writeLine(fmt.Sprintf("phase %s", phase.Label(p))); err != nil {
		return err
	}
	obs.Log().WithFields(logrus.Fields{"txnset": l.id, "phase": phase.Label(p)}).Debug("wrote phase line")
	return nil
}

// WriteAction appends one action line for a site and forces a flush to
// durable storage before returning: this is the durability boundary
// required before the corresponding remote command may be issued.
func (l *Log) WriteAction(currentPhase phase.Phase, host, port, database, txnName string, status Status) error {
	line := fmt.Sprintf("%s postgresql://%s:%s/%s %s %s",
		phase.Label(currentPhase), host, port, database, txnName, status)
	if err := l.writeLine(line); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("txnlog: fsync %s: %w", l.path, err)
	}
	obs.SiteActions.WithLabelValues(phase.Label(currentPhase), string(status)).Inc()
	obs.Log().WithFields(logrus.Fields{
		"txnset": l.id, "host": host, "port": port, "database": database, "status": status,
	}).Debug("wrote action line")
	return nil
}

// CloseComplete appends "phase complete", closes, and unlinks the file.
// If the unlink fails the file is left with a "complete" tail, which a
// later scan recognizes as a no-op log safe to remove.
func (l *Log) CloseComplete() error {
	if err := l.WritePhase(phase.Complete); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("txnlog: fsync %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("txnlog: close %s: %w", l.path, err)
	}
	if err := os.Remove(l.path); err != nil {
		obs.Log().WithFields(logrus.Fields{"txnset": l.id, "path": l.path, "error": err}).
			Warn("failed to unlink completed txnset log; safe to remove manually")
		return fmt.Errorf("txnlog: unlink %s: %w", l.path, err)
	}
	obs.TxnsetsResolved.WithLabelValues(phase.Label(phase.Complete)).Inc()
	return nil
}

// CloseIncomplete appends "phase incomplete", flushes, and closes, leaving
// the file in place for the RecoveryWorker.
func (l *Log) CloseIncomplete() error {
	if err := l.WritePhase(phase.Incomplete); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("txnlog: fsync %s: %w", l.path, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("txnlog: close %s: %w", l.path, err)
	}
	obs.TxnsetsResolved.WithLabelValues(phase.Label(phase.Incomplete)).Inc()
	return nil
}

// ActionRecord is one parsed action line.
type ActionRecord struct {
	PhaseLabel string
	Host       string
	Port       string
	Database   string
	TxnName    string
	Status     Status
}

// Parsed is the result of scanning an existing log file back into memory.
type Parsed struct {
	ID      string
	Phase   phase.Phase
	Actions []ActionRecord

	// LastResolutionPhase is the most recent of Commit or Rollback seen
	// among the file's phase lines, ignoring the terminal Incomplete line
	// that always follows it in a handed-off journal; it is Begin when the
	// file has neither line. Recovery uses this
	// to decide whether it is running in commit or rollback mode, since by
	// the time a journal reaches a RecoveryWorker its final phase line is
	// always "incomplete", not "commit" or "rollback".
	LastResolutionPhase phase.Phase
}

// Parse scans a log file line by line, reconstructing the final observed
// phase and the ordered list of action lines. Duplicate or out-of-phase
// lines emit warnings but are not fatal; only an oversize line, a malformed
// phase line, or an unrecognized phase label is fatal.
func Parse(path string) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("txnlog: opening %s: %w", path, err)
	}
	defer f.Close()

	id := filepath.Base(path)
	out := &Parsed{ID: id, Phase: phase.Begin, LastResolutionPhase: phase.Begin}

	var lastPhaseLabel string
	var sawPhase bool

	// The scanner's token limit is well above maxLineBytes so an oversize
	// line is actually read back and classified by the explicit length
	// check below, rather than tripped over by bufio.ErrTooLong first.
	const scanLimit = maxLineBytes * 8
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scanLimit), scanLimit)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("txnlog: %s: %w", path, &ErrLogCorrupt{Reason: "oversize line"})
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "phase ") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				return nil, fmt.Errorf("txnlog: %s: %w", path, &ErrLogCorrupt{Reason: "malformed phase line: " + line})
			}
			p, err := phase.FromLabel(fields[1])
			if err != nil {
				return nil, fmt.Errorf("txnlog: %s: %w", path, err)
			}
			out.Phase = p
			lastPhaseLabel = fields[1]
			sawPhase = true
			if p == phase.Commit || p == phase.Rollback {
				out.LastResolutionPhase = p
			}
			if p == phase.Incomplete {
				obs.Log().WithFields(logrus.Fields{"txnset": id}).
					Warn("incomplete txnset found; entering recovery")
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			obs.Log().WithFields(logrus.Fields{"txnset": id, "line": line}).
				Warn("malformed action line; ignoring")
			continue
		}
		phaseLabel, connStr, txnName, status := fields[0], fields[1], fields[2], fields[3]

		if sawPhase && phaseLabel != lastPhaseLabel {
			obs.Log().WithFields(logrus.Fields{
				"txnset": id, "expected": lastPhaseLabel, "got": phaseLabel,
			}).Warn("action line phase mismatch")
		}

		host, port, db, ok := parseConnString(connStr)
		if !ok {
			obs.Log().WithFields(logrus.Fields{"txnset": id, "conn": connStr}).
				Warn("action line does not look like a connection string; ignoring")
			continue
		}

		out.Actions = append(out.Actions, ActionRecord{
			PhaseLabel: phaseLabel,
			Host:       host,
			Port:       port,
			Database:   db,
			TxnName:    txnName,
			Status:     Status(status),
		})
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("txnlog: %s: %w", path, &ErrLogCorrupt{Reason: "oversize line"})
		}
		return nil, fmt.Errorf("txnlog: scanning %s: %w", path, err)
	}
	return out, nil
}

// parseConnString parses "postgresql://host:port/db" into its parts.
func parseConnString(s string) (host, port, db string, ok bool) {
	const prefix = "postgresql://"
	if !strings.HasPrefix(s, prefix) {
		return "", "", "", false
	}
	rest := strings.TrimPrefix(s, prefix)
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", "", "", false
	}
	hostport, db := rest[:slash], rest[slash+1:]
	colon := strings.LastIndexByte(hostport, ':')
	if colon < 0 {
		return "", "", "", false
	}
	return hostport[:colon], hostport[colon+1:], db, true
}
