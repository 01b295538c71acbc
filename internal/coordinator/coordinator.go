// Package coordinator implements the process-wide 2PC driver: the current
// txnset singleton, remote-site registration, and the host transaction
// event handler that drives PrepareAll/CommitAll/RollbackAll.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/globalxact/tpc/internal/obs"
	"github.com/globalxact/tpc/internal/phase"
	"github.com/globalxact/tpc/internal/remote"
	"github.com/globalxact/tpc/internal/txnset"
	"github.com/sirupsen/logrus"
)

// EventKind identifies a host transaction-lifecycle notification. The set
// mirrors PostgreSQL's 2PC callback event kinds: the host database's own
// transaction-event notification mechanism, treated here as an external
// collaborator this package never implements itself.
type EventKind int

const (
	EventPrepare EventKind = iota
	EventPrePrepare
	EventCommit
	EventPreCommit
	EventParallelPreCommit
	EventAbort
	EventParallelAbort
)

func (k EventKind) String() string {
	switch k {
	case EventPrepare:
		return "prepare"
	case EventPrePrepare:
		return "pre_prepare"
	case EventCommit:
		return "commit"
	case EventPreCommit:
		return "pre_commit"
	case EventParallelPreCommit:
		return "parallel_pre_commit"
	case EventAbort:
		return "abort"
	case EventParallelAbort:
		return "parallel_abort"
	default:
		return "unknown"
	}
}

// ErrNotSupported is raised when the host fires a nested-2PC event: this
// coordinator cannot itself be prepared inside another 2PC transaction.
var ErrNotSupported = errors.New("coordinator: nesting inside a host-level prepared transaction is not supported")

// Recoverer hands off a txnset that resolved to Incomplete; internal/
// recovery.Manager implements it. A nil Recoverer is valid: the txnset is
// simply left Incomplete with its journal on disk for the administrative
// entry point to pick up later.
type Recoverer interface {
	Recover(ctx context.Context, logPath string)
}

// HostHooks is the callback surface a host database integration installs
// around one txnset's lifetime: a single function of shape (event) -> error.
// Host code calls Coordinator.HandleEvent directly; this interface exists
// so host-side wiring code can depend on an abstraction rather than the
// concrete Coordinator.
type HostHooks interface {
	HandleEvent(ctx context.Context, event EventKind) error
}

// Coordinator is the process-wide singleton: at most one active Txnset at
// a time, guarded by a mutex since the foreground path is single-threaded
// per host transaction but an administrative CLI or a differently-threaded
// host runtime could call in concurrently.
type Coordinator struct {
	mu        sync.Mutex
	current   *txnset.Txnset
	logDir    string
	recoverer Recoverer
}

var _ HostHooks = (*Coordinator)(nil)

// New returns a Coordinator that journals new txnsets in txnlog.Dir(logDir)
// and hands Incomplete txnsets to recoverer (which may be nil).
func New(logDir string, recoverer Recoverer) *Coordinator {
	return &Coordinator{logDir: logDir, recoverer: recoverer}
}

// Current returns the active txnset, or nil if none is in progress.
func (c *Coordinator) Current() *txnset.Txnset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// RegisterSite appends conn as a new RemoteSite of the current txnset,
// lazily creating one (phase Begin, fresh id, new journal) on first call
// within a host transaction. It never issues SQL: the first command any
// site sees is PREPARE TRANSACTION, issued only from HandleEvent.
func (c *Coordinator) RegisterSite(conn remote.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		ts, err := txnset.New(c.logDir)
		if err != nil {
			return fmt.Errorf("coordinator: registering site: %w", err)
		}
		c.current = ts
		obs.Log().WithFields(logrus.Fields{"txnset": ts.ID()}).Info("opened new txnset on first site registration")
	}
	c.current.AddSite(remote.NewSite(conn))
	return nil
}

// HandleEvent is the sole driver of PREPARE / COMMIT PREPARED / ROLLBACK
// PREPARED: application code never calls Txnset's methods directly. Nested
// prepare events fail with ErrNotSupported; commit falls through to the
// pre-commit path; pre-commit drives PrepareAll then CommitAll; abort
// drives RollbackAll; any other event is ignored.
func (c *Coordinator) HandleEvent(ctx context.Context, event EventKind) error {
	c.mu.Lock()
	ts := c.current
	c.mu.Unlock()

	log := obs.Log().WithFields(logrus.Fields{"event": event.String()})
	if ts != nil {
		log = log.WithField("txnset", ts.ID())
	}

	switch event {
	case EventPrepare, EventPrePrepare:
		log.WithField("decision", "not_supported").Warn("host fired a nested-prepare event")
		return ErrNotSupported

	case EventCommit:
		log.WithField("decision", "fallthrough_to_pre_commit").
			Warn("host already committed locally; committing remote work implicitly is unsafe")
		fallthrough

	case EventPreCommit, EventParallelPreCommit:
		if ts == nil {
			log.WithField("decision", "ignored").Debug("no active txnset")
			return nil
		}
		log.WithField("decision", "prepare_all+commit_all").Info("driving txnset to commit")
		if err := ts.PrepareAll(ctx); err != nil {
			// current is left in place: PrepareAll failing leaves the
			// txnset in phase Prepare over whichever sites did prepare,
			// and the host's resulting abort fires EventAbort/
			// EventParallelAbort next, which must still roll those
			// sites back.
			return err
		}
		final, err := ts.CommitAll(ctx)
		c.finish(ctx, ts, final)
		return err

	case EventAbort, EventParallelAbort:
		if ts == nil {
			log.WithField("decision", "ignored").Debug("no active txnset")
			return nil
		}
		log.WithField("decision", "rollback_all").Info("driving txnset to rollback")
		final, err := ts.RollbackAll(ctx)
		c.finish(ctx, ts, final)
		return err

	default:
		log.WithField("decision", "ignored").Debug("event kind requires no coordinator action")
		return nil
	}
}

// clear detaches the coordinator's current pointer if it still points at
// ts; finish calls it once ts has reached a terminal phase.
func (c *Coordinator) clear(ts *txnset.Txnset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == ts {
		c.current = nil
	}
}

// finish detaches the coordinator's current pointer and, if the txnset
// resolved to Incomplete, hands its journal off to the recoverer.
func (c *Coordinator) finish(ctx context.Context, ts *txnset.Txnset, final phase.Phase) {
	logPath := ts.LogPath()
	c.clear(ts)

	if final == phase.Incomplete && c.recoverer != nil {
		c.recoverer.Recover(ctx, logPath)
	}
}
