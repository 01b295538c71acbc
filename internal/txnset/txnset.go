// Package txnset is the in-memory aggregate that owns a txnset's phase
// transitions and drives PREPARE / COMMIT PREPARED / ROLLBACK PREPARED
// against its ordered list of remote sites.
package txnset

import (
	"context"
	"errors"
	"fmt"

	"github.com/globalxact/tpc/internal/ids"
	"github.com/globalxact/tpc/internal/obs"
	"github.com/globalxact/tpc/internal/phase"
	"github.com/globalxact/tpc/internal/remote"
	"github.com/globalxact/tpc/internal/txnlog"
	"github.com/sirupsen/logrus"
)

// ErrInvalidPhase is returned when a transition or operation is attempted
// from a phase that does not permit it. It is fatal to the host
// transaction when raised ahead of PREPARE. CommitAll/RollbackAll return it
// only when called from a phase they do not accept, before any remote
// command is issued; once resolution has started they never return it.
var ErrInvalidPhase = errors.New("txnset: invalid phase transition")

// ErrPrepareFailed is returned by PrepareAll when a remote PREPARE
// TRANSACTION returns non-OK. The host transaction should abort in
// response, which drives RollbackAll over whatever sites did prepare.
var ErrPrepareFailed = errors.New("txnset: PREPARE TRANSACTION failed")

// Txnset is the aggregate that tracks a single distributed transaction: an
// id, an ordered list of sites, a current phase, and a handle to its
// on-disk journal.
type Txnset struct {
	id      string
	phaseV  phase.Phase
	sites   []*remote.Site
	log     *txnlog.Log
	counter int // reserved for future per-site naming; never read today
}

// New generates a fresh id, creates the txnset's journal in
// txnlog.Dir(logDir), and returns a Txnset in phase Begin. It always
// journals a "begin" phase line (see DESIGN.md).
func New(logDir string) (*Txnset, error) {
	id, err := ids.NewTxnsetID()
	if err != nil {
		return nil, fmt.Errorf("txnset: generating id: %w", err)
	}
	log, err := txnlog.Create(logDir, id)
	if err != nil {
		return nil, err
	}
	t := &Txnset{id: id, phaseV: phase.Begin, log: log}
	if err := log.WritePhase(phase.Begin); err != nil {
		return nil, err
	}
	obs.Log().WithFields(logrus.Fields{"txnset": id}).Info("began new txnset")
	return t, nil
}

// ID returns the txnset identifier: the gid used at every remote site and
// the filename of its journal.
func (t *Txnset) ID() string { return t.id }

// Phase returns the txnset's current phase.
func (t *Txnset) Phase() phase.Phase { return t.phaseV }

// Sites returns the txnset's sites in insertion order. Callers must not
// mutate the returned slice.
func (t *Txnset) Sites() []*remote.Site { return t.sites }

// AddSite appends a new RemoteSite, preserving insertion order: this order
// governs journal line order and deterministic replay.
func (t *Txnset) AddSite(site *remote.Site) {
	t.sites = append(t.sites, site)
}

// transition enforces the legal-edge check, journals the new phase, then
// updates the in-memory field — in that order, so a crash never leaves the
// in-memory phase ahead of what the journal can replay.
func (t *Txnset) transition(target phase.Phase) error {
	if !phase.IsValidTransition(t.phaseV, target) {
		return fmt.Errorf("txnset %s: %s -> %s: %w", t.id, phase.Label(t.phaseV), phase.Label(target), ErrInvalidPhase)
	}
	if err := t.log.WritePhase(target); err != nil {
		return err
	}
	t.phaseV = target
	return nil
}

// PrepareAll is callable only from Begin. It transitions to Prepare, then
// for each site in insertion order logs a "todo" action line (flushed)
// before executing PREPARE TRANSACTION. If any PREPARE fails it fails fast
// with ErrPrepareFailed: sites whose PREPARE failed are not retained, so a
// subsequent RollbackAll only acts on the sites that actually prepared.
func (t *Txnset) PrepareAll(ctx context.Context) error {
	if t.phaseV != phase.Begin {
		return fmt.Errorf("txnset %s: PrepareAll from %s: %w", t.id, phase.Label(t.phaseV), ErrInvalidPhase)
	}
	if err := t.transition(phase.Prepare); err != nil {
		return err
	}

	prepared := make([]*remote.Site, 0, len(t.sites))
	for _, site := range t.sites {
		host, port, db := site.Identity()
		if err := t.log.WriteAction(phase.Prepare, host, port, db, t.id, txnlog.StatusTodo); err != nil {
			t.sites = prepared
			return err
		}
		if !site.Exec(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", t.id)) {
			t.sites = prepared
			return fmt.Errorf("txnset %s: site %s:%s/%s: %w", t.id, host, port, db, ErrPrepareFailed)
		}
		prepared = append(prepared, site)
	}
	t.sites = prepared
	return nil
}

// CommitAll is callable only from Prepare. It transitions to Commit, then
// issues COMMIT PREPARED to every site in order. A non-OK result never
// raises: it only clears a local can_complete flag. The terminal
// transition is Complete if every site committed, else Incomplete (which
// hands the journal to recovery — see internal/recovery).
func (t *Txnset) CommitAll(ctx context.Context) (phase.Phase, error) {
	return t.resolve(ctx, phase.Commit, "COMMIT PREPARED")
}

// RollbackAll is symmetric to CommitAll but issues ROLLBACK PREPARED, and
// is callable from Prepare only — with one exception: if called from
// Begin (an abort fired before any PREPARE was attempted), it is a no-op
// that resolves directly to Complete. This bypasses the normal transition
// check deliberately: Begin is not adjacent to Complete in the phase
// table, but there is nothing to roll back and nothing further to log.
func (t *Txnset) RollbackAll(ctx context.Context) (phase.Phase, error) {
	if t.phaseV == phase.Begin {
		t.phaseV = phase.Complete
		if err := t.log.CloseComplete(); err != nil {
			obs.Log().WithFields(logrus.Fields{"txnset": t.id, "error": err}).
				Warn("failed to close log for no-op rollback from begin")
		}
		return phase.Complete, nil
	}
	return t.resolve(ctx, phase.Rollback, "ROLLBACK PREPARED")
}

// resolve is the shared body of CommitAll/RollbackAll.
func (t *Txnset) resolve(ctx context.Context, target phase.Phase, sqlVerb string) (phase.Phase, error) {
	if t.phaseV != phase.Prepare {
		return t.phaseV, fmt.Errorf("txnset %s: resolve from %s: %w", t.id, phase.Label(t.phaseV), ErrInvalidPhase)
	}
	if err := t.transition(target); err != nil {
		return t.phaseV, err
	}

	canComplete := true
	for _, site := range t.sites {
		host, port, db := site.Identity()
		ok := site.Exec(ctx, fmt.Sprintf("%s '%s'", sqlVerb, t.id))
		status := txnlog.StatusOK
		if !ok {
			status = txnlog.StatusBad
			canComplete = false
		}
		if err := t.log.WriteAction(target, host, port, db, t.id, status); err != nil {
			// Errors after PREPARE are never propagated: a log-write
			// failure here still degrades to Incomplete rather than
			// raising out of the commit/abort callback path.
			canComplete = false
			obs.Log().WithFields(logrus.Fields{"txnset": t.id, "error": err}).
				Error("failed to journal action during resolve; degrading to incomplete")
		}
	}
	return t.finish(canComplete)
}

// finish transitions to the terminal phase implied by canComplete and
// closes the journal accordingly. The terminal phase line itself is
// written by CloseComplete/CloseIncomplete, not by this method, so the
// journal ends with exactly one "phase complete"/"phase incomplete" line
// rather than two. On Complete, every site connection is released since
// the txnset is fully resolved; on Incomplete, site connections are not
// closed here, and internal/recovery does not reuse them: it dials fresh
// sessions from the journal.
func (t *Txnset) finish(canComplete bool) (phase.Phase, error) {
	if canComplete {
		if err := t.enterTerminalPhase(phase.Complete); err != nil {
			return t.phaseV, err
		}
		if err := t.log.CloseComplete(); err != nil {
			obs.Log().WithFields(logrus.Fields{"txnset": t.id, "error": err}).
				Warn("failed to close completed txnset log")
		}
		for _, site := range t.sites {
			_ = site.Close()
		}
		return phase.Complete, nil
	}

	if err := t.enterTerminalPhase(phase.Incomplete); err != nil {
		return t.phaseV, err
	}
	if err := t.log.CloseIncomplete(); err != nil {
		obs.Log().WithFields(logrus.Fields{"txnset": t.id, "error": err}).
			Error("failed to close incomplete txnset log")
	}
	return phase.Incomplete, nil
}

// enterTerminalPhase validates and records the move to target in memory
// without journaling a phase line itself: the caller's subsequent
// CloseComplete/CloseIncomplete call is responsible for that line.
func (t *Txnset) enterTerminalPhase(target phase.Phase) error {
	if !phase.IsValidTransition(t.phaseV, target) {
		return fmt.Errorf("txnset %s: %s -> %s: %w", t.id, phase.Label(t.phaseV), phase.Label(target), ErrInvalidPhase)
	}
	t.phaseV = target
	return nil
}

// LogPath returns the on-disk path of the txnset's journal.
func (t *Txnset) LogPath() string { return t.log.Path() }
