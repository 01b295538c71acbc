// Package recovery implements the asynchronous worker that drives an
// Incomplete txnset's unresolved sites to resolution.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/globalxact/tpc/internal/obs"
	"github.com/globalxact/tpc/internal/phase"
	"github.com/globalxact/tpc/internal/remote"
	"github.com/globalxact/tpc/internal/txnlog"
	"github.com/sirupsen/logrus"
)

// backoff is the fixed retry delay between recovery passes. Unbounded
// retry at this cadence is intentional: permanent site loss is an operator
// problem, not something this worker gives up on.
const backoff = time.Second

// Dialer reopens a remote session for a site reconstructed from a parsed
// journal line. Implementations choose the database/sql driver and DSN
// construction appropriate to the deployment.
type Dialer func(ctx context.Context, host, port, database string) (remote.Conn, error)

// Worker drives one incomplete txnset's unresolved sites to resolution.
// It is spawned once per incomplete txnset by Coordinator.HandleEvent (via
// a Recoverer), or on demand by SpawnForLogFile for operator-triggered
// recovery.
type Worker struct {
	id           string
	logPath      string
	rollbackMode bool
	startPhase   phase.Phase
	sites        []*remote.Site
}

// siteKey identifies one site across a journal's action lines.
type siteKey struct{ host, port, database string }

// Load parses logPath and reopens a remote session for every site that
// prepared but has not yet been confirmed committed/rolled back. A site is
// known to the txnset from its prepare-phase action line (the only line
// guaranteed to exist for every site, since a coordinator crash can land
// at any point — including before the first commit/rollback action line
// is ever written) and is considered resolved only once its
// resolution-phase action line shows status OK.
func Load(ctx context.Context, logPath string, dial Dialer) (*Worker, error) {
	parsed, err := txnlog.Parse(logPath)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		id:           parsed.ID,
		logPath:      logPath,
		rollbackMode: parsed.LastResolutionPhase != phase.Commit,
		startPhase:   parsed.Phase,
	}

	resolutionLabel := phase.Label(phase.Commit)
	if w.rollbackMode {
		resolutionLabel = phase.Label(phase.Rollback)
	}
	prepareLabel := phase.Label(phase.Prepare)

	var order []siteKey
	seen := make(map[siteKey]bool)
	resolved := make(map[siteKey]bool)

	for _, a := range parsed.Actions {
		key := siteKey{a.Host, a.Port, a.Database}
		switch a.PhaseLabel {
		case prepareLabel:
			if !seen[key] {
				seen[key] = true
				order = append(order, key)
			}
		case resolutionLabel:
			if !seen[key] {
				seen[key] = true
				order = append(order, key)
			}
			if a.Status == txnlog.StatusOK {
				resolved[key] = true
			}
		}
	}

	for _, key := range order {
		if resolved[key] {
			continue
		}
		conn, err := dial(ctx, key.host, key.port, key.database)
		if err != nil {
			obs.Log().WithFields(logrus.Fields{
				"txnset": parsed.ID, "host": key.host, "port": key.port, "database": key.database, "error": err,
			}).Error("failed to reopen remote session for recovery; will retry next pass")
			continue
		}
		w.sites = append(w.sites, remote.NewSite(conn))
	}
	return w, nil
}

// Run executes the retry loop until every site is resolved or proved
// absent, then unlinks the journal. It blocks the calling goroutine;
// callers that want concurrent workers should run it under a Manager.
func (w *Worker) Run(ctx context.Context) error {
	obs.RecoveryActiveWorkers.Inc()
	defer obs.RecoveryActiveWorkers.Dec()

	currentPhase := w.startPhase
	verb := "COMMIT PREPARED"
	if w.rollbackMode {
		verb = "ROLLBACK PREPARED"
	}

	for len(w.sites) > 0 {
		if currentPhase == phase.Incomplete {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		obs.RecoveryRetries.WithLabelValues(w.id).Inc()

		remaining := w.sites[:0]
		for _, site := range w.sites {
			host, port, db := site.Identity()
			site.EnsureAlive(ctx)

			absentQuery := fmt.Sprintf("SELECT * FROM pg_prepared_xacts WHERE gid = '%s'", w.id)
			n, err := site.CountRows(ctx, absentQuery)
			if err == nil && n == 0 {
				obs.Log().WithFields(logrus.Fields{
					"txnset": w.id, "host": host, "port": port, "database": db,
				}).Info("remote transaction already resolved; removing site")
				obs.RecoverySitesResolved.WithLabelValues("absent").Inc()
				_ = site.Close()
				continue
			}

			// Query failed (treat as present, retry later) or the
			// transaction is still pending: issue the decided command.
			cmd := fmt.Sprintf("%s '%s'", verb, w.id)
			if site.Exec(ctx, cmd) {
				obs.Log().WithFields(logrus.Fields{
					"txnset": w.id, "host": host, "port": port, "database": db,
				}).Info("resolved site during recovery")
				obs.RecoverySitesResolved.WithLabelValues("resolved").Inc()
				_ = site.Close()
				continue
			}
			remaining = append(remaining, site)
		}
		w.sites = remaining
		currentPhase = phase.Incomplete
	}

	if err := os.Remove(w.logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("recovery: unlinking %s: %w", w.logPath, err)
	}
	obs.Log().WithFields(logrus.Fields{"txnset": w.id}).Info("recovery complete; journal removed")
	return nil
}
