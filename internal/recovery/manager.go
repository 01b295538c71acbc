package recovery

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/globalxact/tpc/internal/obs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Manager supervises every concurrently-running recovery Worker — one per
// incomplete txnset — using golang.org/x/sync/errgroup for sibling
// goroutines that should all be waited on. A worker "error" here is a
// fatal journal-parse failure, a failed journal unlink, or cancellation of
// the shared context: per-site failures never bubble out of Worker.Run.
type Manager struct {
	mu   sync.Mutex
	grp  *errgroup.Group
	ctx  context.Context
	dial Dialer
}

// NewManager returns a Manager whose workers share ctx and are spawned
// over sessions opened via dial.
func NewManager(ctx context.Context, dial Dialer) *Manager {
	grp, gctx := errgroup.WithContext(ctx)
	return &Manager{grp: grp, ctx: gctx, dial: dial}
}

// Recover implements coordinator.Recoverer: it loads logPath and spawns a
// worker for it on its own goroutine. Load failures are logged, not
// returned, since Recover has no error return in the Recoverer contract —
// a log that fails to parse is an administrator problem, surfaced via
// Wait for the process's own startup-scan caller.
func (m *Manager) Recover(ctx context.Context, logPath string) {
	m.mu.Lock()
	grp := m.grp
	gctx := m.ctx
	m.mu.Unlock()

	grp.Go(func() error {
		worker, err := Load(gctx, logPath, m.dial)
		if err != nil {
			obs.Log().WithFields(logrus.Fields{"path": logPath, "error": err}).
				Error("failed to load txnset for recovery")
			return err
		}
		return worker.Run(gctx)
	})
}

// Wait blocks until every worker spawned so far has finished, returning
// the first load/run error encountered, if any.
func (m *Manager) Wait() error {
	m.mu.Lock()
	grp := m.grp
	m.mu.Unlock()
	return grp.Wait()
}

// SpawnForLogFile is the administrative entry point: given a log directory
// and filename, it loads the txnset and returns a Worker the caller can
// Run. It does not run the worker itself: cmd/tpc-recover's one-shot path
// blocks on Run directly. cmd/tpccoordd's startup scan does not use it; it
// hands each journal path to Manager.Recover instead.
func SpawnForLogFile(ctx context.Context, dir, logFilename string, dial Dialer) (*Worker, error) {
	return Load(ctx, filepath.Join(dir, logFilename), dial)
}
