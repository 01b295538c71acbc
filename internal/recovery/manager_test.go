package recovery

import (
	"context"
	"os"
	"testing"

	"github.com/globalxact/tpc/internal/phase"
	"github.com/globalxact/tpc/internal/remote/remotetest"
	"github.com/globalxact/tpc/internal/txnlog"
	"github.com/stretchr/testify/require"
)

func TestManagerRecoversIncompleteTxnset(t *testing.T) {
	dir := t.TempDir()
	id := "manager-txnset"
	path := writeIncompleteCommitLog(t, dir, id)

	beta := remotetest.New("beta", "5432", "db2")
	beta.QueryFunc = func(ctx context.Context, q string) (int, error) { return 0, nil }

	mgr := NewManager(context.Background(), fakeDialer(map[string]*remotetest.FakeConn{"beta": beta}))
	mgr.Recover(context.Background(), path)
	require.NoError(t, mgr.Wait())

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestManagerSurfacesLoadFailure(t *testing.T) {
	mgr := NewManager(context.Background(), fakeDialer(nil))
	mgr.Recover(context.Background(), "/nonexistent/path/to/a/log")
	require.Error(t, mgr.Wait())
}

func TestSpawnForLogFileReturnsRunnableWorker(t *testing.T) {
	dir := t.TempDir()
	id := "spawn-txnset"

	log, err := txnlog.Create(dir, id)
	require.NoError(t, err)
	require.NoError(t, log.WritePhase(phase.Prepare))
	require.NoError(t, log.WriteAction(phase.Prepare, "alpha", "5432", "db1", id, txnlog.StatusTodo))
	require.NoError(t, log.WritePhase(phase.Commit))
	require.NoError(t, log.WriteAction(phase.Commit, "alpha", "5432", "db1", id, txnlog.StatusBad))
	require.NoError(t, log.CloseIncomplete())

	alpha := remotetest.New("alpha", "5432", "db1")
	alpha.QueryFunc = func(ctx context.Context, q string) (int, error) { return 0, nil }

	w, err := SpawnForLogFile(context.Background(), txnlog.Dir(dir), id, fakeDialer(map[string]*remotetest.FakeConn{"alpha": alpha}))
	require.NoError(t, err)
	require.NoError(t, w.Run(context.Background()))

	_, statErr := os.Stat(log.Path())
	require.True(t, os.IsNotExist(statErr))
}
