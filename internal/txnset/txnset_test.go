package txnset

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/globalxact/tpc/internal/phase"
	"github.com/globalxact/tpc/internal/remote"
	"github.com/globalxact/tpc/internal/remote/remotetest"
	"github.com/globalxact/tpc/internal/txnlog"
	"github.com/stretchr/testify/require"
)

func twoSiteTxnset(t *testing.T) (*Txnset, *remotetest.FakeConn, *remotetest.FakeConn) {
	t.Helper()
	dir := t.TempDir()
	ts, err := New(dir)
	require.NoError(t, err)

	alpha := remotetest.New("alpha", "5432", "db1")
	beta := remotetest.New("beta", "5432", "db2")
	ts.AddSite(remote.NewSite(alpha))
	ts.AddSite(remote.NewSite(beta))
	return ts, alpha, beta
}

// happy path over two sites — every command succeeds and the txnset
// resolves to Complete with its journal unlinked.
func TestHappyPathTwoSites(t *testing.T) {
	ts, _, _ := twoSiteTxnset(t)
	ctx := context.Background()

	require.NoError(t, ts.PrepareAll(ctx))
	require.Equal(t, phase.Prepare, ts.Phase())

	final, err := ts.CommitAll(ctx)
	require.NoError(t, err)
	require.Equal(t, phase.Complete, final)

	_, statErr := os.Stat(ts.LogPath())
	require.True(t, os.IsNotExist(statErr))
}

// PREPARE fails on the second site. PrepareAll fails fast with
// ErrPrepareFailed, and only the first site is retained for the
// subsequent RollbackAll the host transaction issues on abort.
func TestPrepareFailsOnSecondSite(t *testing.T) {
	ts, _, beta := twoSiteTxnset(t)
	ctx := context.Background()

	beta.ExecFunc = func(ctx context.Context, query string) error {
		return errors.New("remote unreachable")
	}

	err := ts.PrepareAll(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPrepareFailed)
	require.Len(t, ts.Sites(), 1)

	final, err := ts.RollbackAll(ctx)
	require.NoError(t, err)
	require.Equal(t, phase.Complete, final)
}

// COMMIT PREPARED fails on one site of two. The txnset still resolves
// (never raises out of CommitAll) but degrades to Incomplete, and its
// journal is left on disk for recovery rather than unlinked.
func TestCommitPartialFailureDegradesToIncomplete(t *testing.T) {
	ts, _, beta := twoSiteTxnset(t)
	ctx := context.Background()

	require.NoError(t, ts.PrepareAll(ctx))

	beta.ExecFunc = func(ctx context.Context, query string) error {
		return errors.New("connection reset")
	}

	final, err := ts.CommitAll(ctx)
	require.NoError(t, err)
	require.Equal(t, phase.Incomplete, final)

	parsed, parseErr := txnlog.Parse(ts.LogPath())
	require.NoError(t, parseErr)
	require.Equal(t, phase.Incomplete, parsed.Phase)
}

func TestRollbackFromBeginIsNoOp(t *testing.T) {
	dir := t.TempDir()
	ts, err := New(dir)
	require.NoError(t, err)

	final, err := ts.RollbackAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, phase.Complete, final)

	_, statErr := os.Stat(ts.LogPath())
	require.True(t, os.IsNotExist(statErr))
}

func TestCommitAllFromWrongPhaseIsInvalid(t *testing.T) {
	dir := t.TempDir()
	ts, err := New(dir)
	require.NoError(t, err)

	_, err = ts.CommitAll(context.Background())
	require.ErrorIs(t, err, ErrInvalidPhase)
}

func TestPrepareAllFromWrongPhaseIsInvalid(t *testing.T) {
	ts, _, _ := twoSiteTxnset(t)
	ctx := context.Background()
	require.NoError(t, ts.PrepareAll(ctx))

	err := ts.PrepareAll(ctx)
	require.ErrorIs(t, err, ErrInvalidPhase)
}
