package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/globalxact/tpc/internal/remote/remotetest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestSQLConnExecAndQuery(t *testing.T) {
	dbfile := filepath.Join(t.TempDir(), "remote_test.sqlite")
	defer os.Remove(dbfile)

	conn, err := Dial("sqlite3", dbfile, "localhost", "5432", "sitedb")
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "localhost", conn.Host())
	require.Equal(t, "5432", conn.Port())
	require.Equal(t, "sitedb", conn.Database())
	require.Equal(t, StatusOK, conn.Status())

	site := NewSite(conn)
	require.True(t, site.Exec(context.Background(), "CREATE TABLE t (a INTEGER)"))
	require.True(t, site.Exec(context.Background(), "INSERT INTO t VALUES (1)"))

	n, err := site.CountRows(context.Background(), "SELECT * FROM t")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSQLConnExecFailureNeverPanics(t *testing.T) {
	dbfile := filepath.Join(t.TempDir(), "remote_test2.sqlite")
	defer os.Remove(dbfile)

	conn, err := Dial("sqlite3", dbfile, "localhost", "5432", "sitedb")
	require.NoError(t, err)
	defer conn.Close()

	site := NewSite(conn)
	require.False(t, site.Exec(context.Background(), "SELECT this is not valid sql"))
}

func TestFakeConnEnsureAliveResetsOnBad(t *testing.T) {
	fake := remotetest.New("alpha", "5432", "db1")
	site := NewSite(fake)

	fake.SetStatus(StatusBad)
	site.EnsureAlive(context.Background())

	require.Equal(t, 1, fake.ResetCount())
	require.Equal(t, StatusOK, fake.Status())
}

func TestFakeConnExecScriptedFailure(t *testing.T) {
	fake := remotetest.New("alpha", "5432", "db1")
	fake.ExecFunc = func(ctx context.Context, query string) error {
		return errors.New("remote refused")
	}
	site := NewSite(fake)

	require.False(t, site.Exec(context.Background(), "PREPARE TRANSACTION 'x'"))
	require.Equal(t, []string{"PREPARE TRANSACTION 'x'"}, fake.ExecLog())
}
