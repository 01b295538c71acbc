package txnlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/globalxact/tpc/internal/phase"
	"github.com/stretchr/testify/require"
)

func TestCreateWriteParseReplay(t *testing.T) {
	dir := t.TempDir()
	id := "11111111-1111-4111-8111-111111111111"

	log, err := Create(dir, id)
	require.NoError(t, err)

	require.NoError(t, log.WritePhase(phase.Prepare))
	require.NoError(t, log.WriteAction(phase.Prepare, "alpha", "5432", "db1", id, StatusTodo))
	require.NoError(t, log.WriteAction(phase.Prepare, "beta", "5432", "db2", id, StatusTodo))
	require.NoError(t, log.WritePhase(phase.Commit))
	require.NoError(t, log.WriteAction(phase.Commit, "alpha", "5432", "db1", id, StatusOK))
	require.NoError(t, log.WriteAction(phase.Commit, "beta", "5432", "db2", id, StatusBad))
	require.NoError(t, log.WritePhase(phase.Incomplete))
	require.NoError(t, log.CloseIncomplete())

	parsed, err := Parse(log.Path())
	require.NoError(t, err)
	require.Equal(t, phase.Incomplete, parsed.Phase)
	require.Len(t, parsed.Actions, 4)
	require.Equal(t, "alpha", parsed.Actions[0].Host)
	require.Equal(t, StatusOK, parsed.Actions[2].Status)
	require.Equal(t, StatusBad, parsed.Actions[3].Status)

	// File remains on disk for recovery.
	_, statErr := os.Stat(log.Path())
	require.NoError(t, statErr)
}

func TestWriteActionFlushesDurably(t *testing.T) {
	dir := t.TempDir()
	id := "22222222-2222-4222-8222-222222222222"

	log, err := Create(dir, id)
	require.NoError(t, err)
	require.NoError(t, log.WritePhase(phase.Prepare))
	require.NoError(t, log.WriteAction(phase.Prepare, "alpha", "5432", "db1", id, StatusTodo))

	// A fresh file handle on the same path observes the flushed line.
	reader, err := os.Open(log.Path())
	require.NoError(t, err)
	defer reader.Close()

	buf := make([]byte, 4096)
	n, _ := reader.Read(buf)
	require.Contains(t, string(buf[:n]), "postgresql://alpha:5432/db1")
}

func TestCreateCollidingIDFails(t *testing.T) {
	dir := t.TempDir()
	id := "33333333-3333-4333-8333-333333333333"

	_, err := Create(dir, id)
	require.NoError(t, err)

	_, err = Create(dir, id)
	require.ErrorIs(t, err, ErrLogExists)
}

func TestCloseCompleteUnlinks(t *testing.T) {
	dir := t.TempDir()
	id := "44444444-4444-4444-8444-444444444444"

	log, err := Create(dir, id)
	require.NoError(t, err)
	require.NoError(t, log.WritePhase(phase.Prepare))
	require.NoError(t, log.WriteAction(phase.Prepare, "alpha", "5432", "db1", id, StatusTodo))
	require.NoError(t, log.WritePhase(phase.Commit))
	require.NoError(t, log.WriteAction(phase.Commit, "alpha", "5432", "db1", id, StatusOK))
	require.NoError(t, log.CloseComplete())

	_, statErr := os.Stat(log.Path())
	require.True(t, os.IsNotExist(statErr))
}

func TestParseRejectsOversizeLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oversize")
	line := "phase " + strings.Repeat("x", maxLineBytes+10) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o600))

	_, err := Parse(path)
	require.Error(t, err)
	var corrupt *ErrLogCorrupt
	require.ErrorAs(t, err, &corrupt)
}

func TestParseRejectsUnknownPhaseLabel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badlabel")
	require.NoError(t, os.WriteFile(path, []byte("phase sideways\n"), 0o600))

	_, err := Parse(path)
	require.Error(t, err)
}

func TestParseWarnsOnMalformedConnStringButContinues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "badconn")
	content := "phase prepare\nprepare not-a-conn-string txn1 todo\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	parsed, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, phase.Prepare, parsed.Phase)
	require.Empty(t, parsed.Actions)
}
