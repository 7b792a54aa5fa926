package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ircoin/src/game"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN("/tmp/ledger.db")

	assert.True(t, strings.HasPrefix(dsn, "/tmp/ledger.db?"))
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_synchronous=NORMAL")
	assert.Contains(t, dsn, "_foreign_keys=on")
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	var journalMode string
	require.NoError(t, l.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", strings.ToLower(journalMode))
}

func TestAddAndGetTransaction(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	tx := game.NewRandomTransaction(1)
	require.NoError(t, l.AddTransaction(ctx, tx))
	assert.NotZero(t, tx.ID)

	found, err := l.TransactionByMessageID(ctx, tx.MessageID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, found.ID)
	assert.Equal(t, tx.MessageID, found.MessageID)
	assert.Equal(t, tx.Message, found.Message)
	assert.Equal(t, tx.Difficulty, found.Difficulty)
	assert.False(t, found.CreatedAt.IsZero())
}

func TestTransactionByMessageID_Unknown(t *testing.T) {
	l := openLedger(t)

	_, err := l.TransactionByMessageID(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, game.ErrUnknownTransaction)
}

func TestAddTransaction_DuplicateMessageID(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	tx := game.NewRandomTransaction(1)
	require.NoError(t, l.AddTransaction(ctx, tx))

	dup := game.NewRandomTransaction(1)
	dup.MessageID = tx.MessageID
	assert.Error(t, l.AddTransaction(ctx, dup))
}

func TestAwards(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	tx := game.NewRandomTransaction(2)
	require.NoError(t, l.AddTransaction(ctx, tx))

	exists, err := l.AwardExists(ctx, tx.MessageID)
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := l.CreateAward(ctx, tx.MessageID, "alice", 42)
	require.NoError(t, err)
	assert.True(t, created)

	exists, err = l.AwardExists(ctx, tx.MessageID)
	require.NoError(t, err)
	assert.True(t, exists)

	// Already awarded: no second award.
	created, err = l.CreateAward(ctx, tx.MessageID, "bob", 99)
	require.NoError(t, err)
	assert.False(t, created)

	scores, err := l.Scores(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, game.Score{Miner: "alice", Awards: 1}, scores[0])
}

func TestCreateAward_UnknownTransaction(t *testing.T) {
	l := openLedger(t)

	created, err := l.CreateAward(context.Background(), "deadbeef", "alice", 1)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestScores_Ordering(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()

	award := func(miner string) {
		tx := game.NewRandomTransaction(1)
		require.NoError(t, l.AddTransaction(ctx, tx))
		created, err := l.CreateAward(ctx, tx.MessageID, miner, 1)
		require.NoError(t, err)
		require.True(t, created)
	}

	award("bob")
	award("alice")
	award("alice")

	scores, err := l.Scores(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, game.Score{Miner: "alice", Awards: 2}, scores[0])
	assert.Equal(t, game.Score{Miner: "bob", Awards: 1}, scores[1])
}

func TestCheckAttempt(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	window := 5 * time.Second

	ok, err := l.CheckAttempt(ctx, "testuser", window)
	require.NoError(t, err)
	assert.True(t, ok, "first attempt is allowed")

	ok, err = l.CheckAttempt(ctx, "testuser", window)
	require.NoError(t, err)
	assert.False(t, ok, "second attempt too soon")

	// Rewind the recorded attempt to simulate the window passing.
	_, err = l.db.ExecContext(ctx,
		`UPDATE attempts SET updated_at = updated_at - 10 WHERE miner = ?`, "testuser")
	require.NoError(t, err)

	ok, err = l.CheckAttempt(ctx, "testuser", window)
	require.NoError(t, err)
	assert.True(t, ok, "allowed again after the window")
}

func TestCheckAttempt_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(path, nil)
	require.NoError(t, err)
	ok, err := l.CheckAttempt(ctx, "spammer", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	ok, err = reopened.CheckAttempt(ctx, "spammer", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "attempt state survives a restart")
}
