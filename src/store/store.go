// Package store persists the game ledger (transactions, awards, submission
// attempts) in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"ircoin/src/game"
)

// SQLite DSN parameters for file-backed ledgers.
const (
	defaultBusyTimeout = "5000" // milliseconds
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
)

// Ledger is a SQLite-backed implementation of game.Ledger.
type Ledger struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var _ game.Ledger = (*Ledger)(nil)

// Open opens the ledger at path and applies pending migrations. An empty
// path opens an in-memory ledger that lives as long as the process.
func Open(path string, logger *zap.SugaredLogger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	dsn := ":memory:"
	if path != "" {
		dsn = buildDSN(path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", dsn, err)
	}

	// A single connection keeps in-memory ledgers alive and serializes
	// writers on file-backed ones.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Infow("ledger ready", "path", path)
	return &Ledger{db: db, logger: logger}, nil
}

// buildDSN constructs a SQLite DSN with hardened parameters.
func buildDSN(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_foreign_keys", "on")
	return path + "?" + params.Encode()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// AddTransaction stores a new transaction and fills in its ledger id.
func (l *Ledger) AddTransaction(ctx context.Context, tx *game.Transaction) error {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO transactions (message_id, difficulty, message) VALUES (?, ?, ?)`,
		tx.MessageID, tx.Difficulty, tx.Message,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.MessageID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("transaction %s rowid: %w", tx.MessageID, err)
	}
	tx.ID = id
	return nil
}

// TransactionByMessageID looks a transaction up by its wire id.
func (l *Ledger) TransactionByMessageID(ctx context.Context, messageID string) (*game.Transaction, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, message_id, difficulty, message, created_at
		 FROM transactions WHERE message_id = ?`,
		messageID,
	)

	var tx game.Transaction
	err := row.Scan(&tx.ID, &tx.MessageID, &tx.Difficulty, &tx.Message, &tx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", game.ErrUnknownTransaction, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction %s: %w", messageID, err)
	}
	return &tx, nil
}

// CreateAward records that miner solved the transaction. It returns false
// without error when the transaction is already awarded, so the first valid
// submission wins.
func (l *Ledger) CreateAward(ctx context.Context, messageID, miner string, nonce uint64) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO awards (transaction_id, miner, nonce)
		 SELECT id, ?, ? FROM transactions WHERE message_id = ?
		 ON CONFLICT(transaction_id) DO NOTHING`,
		miner, int64(nonce), messageID,
	)
	if err != nil {
		return false, fmt.Errorf("insert award for %s: %w", messageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("award rows for %s: %w", messageID, err)
	}
	return n == 1, nil
}

// AwardExists reports whether the transaction has been mined.
func (l *Ledger) AwardExists(ctx context.Context, messageID string) (bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM awards a
		 JOIN transactions t ON t.id = a.transaction_id
		 WHERE t.message_id = ?`,
		messageID,
	)

	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("query award for %s: %w", messageID, err)
	}
	return n > 0, nil
}

// CheckAttempt reports whether the miner is allowed to submit, recording
// the attempt. A miner gets one attempt per window; the state survives
// restarts on file-backed ledgers.
func (l *Ledger) CheckAttempt(ctx context.Context, miner string, window time.Duration) (bool, error) {
	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin attempt check: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	now := time.Now()

	var last int64
	err = dbtx.QueryRowContext(ctx,
		`SELECT updated_at FROM attempts WHERE miner = ?`, miner,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First attempt ever.
	case err != nil:
		return false, fmt.Errorf("query attempt for %s: %w", miner, err)
	default:
		if now.Sub(time.Unix(last, 0)) < window {
			return false, nil
		}
	}

	_, err = dbtx.ExecContext(ctx,
		`INSERT INTO attempts (miner, updated_at) VALUES (?, ?)
		 ON CONFLICT(miner) DO UPDATE SET updated_at = excluded.updated_at`,
		miner, now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("record attempt for %s: %w", miner, err)
	}

	if err := dbtx.Commit(); err != nil {
		return false, fmt.Errorf("commit attempt for %s: %w", miner, err)
	}
	return true, nil
}

// Scores returns miners ordered by award count, then name for stable output.
func (l *Ledger) Scores(ctx context.Context) ([]game.Score, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT miner, COUNT(*) AS awards
		 FROM awards GROUP BY miner
		 ORDER BY awards DESC, miner ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var scores []game.Score
	for rows.Next() {
		var s game.Score
		if err := rows.Scan(&s.Miner, &s.Awards); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return scores, nil
}
