package game

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ircoin/src/pow"
)

var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrAlreadyMined       = errors.New("transaction already mined")
	ErrInvalidProof       = errors.New("invalid proof of work")
	ErrRateLimited        = errors.New("submitting too fast")
)

// Ledger is the persistence the game needs. *store.Ledger implements it.
type Ledger interface {
	AddTransaction(ctx context.Context, tx *Transaction) error
	TransactionByMessageID(ctx context.Context, messageID string) (*Transaction, error)
	CreateAward(ctx context.Context, messageID, miner string, nonce uint64) (bool, error)
	CheckAttempt(ctx context.Context, miner string, window time.Duration) (bool, error)
	Scores(ctx context.Context) ([]Score, error)
}

// Game creates transactions, judges submitted solutions and keeps score.
type Game struct {
	ledger     Ledger
	difficulty atomic.Int32
	cooldown   time.Duration
	logger     *zap.SugaredLogger
}

// NewGame builds a game at the given starting difficulty. cooldown is the
// minimum time between solution submissions per miner; zero disables rate
// limiting.
func NewGame(ledger Ledger, difficulty int, cooldown time.Duration, logger *zap.SugaredLogger) *Game {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	g := &Game{
		ledger:   ledger,
		cooldown: cooldown,
		logger:   logger,
	}
	g.difficulty.Store(int32(difficulty))
	return g
}

// Difficulty returns the difficulty used for new transactions.
func (g *Game) Difficulty() int {
	return int(g.difficulty.Load())
}

// SetDifficulty changes the difficulty for future transactions. Stored
// transactions keep the difficulty they were created with.
func (g *Game) SetDifficulty(d int) {
	g.difficulty.Store(int32(d))
	g.logger.Infow("difficulty changed", "difficulty", d)
}

// CreateTransaction makes a fresh random transaction and records it.
func (g *Game) CreateTransaction(ctx context.Context) (*Transaction, error) {
	tx := NewRandomTransaction(g.Difficulty())
	if err := g.ledger.AddTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	g.logger.Infow("created transaction", "id", tx.MessageID, "message", tx.Message)
	return tx, nil
}

// Transaction looks up a transaction by its message id.
func (g *Game) Transaction(ctx context.Context, messageID string) (*Transaction, error) {
	return g.ledger.TransactionByMessageID(ctx, messageID)
}

// AllowAttempt reports whether the miner may submit right now, recording
// the attempt. A miner gets one attempt per cooldown window.
func (g *Game) AllowAttempt(ctx context.Context, miner string) (bool, error) {
	if g.cooldown <= 0 {
		return true, nil
	}
	return g.ledger.CheckAttempt(ctx, miner, g.cooldown)
}

// SubmitSolution validates a miner's claim and, when it is the first valid
// one for the transaction, records the award. The transaction's stored
// difficulty is authoritative; the difficulty echoed in the INV line is
// ignored.
func (g *Game) SubmitSolution(ctx context.Context, miner string, sol *Solution) (*Transaction, error) {
	tx, err := g.ledger.TransactionByMessageID(ctx, sol.MessageID)
	if err != nil {
		return nil, err
	}

	if _, ok := pow.Validate(sol.Nonce, tx.Message, tx.Difficulty); !ok {
		return nil, fmt.Errorf("%w: nonce %d for %s", ErrInvalidProof, sol.Nonce, sol.MessageID)
	}

	created, err := g.ledger.CreateAward(ctx, sol.MessageID, miner, sol.Nonce)
	if err != nil {
		return nil, fmt.Errorf("record award: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMined, sol.MessageID)
	}

	g.logger.Infow("award granted", "id", sol.MessageID, "miner", miner, "nonce", sol.Nonce)
	return tx, nil
}

// Scores returns the scoreboard, best miner first.
func (g *Game) Scores(ctx context.Context) ([]Score, error) {
	return g.ledger.Scores(ctx)
}
