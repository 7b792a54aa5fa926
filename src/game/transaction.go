// Package game holds the mining game's domain model: random transactions,
// the TX/INV wire grammar, and the service that validates solutions and
// keeps score.
package game

import (
	"fmt"
	"math/rand"
	"time"

	"ircoin/src/helpers"
)

// People that appear in randomly generated transaction messages.
var peopleNames = []string{"Alice", "Bob", "Eve"}

// Transaction is one unit of work for miners: a short message to be mined
// at a difficulty.
type Transaction struct {
	ID         int64 // ledger rowid, 0 until stored
	MessageID  string
	Difficulty int
	Message    string
	CreatedAt  time.Time
}

// NewRandomTransaction creates a transaction with an 8-hex-char message id
// and a random "<A> sends <N> to <B>" message.
func NewRandomTransaction(difficulty int) *Transaction {
	first := peopleNames[rand.Intn(len(peopleNames))]
	second := first
	for second == first {
		second = peopleNames[rand.Intn(len(peopleNames))]
	}
	amount := rand.Intn(100) + 1

	return &Transaction{
		MessageID:  helpers.ShortID(),
		Difficulty: difficulty,
		Message:    fmt.Sprintf("%s sends %d to %s", first, amount, second),
		CreatedAt:  time.Now(),
	}
}

func (t *Transaction) String() string {
	return fmt.Sprintf("transaction %s (difficulty %d): %s", t.MessageID, t.Difficulty, t.Message)
}

// Score is one row of the scoreboard.
type Score struct {
	Miner  string
	Awards int
}
