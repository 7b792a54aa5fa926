package game

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel message grammar. The broadcaster announces work as
// "TX:<message_id>:<difficulty>:<message>", miners answer with
// "INV:<difficulty>:<message_id>:<nonce>", and wins are announced as
// "WIN:<message_id>:<miner>".
const (
	txPrefix  = "TX"
	invPrefix = "INV"
	winPrefix = "WIN"
)

// Solution is a miner's claim that nonce solves the transaction with the
// given message id. The echoed difficulty is kept for wire compatibility
// but validation always uses the difficulty stored with the transaction.
type Solution struct {
	Difficulty int
	MessageID  string
	Nonce      uint64
}

// Wire renders the transaction as a TX channel line.
func (t *Transaction) Wire() string {
	return fmt.Sprintf("%s:%s:%d:%s", txPrefix, t.MessageID, t.Difficulty, t.Message)
}

// Wire renders the solution as an INV channel line.
func (s *Solution) Wire() string {
	return fmt.Sprintf("%s:%d:%s:%d", invPrefix, s.Difficulty, s.MessageID, s.Nonce)
}

// WinWire renders the channel announcement for an awarded transaction.
func WinWire(messageID, miner string) string {
	return fmt.Sprintf("%s:%s:%s", winPrefix, messageID, miner)
}

// IsTX reports whether a channel line announces work.
func IsTX(text string) bool {
	return strings.HasPrefix(text, txPrefix+":")
}

// IsINV reports whether a channel line claims a solution.
func IsINV(text string) bool {
	return strings.HasPrefix(text, invPrefix+":")
}

// ParseTX parses a "TX:<message_id>:<difficulty>:<message>" line. The
// message may itself contain colons, so only the first three separators
// split.
func ParseTX(text string) (*Transaction, error) {
	parts := strings.SplitN(text, ":", 4)
	if len(parts) != 4 || parts[0] != txPrefix {
		return nil, fmt.Errorf("not a TX line: %q", text)
	}

	difficulty, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("bad difficulty in TX line %q: %w", text, err)
	}
	if parts[1] == "" || parts[3] == "" {
		return nil, fmt.Errorf("TX line %q is missing fields", text)
	}

	return &Transaction{
		MessageID:  parts[1],
		Difficulty: difficulty,
		Message:    strings.TrimSpace(parts[3]),
	}, nil
}

// ParseINV parses an "INV:<difficulty>:<message_id>:<nonce>" line.
func ParseINV(text string) (*Solution, error) {
	parts := strings.Split(text, ":")
	if len(parts) != 4 || parts[0] != invPrefix {
		return nil, fmt.Errorf("not an INV line: %q", text)
	}

	difficulty, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad difficulty in INV line %q: %w", text, err)
	}
	nonce, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad nonce in INV line %q: %w", text, err)
	}
	if parts[2] == "" {
		return nil, fmt.Errorf("INV line %q is missing the message id", text)
	}

	return &Solution{
		Difficulty: difficulty,
		MessageID:  parts[2],
		Nonce:      nonce,
	}, nil
}
