// Package miner runs a mining client: it watches the channel for TX
// announcements, brute forces the nonce, and submits INV claims.
package miner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ircoin/src/game"
	"ircoin/src/irc"
)

// jobQueueSize bounds how many unmined announcements may pile up while a
// job is in flight.
const jobQueueSize = 16

const quitTimeout = 2 * time.Second

// transport is the part of the IRC client the miner uses.
type transport interface {
	Join(ctx context.Context, channel string) error
	Privmsg(ctx context.Context, target, text string) error
	Handle(ctx context.Context, handlers ...irc.Handler) error
	Quit(ctx context.Context, reason string) error
}

// Worker mines one message. *pow.Miner implements it.
type Worker interface {
	Mine(ctx context.Context, message string, difficulty int, beginNonce uint64) (uint64, string, error)
}

// Client is an IRC mining client for one channel.
type Client struct {
	client  transport
	worker  Worker
	channel string
	jobs    chan *game.Transaction
	logger  *zap.SugaredLogger
}

// New builds a mining client for the given channel.
func New(client transport, worker Worker, channel string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		client:  client,
		worker:  worker,
		channel: channel,
		jobs:    make(chan *game.Transaction, jobQueueSize),
		logger:  logger,
	}
}

// Run joins the channel, greets it, and mines announcements until the
// context is cancelled or the connection drops. Announcements arriving
// while a job is in flight are queued and mined in order.
func (c *Client) Run(ctx context.Context) error {
	if err := c.client.Join(ctx, c.channel); err != nil {
		return fmt.Errorf("join %s: %w", c.channel, err)
	}
	if err := c.client.Privmsg(ctx, irc.Channel(c.channel), "HELLO"); err != nil {
		return fmt.Errorf("greet %s: %w", c.channel, err)
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return c.client.Handle(ctx, c.Watch)
	})
	grp.Go(func() error {
		return c.work(ctx)
	})

	err := grp.Wait()

	quitCtx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()
	if qerr := c.client.Quit(quitCtx, "done mining"); qerr != nil {
		c.logger.Debugw("quit failed", "error", qerr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Watch is the dispatch handler: it enqueues TX announcements addressed to
// the miner's channel.
func (c *Client) Watch(ctx context.Context, msg *irc.Message) error {
	if msg.Command != "PRIVMSG" || msg.Target() != irc.Channel(c.channel) {
		return nil
	}

	text := msg.Text()
	if !game.IsTX(text) {
		return nil
	}

	tx, err := game.ParseTX(text)
	if err != nil {
		c.logger.Infow("ignored malformed TX", "text", text, "error", err)
		return nil
	}

	select {
	case c.jobs <- tx:
		c.logger.Infow("queued transaction", "id", tx.MessageID, "difficulty", tx.Difficulty)
	default:
		c.logger.Warnw("job queue full, dropping transaction", "id", tx.MessageID)
	}
	return nil
}

// work mines queued transactions one at a time.
func (c *Client) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx := <-c.jobs:
			if err := c.mine(ctx, tx); err != nil {
				return err
			}
		}
	}
}

func (c *Client) mine(ctx context.Context, tx *game.Transaction) error {
	c.logger.Infow("mining", "id", tx.MessageID, "difficulty", tx.Difficulty, "message", tx.Message)

	nonce, hash, err := c.worker.Mine(ctx, tx.Message, tx.Difficulty, 1)
	if err != nil {
		return err
	}
	c.logger.Infow("solved", "id", tx.MessageID, "nonce", nonce, "hash", hash)

	sol := &game.Solution{Difficulty: tx.Difficulty, MessageID: tx.MessageID, Nonce: nonce}
	if err := c.client.Privmsg(ctx, irc.Channel(c.channel), sol.Wire()); err != nil {
		return fmt.Errorf("submit solution for %s: %w", tx.MessageID, err)
	}
	return nil
}
