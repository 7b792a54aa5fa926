// Package broadcaster runs the game master: it announces transactions on
// the channel, judges INV submissions, keeps score, and answers channel
// commands.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ircoin/src/auth"
	"ircoin/src/game"
	"ircoin/src/irc"
	"ircoin/src/metrics"
)

// ErrQuit signals a clean shutdown requested from the console.
var ErrQuit = errors.New("quit requested")

// Rejection reasons used as metric labels.
const (
	reasonRateLimited = "rate_limited"
	reasonMalformed   = "malformed"
	reasonUnknown     = "unknown_transaction"
	reasonInvalid     = "invalid_proof"
	reasonMined       = "already_mined"
)

// transport is the part of the IRC client the broadcaster uses.
type transport interface {
	Join(ctx context.Context, channel string) error
	Privmsg(ctx context.Context, target, text string) error
	Handle(ctx context.Context, handlers ...irc.Handler) error
	Quit(ctx context.Context, reason string) error
}

// Config carries the broadcaster's settings.
type Config struct {
	Channel string
	// CronSpec schedules automatic transaction broadcasts; empty disables.
	CronSpec string
	// OperatorSecret gates !difficulty; empty disables operator commands.
	OperatorSecret string
}

// Broadcaster wires the IRC transport to the game service.
type Broadcaster struct {
	client   transport
	game     *game.Game
	channel  string
	cronSpec string
	operator *auth.Operator
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	authed map[string]bool
}

// New builds a broadcaster. The metrics may be nil.
func New(client transport, g *game.Game, cfg Config, m *metrics.Metrics, logger *zap.SugaredLogger) (*Broadcaster, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	b := &Broadcaster{
		client:   client,
		game:     g,
		channel:  cfg.Channel,
		cronSpec: cfg.CronSpec,
		metrics:  m,
		logger:   logger,
		authed:   make(map[string]bool),
	}

	if cfg.OperatorSecret != "" {
		op, err := auth.NewOperator(cfg.OperatorSecret)
		if err != nil {
			return nil, fmt.Errorf("operator secret: %w", err)
		}
		b.operator = op
	}

	return b, nil
}

// Run joins the channel and supervises the dispatch loop, the console, and
// the broadcast scheduler until one of them stops.
func (b *Broadcaster) Run(ctx context.Context, console *Console) error {
	if err := b.client.Join(ctx, b.channel); err != nil {
		return fmt.Errorf("join %s: %w", b.channel, err)
	}

	grp, ctx := errgroup.WithContext(ctx)

	if b.cronSpec != "" {
		c := cron.New()
		_, err := c.AddFunc(b.cronSpec, func() {
			if err := b.BroadcastTransaction(context.Background()); err != nil {
				b.logger.Warnw("scheduled broadcast failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron spec %q: %w", b.cronSpec, err)
		}
		c.Start()
		defer c.Stop()
		b.logger.Infow("broadcast scheduler started", "spec", b.cronSpec)
	}

	grp.Go(func() error {
		return b.client.Handle(ctx, b.Process)
	})
	if console != nil {
		grp.Go(func() error {
			return console.run(ctx, b)
		})
	}

	err := grp.Wait()

	// Leave politely; the run context is usually already cancelled.
	quitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if qerr := b.client.Quit(quitCtx, "game over"); qerr != nil {
		b.logger.Debugw("quit failed", "error", qerr)
	}

	if errors.Is(err, ErrQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// BroadcastTransaction creates a fresh transaction and announces it.
func (b *Broadcaster) BroadcastTransaction(ctx context.Context) error {
	tx, err := b.game.CreateTransaction(ctx)
	if err != nil {
		return err
	}
	if err := b.client.Privmsg(ctx, irc.Channel(b.channel), tx.Wire()); err != nil {
		return fmt.Errorf("announce %s: %w", tx.MessageID, err)
	}
	if b.metrics != nil {
		b.metrics.TransactionsBroadcast.Inc()
	}
	return nil
}

// Process handles one incoming IRC message. It is the handler passed to
// the client's dispatch loop.
func (b *Broadcaster) Process(ctx context.Context, msg *irc.Message) error {
	if msg.Command != "PRIVMSG" || msg.Target() != irc.Channel(b.channel) {
		return nil
	}

	nick := msg.Nick()
	text := msg.Text()

	switch {
	case game.IsINV(text):
		return b.handleSolution(ctx, nick, text)
	case strings.HasPrefix(text, "!"):
		return b.handleCommand(ctx, nick, text)
	default:
		b.logger.Debugw("channel chatter", "nick", nick, "text", text)
		return nil
	}
}

// handleSolution judges an INV claim. Game-level rejections are logged and
// counted but never stop the dispatch loop; only infrastructure errors do.
func (b *Broadcaster) handleSolution(ctx context.Context, nick, text string) error {
	allowed, err := b.game.AllowAttempt(ctx, nick)
	if err != nil {
		return fmt.Errorf("rate limit check for %s: %w", nick, err)
	}
	if !allowed {
		b.reject(reasonRateLimited)
		b.logger.Infow("submission rate limited", "nick", nick)
		return nil
	}

	sol, err := game.ParseINV(text)
	if err != nil {
		b.reject(reasonMalformed)
		b.logger.Infow("malformed INV ignored", "nick", nick, "text", text, "error", err)
		return nil
	}

	tx, err := b.game.SubmitSolution(ctx, nick, sol)
	switch {
	case err == nil:
		if b.metrics != nil {
			b.metrics.AwardsGranted.Inc()
		}
		b.logger.Infow("transaction mined", "id", sol.MessageID, "nick", nick, "nonce", sol.Nonce)
		return b.client.Privmsg(ctx, irc.Channel(b.channel), game.WinWire(tx.MessageID, nick))
	case errors.Is(err, game.ErrUnknownTransaction):
		b.reject(reasonUnknown)
	case errors.Is(err, game.ErrInvalidProof):
		b.reject(reasonInvalid)
	case errors.Is(err, game.ErrAlreadyMined):
		b.reject(reasonMined)
	default:
		return err
	}

	b.logger.Infow("submission rejected", "nick", nick, "error", err)
	return nil
}

// handleCommand answers !-prefixed channel commands.
func (b *Broadcaster) handleCommand(ctx context.Context, nick, text string) error {
	fields := strings.Fields(text)
	switch fields[0] {
	case "!scores":
		scores, err := b.game.Scores(ctx)
		if err != nil {
			return fmt.Errorf("scores: %w", err)
		}
		return b.client.Privmsg(ctx, irc.Channel(b.channel), FormatScores(scores))

	case "!auth":
		if b.operator == nil {
			return b.client.Privmsg(ctx, irc.Channel(b.channel), "AUTH:DISABLED")
		}
		if len(fields) == 2 && b.operator.Verify(fields[1]) {
			b.mu.Lock()
			b.authed[nick] = true
			b.mu.Unlock()
			b.logger.Infow("operator authenticated", "nick", nick)
			return b.client.Privmsg(ctx, irc.Channel(b.channel), "AUTH:OK:"+nick)
		}
		b.logger.Warnw("operator auth failed", "nick", nick)
		return b.client.Privmsg(ctx, irc.Channel(b.channel), "AUTH:DENIED:"+nick)

	case "!difficulty":
		if !b.isAuthed(nick) {
			return b.client.Privmsg(ctx, irc.Channel(b.channel), "DIFFICULTY:DENIED:"+nick)
		}
		if len(fields) != 2 {
			return b.client.Privmsg(ctx, irc.Channel(b.channel), "DIFFICULTY:USAGE:!difficulty <1-64>")
		}
		d, err := strconv.Atoi(fields[1])
		if err != nil || d < 1 || d > 64 {
			return b.client.Privmsg(ctx, irc.Channel(b.channel), "DIFFICULTY:USAGE:!difficulty <1-64>")
		}
		b.game.SetDifficulty(d)
		return b.client.Privmsg(ctx, irc.Channel(b.channel), "DIFFICULTY:"+fields[1])

	default:
		b.logger.Debugw("unknown channel command", "nick", nick, "text", text)
		return nil
	}
}

func (b *Broadcaster) isAuthed(nick string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authed[nick]
}

func (b *Broadcaster) reject(reason string) {
	if b.metrics != nil {
		b.metrics.SubmissionsRejected.WithLabelValues(reason).Inc()
	}
}

// FormatScores renders the scoreboard as a single channel line.
func FormatScores(scores []game.Score) string {
	if len(scores) == 0 {
		return "SCORES:none"
	}
	parts := make([]string, 0, len(scores)+1)
	parts = append(parts, "SCORES")
	for _, s := range scores {
		parts = append(parts, fmt.Sprintf("%s=%d", s.Miner, s.Awards))
	}
	return strings.Join(parts, ":")
}
