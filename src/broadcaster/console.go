package broadcaster

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Console is the broadcaster's interactive command line:
//
//	t      broadcast a new transaction
//	s      print the scoreboard
//	d <n>  set the difficulty for future transactions
//	q      quit
type Console struct {
	in     io.Reader
	out    io.Writer
	logger *zap.SugaredLogger
}

// NewConsole reads commands from in and writes replies to out.
func NewConsole(in io.Reader, out io.Writer, logger *zap.SugaredLogger) *Console {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Console{in: in, out: out, logger: logger}
}

// run executes console commands against the broadcaster until quit, EOF or
// cancellation. Reading happens on its own goroutine because stdin cannot
// be interrupted.
func (c *Console) run(ctx context.Context, b *Broadcaster) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "commands: t=transaction s=scores d <n>=difficulty q=quit")
	for {
		fmt.Fprint(c.out, ">>> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return ErrQuit
			}
			if err := c.dispatch(ctx, b, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func (c *Console) dispatch(ctx context.Context, b *Broadcaster, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "t":
		if err := b.BroadcastTransaction(ctx); err != nil {
			c.logger.Errorw("broadcast failed", "error", err)
			fmt.Fprintf(c.out, "error: %v\n", err)
		}

	case "s":
		scores, err := b.game.Scores(ctx)
		if err != nil {
			c.logger.Errorw("scores failed", "error", err)
			fmt.Fprintf(c.out, "error: %v\n", err)
			return nil
		}
		if len(scores) == 0 {
			fmt.Fprintln(c.out, "no awards yet")
			return nil
		}
		for _, s := range scores {
			fmt.Fprintf(c.out, "%-20s %d\n", s.Miner, s.Awards)
		}

	case "d":
		if len(fields) != 2 {
			fmt.Fprintln(c.out, "usage: d <difficulty>")
			return nil
		}
		d, err := strconv.Atoi(fields[1])
		if err != nil || d < 1 || d > 64 {
			fmt.Fprintln(c.out, "difficulty must be between 1 and 64")
			return nil
		}
		b.game.SetDifficulty(d)
		fmt.Fprintf(c.out, "difficulty set to %d\n", d)

	case "q":
		return ErrQuit

	default:
		fmt.Fprintf(c.out, "unknown command %q\n", fields[0])
	}

	return nil
}
