// Package irc implements a minimal line-oriented IRC client: registration,
// channel join, PRIVMSG, and a handler dispatch loop with automatic
// PING/PONG replies.
package irc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxLineLen is the protocol's message size limit, excluding the CRLF.
const maxLineLen = 510

// Outgoing flood throttle. PONG replies bypass it so the server's liveness
// checks are always answered promptly.
const (
	sendRate  = 2 // lines per second, sustained
	sendBurst = 5
)

// Handler processes one parsed incoming message. Returning an error stops
// the dispatch loop.
type Handler func(ctx context.Context, msg *Message) error

// Client is a connection to an IRC server.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	wmu     sync.Mutex
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	nick string
}

// NewClient wraps an established connection. The logger may be nil.
func NewClient(conn net.Conn, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		logger:  logger,
	}
}

// Dial connects to the IRC server at host:port.
func Dial(ctx context.Context, host string, port int, logger *zap.SugaredLogger) (*Client, error) {
	var d net.Dialer
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, logger), nil
}

// Register introduces the client to the server with USER and NICK.
func (c *Client) Register(ctx context.Context, name string) error {
	if err := c.send(ctx, fmt.Sprintf("USER %s 0 * :%s", name, name)); err != nil {
		return err
	}
	if err := c.send(ctx, "NICK "+name); err != nil {
		return err
	}
	c.nick = name
	c.logger.Infow("registered", "nick", name)
	return nil
}

// Nick returns the nickname the client registered with.
func (c *Client) Nick() string {
	return c.nick
}

// Join enters a channel. The leading '#' is added when missing.
func (c *Client) Join(ctx context.Context, channel string) error {
	return c.send(ctx, "JOIN "+Channel(channel))
}

// Privmsg sends text to a channel or nick.
func (c *Client) Privmsg(ctx context.Context, target, text string) error {
	return c.send(ctx, fmt.Sprintf("PRIVMSG %s :%s", target, text))
}

// Pong answers a server PING. It skips the flood throttle.
func (c *Client) Pong(token string) error {
	line := "PONG"
	if token != "" {
		line += " :" + token
	}
	return c.write(line)
}

// Quit tells the server we are leaving. Close still has to be called.
func (c *Client) Quit(ctx context.Context, reason string) error {
	line := "QUIT"
	if reason != "" {
		line += " :" + reason
	}
	return c.send(ctx, line)
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Handle reads and dispatches messages until the context is cancelled, the
// connection drops, or a handler fails. Server PINGs are answered before
// dispatch, so handlers see them but need not reply.
func (c *Client) Handle(ctx context.Context, handlers ...Handler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrConnectionClosed
			}
			return fmt.Errorf("read: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.Warnw("ignoring unparsable line", "line", line, "error", err)
			continue
		}

		if msg.Command == "PING" {
			if err := c.Pong(msg.Text()); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			c.logger.Debugw("received PING, sent PONG", "token", msg.Text())
		}

		for _, h := range handlers {
			if err := h(ctx, msg); err != nil {
				return fmt.Errorf("handler for %s: %w", msg.Command, err)
			}
		}
	}
}

// send writes one line, honoring the flood throttle.
func (c *Client) send(ctx context.Context, line string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.write(line)
}

func (c *Client) write(line string) error {
	if len(line) > maxLineLen {
		line = line[:maxLineLen]
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Channel normalizes a channel name to its wire form with a leading '#'.
func Channel(name string) string {
	if strings.HasPrefix(name, "#") {
		return name
	}
	return "#" + name
}
