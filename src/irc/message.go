package irc

import (
	"fmt"
	"strings"
)

// Message is a single IRC protocol line, split into its prefix (source),
// command, middle params and trailing text.
type Message struct {
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// ParseMessage parses a raw IRC line of the form
// "[:prefix] COMMAND param1 param2 :trailing".
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyMessage
	}

	msg := &Message{}
	rest := line

	if strings.HasPrefix(rest, ":") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("line %q has a prefix but no command", line)
		}
		msg.Prefix = rest[1:sp]
		rest = rest[sp+1:]
	}

	if i := strings.Index(rest, " :"); i >= 0 {
		msg.Trailing = rest[i+2:]
		rest = rest[:i]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, fmt.Errorf("line %q has no command", line)
	}
	msg.Command = strings.ToUpper(fields[0])
	msg.Params = fields[1:]

	return msg, nil
}

// String renders the message back into wire format, without the CRLF.
func (m *Message) String() string {
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	for _, p := range m.Params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	if m.Trailing != "" {
		b.WriteString(" :")
		b.WriteString(m.Trailing)
	}
	return b.String()
}

// Nick extracts the sender's nickname from the prefix ("nick!user@host").
func (m *Message) Nick() string {
	if i := strings.IndexByte(m.Prefix, '!'); i >= 0 {
		return m.Prefix[:i]
	}
	return m.Prefix
}

// Text returns the trailing part, which carries the payload of PRIVMSG and
// PING messages.
func (m *Message) Text() string {
	return m.Trailing
}

// Target returns the first middle param, the destination of a PRIVMSG.
func (m *Message) Target() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[0]
}
