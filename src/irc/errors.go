package irc

import "errors"

var (
	// ErrEmptyMessage is returned when parsing a blank line.
	ErrEmptyMessage = errors.New("empty message")

	// ErrConnectionClosed is returned by Handle when the server closes
	// the connection.
	ErrConnectionClosed = errors.New("connection closed by server")
)
