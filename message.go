package socket

import "github.com/pkg/errors"

// Message is one complete application-level message cut from the inbound stream.
// In text mode the bytes are UTF-8, decoded from the configured charset.
type Message []byte

// Length returns the length of the message body.
func (m Message) Length() int {
	return len(m)
}

// Body returns the raw message data.
func (m Message) Body() []byte {
	return m
}

func (m Message) String() string {
	return string(m)
}

// Errors returned by socket operations.
var (
	// ErrSocketClosed is returned by operations on a socket after Close.
	ErrSocketClosed = errors.New("socket closed")
	// ErrSplitterStalled is raised when a splitter reports messages without
	// consuming input, or returns a leftover longer than its input.
	ErrSplitterStalled = errors.New("splitter made no progress")
	// ErrMessageTooLarge is raised when the unsplit inbound buffer exceeds
	// the configured maximum.
	ErrMessageTooLarge = errors.New("message too large")
)

// Configuration errors returned by New.
var (
	ErrInvalidAddr      = errors.New("invalid address")
	ErrInvalidSplitter  = errors.New("invalid splitter")
	ErrInvalidPattern   = errors.New("invalid split pattern")
	ErrInvalidTransport = errors.New("invalid transport")
	ErrUnknownCharset   = errors.New("unknown charset")
)
