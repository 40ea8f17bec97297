package socket

import (
	"encoding/binary"
	"regexp"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Splitter cuts an accumulated inbound buffer into complete messages.
//
// Split returns the messages found, in stream order, and the unconsumed tail.
// The tail is prepended to the next chunk before Split is called again.
// A non-nil error is fatal to the socket.
type Splitter interface {
	Split(buf []byte) (messages []Message, leftover []byte, err error)
}

// SplitFunc adapts an ordinary function to the Splitter interface.
type SplitFunc func(buf []byte) ([]Message, []byte, error)

// Split calls f(buf).
func (f SplitFunc) Split(buf []byte) ([]Message, []byte, error) {
	return f(buf)
}

// WholeBuffer returns the default splitter: every non-empty buffer is a single message.
func WholeBuffer() Splitter {
	return SplitFunc(func(buf []byte) ([]Message, []byte, error) {
		if len(buf) == 0 {
			return nil, nil, nil
		}
		return []Message{Message(buf)}, nil, nil
	})
}

type patternSplitter struct {
	re *regexp.Regexp
}

// PatternSplitter returns a splitter that emits one message per match of re.
//
// If re has a capture group and the group took part in the match, the group's
// text is the message; otherwise the whole match is. Groups after the first
// are ignored. A zero-width match emits an empty message and the scan then
// skips one character, so the splitter always makes progress. A zero-width
// match at the end of the buffer is left for the next chunk.
//
// Each match is searched for from where the previous one ended, so ^ and \A
// anchor to that position rather than to the start of the buffer. A pattern
// such as ^(\w+); only matches messages that follow each other directly.
func PatternSplitter(re *regexp.Regexp) Splitter {
	return &patternSplitter{re: re}
}

func (p *patternSplitter) Split(buf []byte) ([]Message, []byte, error) {
	var (
		messages []Message
		pos      int
	)

	grouped := p.re.NumSubexp() > 0

	for pos <= len(buf) {
		loc := p.re.FindSubmatchIndex(buf[pos:])
		if loc == nil {
			break
		}

		start, end := pos+loc[0], pos+loc[1]
		if start == end && start == len(buf) {
			break
		}

		msg := buf[start:end]
		if grouped && loc[2] >= 0 {
			msg = buf[pos+loc[2] : pos+loc[3]]
		}
		messages = append(messages, cloneMessage(msg))

		if start != end {
			pos = end
			continue
		}

		// zero-width: step over one rune so the next search starts further on
		_, size := utf8.DecodeRune(buf[end:])
		pos = end + size
	}

	if pos > len(buf) {
		pos = len(buf)
	}
	return messages, buf[pos:], nil
}

// LengthPrefixed returns a splitter for frames made of a big-endian length
// header of size bytes (1, 2, 4 or 8) followed by that many bytes of body.
// Frames whose declared length exceeds max are rejected with ErrMessageTooLarge;
// max <= 0 means no limit.
func LengthPrefixed(size int, max int) (Splitter, error) {
	if !validPrefixSize(size) {
		return nil, errors.Wrapf(ErrInvalidSplitter, "length prefix of %d bytes", size)
	}

	return SplitFunc(func(buf []byte) ([]Message, []byte, error) {
		var messages []Message
		for len(buf) >= size {
			n := readPrefix(buf[:size])
			if max > 0 && n > uint64(max) {
				return nil, nil, errors.Wrapf(ErrMessageTooLarge, "frame declares %d bytes", n)
			}
			if uint64(len(buf)-size) < n {
				break
			}
			end := size + int(n)
			messages = append(messages, cloneMessage(buf[size:end]))
			buf = buf[end:]
		}
		return messages, buf, nil
	}), nil
}

// EncodeLengthPrefixed frames p for a peer that splits with LengthPrefixed(size, ...).
func EncodeLengthPrefixed(size int, p []byte) ([]byte, error) {
	if !validPrefixSize(size) {
		return nil, errors.Wrapf(ErrInvalidSplitter, "length prefix of %d bytes", size)
	}
	if size < 8 && uint64(len(p)) >= 1<<(8*uint(size)) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes do not fit a %d byte prefix", len(p), size)
	}

	out := make([]byte, size+len(p))
	switch size {
	case 1:
		out[0] = byte(len(p))
	case 2:
		binary.BigEndian.PutUint16(out, uint16(len(p)))
	case 4:
		binary.BigEndian.PutUint32(out, uint32(len(p)))
	case 8:
		binary.BigEndian.PutUint64(out, uint64(len(p)))
	}
	copy(out[size:], p)
	return out, nil
}

func validPrefixSize(size int) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

func readPrefix(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}

// checkSplit validates a splitter result against the buffer it was given.
func checkSplit(buf []byte, messages []Message, leftover []byte) error {
	if len(leftover) > len(buf) {
		return errors.Wrapf(ErrSplitterStalled, "leftover of %d bytes from a %d byte buffer", len(leftover), len(buf))
	}
	if len(messages) > 0 && len(buf) > 0 && len(leftover) == len(buf) {
		return errors.Wrapf(ErrSplitterStalled, "%d messages without consuming input", len(messages))
	}
	return nil
}

func cloneMessage(b []byte) Message {
	m := make(Message, len(b))
	copy(m, b)
	return m
}
