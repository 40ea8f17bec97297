package socket

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Default configuration values.
const (
	// defaultBufferSize is the size of a transport's write channel.
	defaultBufferSize = 64
	// defaultMaxBufferSize is the largest unsplit inbound tail a socket keeps (1MB).
	defaultMaxBufferSize = 1024 * 1024
	// defaultLinger bounds how long End waits for a peer to take queued output.
	defaultLinger = 5 * time.Second
)

// options holds the configuration for a socket and its transports.
type options struct {
	logger Logger

	transport TransportFunc
	dialer    Dialer

	splitter Splitter
	pattern  *string
	regexp   *regexp.Regexp

	encoding encoding.Encoding
	charset  string
	raw      bool

	maxBufferSize int           // largest unsplit inbound tail
	bufferSize    int           // size of a transport's write channel
	readSize      int           // size of each stream read
	idleTimeout   time.Duration // read deadline; zero disables it
	linger        time.Duration // write deadline set by End
	proxyVersion  byte          // PROXY protocol header version; zero disables it

	err error // first invalid option, reported by checkOptions
}

// Option is a function that configures socket options.
type Option func(*options)

// checkOptions validates options, fills in defaults and resolves the splitter
// and charset once, so the framing path never inspects configuration again.
func checkOptions(opts *options) error {
	if opts.err != nil {
		return opts.err
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxBufferSize <= 0 {
		opts.maxBufferSize = defaultMaxBufferSize
	}

	if opts.readSize <= 0 {
		opts.readSize = defaultReadSize
	}

	if opts.linger <= 0 {
		opts.linger = defaultLinger
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.proxyVersion > 2 {
		return errors.Errorf("unsupported proxy protocol version %d", opts.proxyVersion)
	}

	switch {
	case opts.splitter != nil:
	case opts.regexp != nil:
		opts.splitter = PatternSplitter(opts.regexp)
	case opts.pattern != nil:
		re, err := regexp.Compile(*opts.pattern)
		if err != nil {
			return errors.Wrapf(ErrInvalidPattern, "%q: %v", *opts.pattern, err)
		}
		opts.splitter = PatternSplitter(re)
	default:
		opts.splitter = WholeBuffer()
	}

	if opts.charset != "" {
		enc, err := lookupCharset(opts.charset)
		if err != nil {
			return err
		}
		opts.encoding = enc
	}
	if opts.encoding == nil {
		opts.encoding = unicode.UTF8
	}

	if opts.transport == nil {
		dial := opts.dialer
		if dial == nil {
			dial = DialTCP
		}
		snapshot := *opts
		opts.transport = func() Transport {
			return newPipeTransport(streamOpener(dial, &snapshot), &snapshot)
		}
	}

	return nil
}

// transportOptions applies opt for a standalone transport constructor.
func transportOptions(opt []Option) *options {
	opts := &options{}
	for _, o := range opt {
		o(opts)
	}
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}
	if opts.readSize <= 0 {
		opts.readSize = defaultReadSize
	}
	if opts.linger <= 0 {
		opts.linger = defaultLinger
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	return opts
}

// TransportOption sets the factory used for each connection attempt.
// It overrides DialerOption.
func TransportOption(f TransportFunc) Option {
	return func(o *options) {
		o.transport = f
	}
}

// DialerOption sets the dialer of the default stream transport. The default is DialTCP.
func DialerOption(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// SplitterOption sets the rule that cuts the inbound stream into messages.
// A nil splitter makes New fail with ErrInvalidSplitter.
func SplitterOption(s Splitter) Option {
	return func(o *options) {
		if s == nil {
			o.err = errors.Wrap(ErrInvalidSplitter, "nil splitter")
			return
		}
		o.splitter = s
	}
}

// PatternOption splits the stream with a regular expression; see PatternSplitter.
// An invalid pattern makes New fail with ErrInvalidPattern.
func PatternOption(pattern string) Option {
	return func(o *options) {
		o.pattern = &pattern
	}
}

// RegexpOption splits the stream with a compiled regular expression.
func RegexpOption(re *regexp.Regexp) Option {
	return func(o *options) {
		o.regexp = re
	}
}

// EncodingOption sets the charset of text mode. The default is UTF-8.
func EncodingOption(enc encoding.Encoding) Option {
	return func(o *options) {
		o.encoding = enc
	}
}

// CharsetOption sets the charset of text mode by its WHATWG label, e.g. "latin1".
func CharsetOption(name string) Option {
	return func(o *options) {
		o.charset = name
	}
}

// RawBytesOption disables text decoding: messages carry the bytes as received.
func RawBytesOption() Option {
	return func(o *options) {
		o.raw = true
	}
}

// MessageMaxSize sets the largest inbound tail kept while waiting for a
// message to complete. Exceeding it fails the socket with ErrMessageTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxBufferSize = size
	}
}

// BufferSizeOption sets the size of a transport's write channel.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadSizeOption sets the size of the buffer each stream read fills.
func ReadSizeOption(size int) Option {
	return func(o *options) {
		o.readSize = size
	}
}

// IdleTimeoutOption closes the connection when nothing is received for d.
// The next Send opens a new one.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// LingerOption bounds how long a connection being ended keeps writing queued
// payloads to a peer that does not read them.
func LingerOption(d time.Duration) Option {
	return func(o *options) {
		o.linger = d
	}
}

// ProxyHeaderOption makes stream transports send a PROXY protocol header
// (version 1 or 2) right after connecting.
func ProxyHeaderOption(version byte) Option {
	return func(o *options) {
		o.proxyVersion = version
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
