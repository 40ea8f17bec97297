package socket

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "MSGSOCK_"

// Config describes a socket in environment variables, for example:
//
//	MSGSOCK_ADDR=127.0.0.1:7000
//	MSGSOCK_NETWORK=tcp
//	MSGSOCK_PATTERN=(.*)\n
//	MSGSOCK_CHARSET=utf-8
type Config struct {
	Addr    string `env:"ADDR,required,notEmpty"`
	Network string `env:"NETWORK" envDefault:"tcp"` // tcp, unix, kcp or ws

	// Pattern and LengthPrefix select the splitter; set at most one.
	Pattern      string `env:"PATTERN"`
	LengthPrefix int    `env:"LENGTH_PREFIX"`

	Charset string `env:"CHARSET" envDefault:"utf-8"`
	Raw     bool   `env:"RAW"`

	MaxMessageSize int           `env:"MAX_MESSAGE_SIZE" envDefault:"1048576"`
	BufferSize     int           `env:"BUFFER_SIZE" envDefault:"64"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT"`
	ProxyProtocol  int           `env:"PROXY_PROTOCOL"`
}

// LoadConfig reads a Config from MSGSOCK_* environment variables.
// Any files given are loaded first in dotenv format; variables that are
// already set take precedence over the files.
func LoadConfig(files ...string) (Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, errors.Wrap(err, "load env files")
		}
	}

	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return Config{}, errors.Wrap(err, "load socket config")
	}
	return cfg, nil
}

// Options translates the config into socket options.
func (c Config) Options() ([]Option, error) {
	if c.Pattern != "" && c.LengthPrefix > 0 {
		return nil, errors.Wrap(ErrInvalidSplitter, "both pattern and length prefix set")
	}
	if c.ProxyProtocol < 0 || c.ProxyProtocol > 2 {
		return nil, errors.Errorf("unsupported proxy protocol version %d", c.ProxyProtocol)
	}

	opts := []Option{
		MessageMaxSize(c.MaxMessageSize),
		BufferSizeOption(c.BufferSize),
		IdleTimeoutOption(c.IdleTimeout),
		ProxyHeaderOption(byte(c.ProxyProtocol)),
	}

	switch {
	case c.Pattern != "":
		opts = append(opts, PatternOption(c.Pattern))
	case c.LengthPrefix > 0:
		splitter, err := LengthPrefixed(c.LengthPrefix, c.MaxMessageSize)
		if err != nil {
			return nil, err
		}
		opts = append(opts, SplitterOption(splitter))
	}

	if c.Raw {
		opts = append(opts, RawBytesOption())
	} else if c.Charset != "" {
		opts = append(opts, CharsetOption(c.Charset))
	}

	switch strings.ToLower(c.Network) {
	case "", "tcp":
		opts = append(opts, DialerOption(DialTCP))
	case "unix":
		opts = append(opts, DialerOption(DialUnix))
	case "kcp":
		opts = append(opts, DialerOption(DialKCP))
	case "ws", "wss", "websocket":
		// resolved in FromConfig, which needs the finished option list
	default:
		return nil, errors.Wrapf(ErrInvalidTransport, "network %q", c.Network)
	}

	return opts, nil
}

// FromConfig creates a socket described by c. extra options are applied last.
func FromConfig(c Config, extra ...Option) (*Socket, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)

	switch strings.ToLower(c.Network) {
	case "ws", "wss", "websocket":
		opts = append(opts, TransportOption(NewWebSocketTransport(nil, nil, opts...)))
	}

	return New(c.Addr, opts...)
}
