package socket

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("MSGSOCK_ADDR", "127.0.0.1:7000")
	t.Setenv("MSGSOCK_PATTERN", `(.*)\n`)
	t.Setenv("MSGSOCK_IDLE_TIMEOUT", "30s")
	t.Setenv("MSGSOCK_PROXY_PROTOCOL", "2")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
	assert.Equal(t, "tcp", cfg.Network)
	assert.Equal(t, `(.*)\n`, cfg.Pattern)
	assert.Equal(t, "utf-8", cfg.Charset)
	assert.Equal(t, 1048576, cfg.MaxMessageSize)
	assert.Equal(t, 64, cfg.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 2, cfg.ProxyProtocol)
	assert.False(t, cfg.Raw)
}

func TestLoadConfig_MissingAddr(t *testing.T) {
	t.Setenv("MSGSOCK_ADDR", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestConfig_Options(t *testing.T) {
	cfg := Config{
		Addr:           "127.0.0.1:7000",
		Network:        "unix",
		LengthPrefix:   4,
		Raw:            true,
		MaxMessageSize: 128,
		BufferSize:     8,
		IdleTimeout:    time.Second,
		ProxyProtocol:  1,
	}

	opt, err := cfg.Options()
	require.NoError(t, err)

	opts := &options{}
	for _, o := range opt {
		o(opts)
	}
	require.NoError(t, checkOptions(opts))

	assert.True(t, opts.raw)
	assert.Equal(t, 128, opts.maxBufferSize)
	assert.Equal(t, 8, opts.bufferSize)
	assert.Equal(t, time.Second, opts.idleTimeout)
	assert.Equal(t, byte(1), opts.proxyVersion)
	assert.NotNil(t, opts.dialer)

	frame, err := EncodeLengthPrefixed(4, []byte("hi"))
	require.NoError(t, err)
	messages, _, err := opts.splitter.Split(frame)
	require.NoError(t, err)
	assert.Equal(t, []Message{Message("hi")}, messages)
}

func TestConfig_OptionsErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		target error
	}{
		{"two splitters", Config{Addr: "a:1", Pattern: `\n`, LengthPrefix: 2}, ErrInvalidSplitter},
		{"bad prefix", Config{Addr: "a:1", LengthPrefix: 3}, ErrInvalidSplitter},
		{"unknown network", Config{Addr: "a:1", Network: "sctp"}, ErrInvalidTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Options()
			assert.ErrorIs(t, err, tt.target)
		})
	}

	_, err := Config{Addr: "a:1", ProxyProtocol: 3}.Options()
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	s, err := FromConfig(Config{
		Addr:           "127.0.0.1:7000",
		Network:        "kcp",
		Pattern:        `(.*)\n`,
		Charset:        "latin1",
		MaxMessageSize: 1024,
	}, LoggerOption(&mockLogger{}))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "127.0.0.1:7000", s.Addr())
	assert.Equal(t, StateAbsent, s.State())

	ws, err := FromConfig(Config{Addr: "ws://127.0.0.1:7000/", Network: "ws"}, LoggerOption(&mockLogger{}))
	require.NoError(t, err)
	defer ws.Close()

	_, err = FromConfig(Config{Addr: "127.0.0.1:7000", Charset: "klingon"})
	assert.ErrorIs(t, err, ErrUnknownCharset)

	_, err = FromConfig(Config{Addr: "", Network: "tcp"})
	assert.ErrorIs(t, err, ErrInvalidAddr)
}

func TestFromConfig_RoundTrip(t *testing.T) {
	handler := newEchoHandler(t)
	server := startServer(t, handler)

	t.Setenv("MSGSOCK_ADDR", server.Addr().String())
	t.Setenv("MSGSOCK_PATTERN", `(.*)\n`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	s, err := FromConfig(cfg, LoggerOption(&mockLogger{}))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "echo:configured", roundTrip(t, s, "configured"))
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "socket.env")
	require.NoError(t, os.WriteFile(path, []byte("MSGSOCK_ADDR=10.0.0.1:9000\nMSGSOCK_NETWORK=kcp\nMSGSOCK_RAW=true\n"), 0o600))
	t.Cleanup(func() {
		for _, key := range []string{"MSGSOCK_ADDR", "MSGSOCK_NETWORK", "MSGSOCK_RAW"} {
			_ = os.Unsetenv(key)
		}
	})

	// variables already in the environment win over the file
	t.Setenv("MSGSOCK_NETWORK", "tcp")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "tcp", cfg.Network)
	assert.True(t, cfg.Raw)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
