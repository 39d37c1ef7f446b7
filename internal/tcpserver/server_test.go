package tcpserver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/beacon/internal/model"
)

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()

	s := NewServer("", nil)
	assert.Equal(t, DefaultAddr, s.Addr())
}

func TestNewServer_UsesConfiguredAddressAndBuffers(t *testing.T) {
	t.Parallel()

	s := NewServer("0.0.0.0:5000", nil, ServerConfig{LineChannelSize: 64, MaxLineSize: 2048})
	assert.Equal(t, "0.0.0.0:5000", s.Addr())
	assert.Equal(t, 64, cap(s.lines))
	assert.Equal(t, 2048, s.maxLineSize)
}

func TestServer_DeliversLinesAndSkipsBlank(t *testing.T) {
	s := NewServer("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, s.Start())

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte("first\n\nsecond\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	var got []model.Envelope
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case env := <-s.Lines():
			got = append(got, env)
		case <-timeout:
			t.Fatalf("received %d lines before timeout", len(got))
		}
	}
	assert.Equal(t, []model.Envelope{{Source: "tcp", Line: "first"}, {Source: "tcp", Line: "second"}}, got)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	_, ok := <-s.Lines()
	assert.False(t, ok)
}
