package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTCPFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := newTCPConn(server)
	cc := newTCPConn(client)

	msg := []byte("find_node question body")
	errCh := make(chan error, 1)
	go func() { errCh <- sc.Send(msg) }()

	got, err := cc.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, msg, got)
}

func TestTCPFrameOversizeRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	sc := newTCPConn(server)

	err := sc.Send(make([]byte, MaxTCPFrameSize+1))
	require.Error(t, err)
}
