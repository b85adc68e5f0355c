package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWSRoundTrip(t *testing.T) {
	ln, err := ListenWS("127.0.0.1:0", "/veilid", nil)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.ln.Addr().String()

	serverMsgCh := make(chan []byte, 1)
	go func() {
		sc, _, err := ln.Accept()
		if err != nil {
			return
		}
		frame, err := sc.ReadFrame()
		if err == nil {
			serverMsgCh <- frame
		}
	}()

	client, err := DialWS("ws", addr, "/veilid", 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	msg := []byte("signal operation body")
	require.NoError(t, client.Send(msg))

	select {
	case got := <-serverMsgCh:
		require.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}
}
