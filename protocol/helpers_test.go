package protocol

import (
	"net"
	"testing"
	"time"
)

// pipePacketConns opens two real loopback UDP sockets for tests to exchange
// datagrams over, returning the first's net.PacketConn, the second's, and
// the second's address as seen from the first (the send target).
func pipePacketConns(t *testing.T) (net.PacketConn, net.PacketConn, net.Addr) {
	t.Helper()
	pc1, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen pc1: %v", err)
	}
	pc2, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen pc2: %v", err)
	}
	remote2 := pc2.LocalAddr()
	return pc1, pc2, remote2
}

func fixedTime() time.Time { return time.Now() }
