package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"veilidcore/conn"
)

func TestUDPSmallMessageSingleDatagram(t *testing.T) {
	pc1, pc2, remote2 := pipePacketConns(t)
	defer pc1.Close()
	defer pc2.Close()

	c := newUDPConn(pc1, remote2)
	msg := []byte("short status question")
	require.NoError(t, c.Send(msg))

	buf := make([]byte, MaxUDPDatagram)
	n, _, err := pc2.ReadFrom(buf)
	require.NoError(t, err)

	df, err := DecodeFrame(buf[:n])
	require.NoError(t, err)
	require.False(t, df.Fragmented)
	require.Equal(t, msg, df.Complete)
}

func TestUDPFragmentationReassembly(t *testing.T) {
	pc1, pc2, remote2 := pipePacketConns(t)
	defer pc1.Close()
	defer pc2.Close()

	c := newUDPConn(pc1, remote2)
	big := make([]byte, udpFragmentThreshold*3)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, c.Send(big))

	assembler := conn.NewAssemblyBuffer(1e9, MaxUDPDatagram*8, 16)
	var got []byte
	for {
		buf := make([]byte, MaxUDPDatagram)
		n, addr, err := pc2.ReadFrom(buf)
		require.NoError(t, err)
		df, err := DecodeFrame(buf[:n])
		require.NoError(t, err)
		require.True(t, df.Fragmented)

		complete, done, err := assembler.Add(conn.Fragment{
			RemoteAddr: addr.String(),
			MessageID:  df.MessageID,
			ChunkIndex: df.ChunkIndex,
			ChunkCount: df.ChunkCount,
			Data:       df.Data,
		}, fixedTime())
		require.NoError(t, err)
		if done {
			got = complete
			break
		}
	}
	require.Equal(t, big, got)
}
