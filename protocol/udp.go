package protocol

import (
	"encoding/binary"
	"net"

	"github.com/sirupsen/logrus"

	verrors "veilidcore/pkg/errors"
)

// MaxUDPDatagram is the UDP-friendly ceiling shared with the envelope codec
//.
const MaxUDPDatagram = 65507

// udpFragmentThreshold is the per-datagram payload size above which Send
// splits into self-describing chunks for the Connection Manager's assembly
// buffer to reassemble.
const udpFragmentThreshold = 1200

// fragmentHeaderLen: message_id(4) + chunk_index(2) + chunk_count(2).
const fragmentHeaderLen = 8

// udpConn sends to one fixed remote address over a shared UDP socket,
// splitting oversized payloads into fragments the peer's Connection Manager
// reassembles via (message_id, chunk_index, chunk_count).
type udpConn struct {
	pc        net.PacketConn
	remote    net.Addr
	nextMsgID uint32
}

func newUDPConn(pc net.PacketConn, remote net.Addr) *udpConn {
	return &udpConn{pc: pc, remote: remote}
}

func (c *udpConn) Send(b []byte) error {
	if len(b) > MaxUDPDatagram {
		return verrors.Newf(verrors.InvalidArgument, "protocol: udp message %d bytes exceeds max %d", len(b), MaxUDPDatagram)
	}
	if len(b) <= udpFragmentThreshold {
		return c.sendDatagram(append([]byte{0}, b...)) // chunkCount=1 signalled by prefix byte 0
	}

	c.nextMsgID++
	msgID := c.nextMsgID
	chunkSize := udpFragmentThreshold - fragmentHeaderLen - 1
	total := (len(b) + chunkSize - 1) / chunkSize
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(b) {
			end = len(b)
		}
		frame := make([]byte, 1+fragmentHeaderLen+(end-start))
		frame[0] = 1 // fragmented marker
		binary.BigEndian.PutUint32(frame[1:5], msgID)
		binary.BigEndian.PutUint16(frame[5:7], uint16(i))
		binary.BigEndian.PutUint16(frame[7:9], uint16(total))
		copy(frame[9:], b[start:end])
		if err := c.sendDatagram(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *udpConn) sendDatagram(frame []byte) error {
	if _, err := c.pc.WriteTo(frame, c.remote); err != nil {
		return verrors.WrapKind(verrors.NoConnection, err, "protocol: udp write")
	}
	return nil
}

func (c *udpConn) Close() error { return nil } // shared socket outlives any one peer's udpConn

// DecodeFrame parses one received UDP datagram into either a complete
// message (fragmented=false) or a Fragment for the assembly buffer.
type DecodedFrame struct {
	Fragmented bool
	Complete   []byte
	MessageID  uint32
	ChunkIndex uint16
	ChunkCount uint16
	Data       []byte
}

func DecodeFrame(raw []byte) (DecodedFrame, error) {
	if len(raw) == 0 {
		return DecodedFrame{}, verrors.New(verrors.InvalidFraming, "protocol: empty udp datagram")
	}
	switch raw[0] {
	case 0:
		return DecodedFrame{Complete: raw[1:]}, nil
	case 1:
		if len(raw) < 1+fragmentHeaderLen {
			return DecodedFrame{}, verrors.New(verrors.InvalidFraming, "protocol: udp fragment header truncated")
		}
		return DecodedFrame{
			Fragmented: true,
			MessageID:  binary.BigEndian.Uint32(raw[1:5]),
			ChunkIndex: binary.BigEndian.Uint16(raw[5:7]),
			ChunkCount: binary.BigEndian.Uint16(raw[7:9]),
			Data:       raw[9:],
		}, nil
	default:
		return DecodedFrame{}, verrors.Newf(verrors.InvalidFraming, "protocol: unknown udp frame marker %d", raw[0])
	}
}

// UDPSocket is the shared listening socket all udpConn handles for inbound
// peers multiplex over.
type UDPSocket struct {
	pc net.PacketConn
}

func ListenUDP(addr string) (*UDPSocket, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: udp listen")
	}
	logrus.Infof("protocol: udp listening on %s", addr)
	return &UDPSocket{pc: pc}, nil
}

// ReadFrom blocks for the next inbound datagram.
func (s *UDPSocket) ReadFrom() ([]byte, net.Addr, error) {
	buf := make([]byte, MaxUDPDatagram)
	n, addr, err := s.pc.ReadFrom(buf)
	if err != nil {
		return nil, nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: udp read")
	}
	return buf[:n], addr, nil
}

// ConnFor returns a udpConn handle addressed to remote, sharing this
// socket's underlying net.PacketConn.
func (s *UDPSocket) ConnFor(remote net.Addr) *udpConn {
	return newUDPConn(s.pc, remote)
}

func (s *UDPSocket) Close() error { return s.pc.Close() }
