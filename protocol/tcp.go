// Package protocol implements the UDP/TCP/WS/WSS transport handlers: each
// protocol's accept-and-send surface, wired to conn.Connection so the
// Connection Manager never needs to know which transport backs a Flow.
package protocol

import (
	"bufio"
	"encoding/binary"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	verrors "veilidcore/pkg/errors"
)

// MaxTCPFrameSize bounds one length-prefixed TCP frame to the same ceiling
// as a UDP envelope.
const MaxTCPFrameSize = 65507

// tcpConn frames outgoing writes with a 2-byte big-endian length prefix, per
// ("TCP (framed by 2-byte length prefix)").
type tcpConn struct {
	nc     net.Conn
	reader *bufio.Reader
}

func newTCPConn(nc net.Conn) *tcpConn {
	return &tcpConn{nc: nc, reader: bufio.NewReader(nc)}
}

func (c *tcpConn) Send(b []byte) error {
	if len(b) > MaxTCPFrameSize {
		return verrors.Newf(verrors.InvalidArgument, "protocol: tcp frame %d bytes exceeds max %d", len(b), MaxTCPFrameSize)
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return verrors.WrapKind(verrors.NoConnection, err, "protocol: tcp write header")
	}
	if _, err := c.nc.Write(b); err != nil {
		return verrors.WrapKind(verrors.NoConnection, err, "protocol: tcp write body")
	}
	return nil
}

// ReadFrame blocks until one length-prefixed frame has been read.
func (c *tcpConn) ReadFrame() ([]byte, error) {
	var hdr [2]byte
	if _, err := readFull(c.reader, hdr[:]); err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: tcp read header")
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := readFull(c.reader, buf); err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: tcp read body")
	}
	return buf, nil
}

func (c *tcpConn) Close() error { return c.nc.Close() }

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TCPListener accepts inbound TCP connections and hands back framed
// conn.Connection-compatible handles.
type TCPListener struct {
	ln net.Listener
}

func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: tcp listen")
	}
	logrus.Infof("protocol: tcp listening on %s", addr)
	return &TCPListener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *TCPListener) Accept() (*tcpConn, net.Addr, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: tcp accept")
	}
	return newTCPConn(nc), nc.RemoteAddr(), nil
}

func (l *TCPListener) Close() error { return l.ln.Close() }

// DialTCP opens an outbound TCP connection with the given connect timeout.
func DialTCP(addr string, timeout time.Duration) (*tcpConn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: tcp dial")
	}
	return newTCPConn(nc), nil
}
