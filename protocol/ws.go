package protocol

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	verrors "veilidcore/pkg/errors"
)

// MaxWSFrameSize bounds one binary WebSocket frame to the shared envelope
// ceiling.
const MaxWSFrameSize = 65507

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn sends/receives one envelope per binary WebSocket frame.
type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(MaxWSFrameSize)
	return &wsConn{c: c}
}

func (c *wsConn) Send(b []byte) error {
	if len(b) > MaxWSFrameSize {
		return verrors.Newf(verrors.InvalidArgument, "protocol: ws frame %d bytes exceeds max %d", len(b), MaxWSFrameSize)
	}
	if err := c.c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return verrors.WrapKind(verrors.NoConnection, err, "protocol: ws write")
	}
	return nil
}

// ReadFrame blocks for the next binary frame.
func (c *wsConn) ReadFrame() ([]byte, error) {
	msgType, data, err := c.c.ReadMessage()
	if err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: ws read")
	}
	if msgType != websocket.BinaryMessage {
		return nil, verrors.New(verrors.InvalidFraming, "protocol: ws non-binary frame")
	}
	return data, nil
}

func (c *wsConn) Close() error { return c.c.Close() }

// WSListener accepts inbound WS/WSS connections over an http.Server; tlsConf
// is nil for plain WS, non-nil for WSS.
type WSListener struct {
	ln     net.Listener
	server *http.Server
	accept chan acceptedWS
}

type acceptedWS struct {
	conn *wsConn
	addr net.Addr
}

// ListenWS starts accepting WebSocket upgrades on addr at path. tlsConf
// selects WS (nil) or WSS (non-nil).
func ListenWS(addr, path string, tlsConf *tls.Config) (*WSListener, error) {
	var ln net.Listener
	var err error
	if tlsConf != nil {
		ln, err = tls.Listen("tcp", addr, tlsConf)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: ws listen")
	}

	l := &WSListener{ln: ln, accept: make(chan acceptedWS, 64)}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.Warnf("protocol: ws upgrade failed: %v", err)
			return
		}
		l.accept <- acceptedWS{conn: newWSConn(c), addr: c.RemoteAddr()}
	})
	l.server = &http.Server{Handler: mux}
	go func() { _ = l.server.Serve(ln) }()
	logrus.Infof("protocol: ws listening on %s%s (tls=%v)", addr, path, tlsConf != nil)
	return l, nil
}

// Accept blocks for the next upgraded connection.
func (l *WSListener) Accept() (*wsConn, net.Addr, error) {
	a, ok := <-l.accept
	if !ok {
		return nil, nil, verrors.New(verrors.NoConnection, "protocol: ws listener closed")
	}
	return a.conn, a.addr, nil
}

func (l *WSListener) Close() error {
	close(l.accept)
	return l.server.Close()
}

// DialWS opens an outbound WS/WSS connection. scheme is "ws" or "wss".
func DialWS(scheme, addr, path string, timeout time.Duration) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	url := scheme + "://" + addr + path
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, verrors.WrapKind(verrors.NoConnection, err, "protocol: ws dial")
	}
	return newWSConn(c), nil
}
