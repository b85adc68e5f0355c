package node

import (
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"veilidcore/address"
	"veilidcore/conn"
	"veilidcore/netclass"
	"veilidcore/protocol"
	"veilidcore/wire"
)

// transportSet owns the listening sockets for every enabled protocol and
// runs their accept/read loops, feeding inbound bytes through the
// Connection Manager into the RPC engine. It also implements
// netclass.CandidateSource from its bound listen addresses.
type transportSet struct {
	n *Node

	udpMu sync.Mutex
	udp   *protocol.UDPSocket
	tcp   *protocol.TCPListener
	ws    *protocol.WSListener

	listenInfo []address.DialInfo

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ netclass.CandidateSource = (*transportSet)(nil)

func startTransports(n *Node) (*transportSet, error) {
	ts := &transportSet{n: n, closed: make(chan struct{})}
	p := n.cfg.Network.Protocol

	if p.UDP.Enabled && p.UDP.Listen {
		sock, err := protocol.ListenUDP(p.UDP.ListenAddress)
		if err != nil {
			ts.Close()
			return nil, err
		}
		ts.udp = sock
		ts.addListenInfo(address.ProtocolUDP, p.UDP.ListenAddress, "")
		ts.wg.Add(1)
		go ts.udpLoop(sock)
	}
	if p.TCP.Enabled && p.TCP.Listen {
		ln, err := protocol.ListenTCP(p.TCP.ListenAddress)
		if err != nil {
			ts.Close()
			return nil, err
		}
		ts.tcp = ln
		ts.addListenInfo(address.ProtocolTCP, p.TCP.ListenAddress, "")
		ts.wg.Add(1)
		go ts.tcpLoop()
	}
	if p.WS.Enabled && p.WS.Listen {
		ln, err := protocol.ListenWS(p.WS.ListenAddress, "/ws", nil)
		if err != nil {
			ts.Close()
			return nil, err
		}
		ts.ws = ln
		ts.addListenInfo(address.ProtocolWS, p.WS.ListenAddress, "/ws")
		ts.wg.Add(1)
		go ts.wsLoop()
	}
	return ts, nil
}

func (ts *transportSet) addListenInfo(proto address.Protocol, listenAddr, path string) {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		// A wildcard bind has no single publishable address; the detector's
		// interface enumeration supplies the concrete candidates.
		addrs, err := netclass.DefaultEnumerator{}.StableAddresses()
		if err != nil || len(addrs) == 0 {
			return
		}
		ip = addrs[0]
	}
	pn, err := strconv.Atoi(port)
	if err != nil {
		return
	}
	ts.listenInfo = append(ts.listenInfo, address.DialInfo{
		Protocol: proto, Address: ip, Port: uint16(pn), Path: path,
	})
}

// LocalDialInfo implements netclass.CandidateSource: the dial info this node
// listens on, assigned to domain by whether the bound address falls inside a
// local network prefix.
func (ts *transportSet) LocalDialInfo(domain address.RoutingDomain) []address.DialInfo {
	var out []address.DialInfo
	for _, di := range ts.listenInfo {
		local := di.Address.IsPrivate() || di.Address.IsLoopback()
		if (domain == address.RoutingDomainLocalNetwork) == local {
			out = append(out, di)
		}
	}
	return out
}

func (ts *transportSet) udpLoop(sock *protocol.UDPSocket) {
	defer ts.wg.Done()
	for {
		raw, remote, err := sock.ReadFrom()
		if err != nil {
			select {
			case <-ts.closed:
				return
			default:
				continue
			}
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			continue
		}
		ts.registerInbound(remote, address.ProtocolUDP, func() (conn.Connection, error) {
			return sock.ConnFor(remote), nil
		})
		if !frame.Fragmented {
			ts.n.handleInbound(frame.Complete, remote, address.ProtocolUDP)
			continue
		}
		msg, done, err := ts.n.manager.Buffer.Add(conn.Fragment{
			RemoteAddr: remote.String(),
			MessageID:  frame.MessageID,
			ChunkIndex: frame.ChunkIndex,
			ChunkCount: frame.ChunkCount,
			Data:       frame.Data,
		}, time.Now())
		if err != nil || !done {
			continue
		}
		ts.n.handleInbound(msg, remote, address.ProtocolUDP)
	}
}

func (ts *transportSet) tcpLoop() {
	defer ts.wg.Done()
	for {
		c, remote, err := ts.tcp.Accept()
		if err != nil {
			select {
			case <-ts.closed:
				return
			default:
				continue
			}
		}
		cc := c
		ts.registerInbound(remote, address.ProtocolTCP, func() (conn.Connection, error) { return cc, nil })
		ts.wg.Add(1)
		go func() {
			defer ts.wg.Done()
			defer ts.dropInbound(remote, address.ProtocolTCP)
			for {
				frame, err := cc.ReadFrame()
				if err != nil {
					return
				}
				ts.n.handleInbound(frame, remote, address.ProtocolTCP)
			}
		}()
	}
}

func (ts *transportSet) wsLoop() {
	defer ts.wg.Done()
	for {
		c, remote, err := ts.ws.Accept()
		if err != nil {
			select {
			case <-ts.closed:
				return
			default:
				continue
			}
		}
		cc := c
		ts.registerInbound(remote, address.ProtocolWS, func() (conn.Connection, error) { return cc, nil })
		ts.wg.Add(1)
		go func() {
			defer ts.wg.Done()
			defer ts.dropInbound(remote, address.ProtocolWS)
			for {
				frame, err := cc.ReadFrame()
				if err != nil {
					return
				}
				ts.n.handleInbound(frame, remote, address.ProtocolWS)
			}
		}()
	}
}

// registerInbound puts an accepted connection into the manager's table under
// its flow so answers and future sends can reuse it; the manager's Open
// dedup makes repeat registration for a live flow a no-op.
func (ts *transportSet) registerInbound(remote net.Addr, proto address.Protocol, newConn func() (conn.Connection, error)) {
	ip := ipOf(remote)
	if ip == nil {
		return
	}
	flow := conn.Flow{PeerAddr: remote.String(), Protocol: proto}
	if _, err := ts.n.manager.Open(flow, ip, newConn); err != nil {
		ts.n.log.WithError(err).Debug("inbound connection not admitted")
	}
}

func (ts *transportSet) dropInbound(remote net.Addr, proto address.Protocol) {
	ip := ipOf(remote)
	if ip == nil {
		return
	}
	_ = ts.n.manager.Close(conn.Flow{PeerAddr: remote.String(), Protocol: proto}, ip)
}

// dial opens an outbound connection for di, returning a conn.Connection the
// manager can own.
func (ts *transportSet) dial(di address.DialInfo, timeout time.Duration) (conn.Connection, error) {
	addr := net.JoinHostPort(di.Address.String(), strconv.Itoa(int(di.Port)))
	switch di.Protocol {
	case address.ProtocolUDP:
		ts.udpMu.Lock()
		if ts.udp == nil {
			sock, err := protocol.ListenUDP(":0")
			if err != nil {
				ts.udpMu.Unlock()
				return nil, err
			}
			ts.udp = sock
			ts.wg.Add(1)
			go ts.udpLoop(sock)
		}
		sock := ts.udp
		ts.udpMu.Unlock()
		remote, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		return sock.ConnFor(remote), nil
	case address.ProtocolTCP:
		return protocol.DialTCP(addr, timeout)
	case address.ProtocolWS:
		return protocol.DialWS("ws", addr, di.Path, timeout)
	case address.ProtocolWSS:
		return protocol.DialWS("wss", addr, di.Path, timeout)
	}
	return nil, nil
}

func (ts *transportSet) Close() error {
	select {
	case <-ts.closed:
	default:
		close(ts.closed)
	}
	var errs error
	ts.udpMu.Lock()
	if ts.udp != nil {
		errs = multierr.Append(errs, ts.udp.Close())
	}
	ts.udpMu.Unlock()
	if ts.tcp != nil {
		errs = multierr.Append(errs, ts.tcp.Close())
	}
	if ts.ws != nil {
		errs = multierr.Append(errs, ts.ws.Close())
	}
	ts.wg.Wait()
	return errs
}

// handleInbound is the single ingress point for every transport: address
// filter, stats, receipt short-circuit, then envelope decode and RPC
// dispatch.
func (n *Node) handleInbound(b []byte, remote net.Addr, proto address.Protocol) {
	ip := ipOf(remote)
	if ip != nil && n.manager.Filter.IsPunished(ip) {
		return
	}
	if ip != nil {
		n.manager.Stats.RecordReceive(ip.String(), time.Now(), uint64(len(b)))
	}
	n.metrics.BytesDown.Add(float64(len(b)))
	n.totalDown.Add(uint64(len(b)))

	if len(b) >= 4 && [4]byte{b[0], b[1], b[2], b[3]} == wire.ReceiptMagic {
		if n.handleRouteTestReceipt(b) {
			return
		}
		n.detector.HandleInboundReceipt(b)
		return
	}

	// Remember the inbound flow for this sender so an Answer can ride back
	// over the same connection even before any dial info is known; the
	// association is only acted on after HandleEnvelope's signature check
	// admits the packet.
	var senderKey string
	if sender, err := wire.PeekSender(n.registry, b); err == nil {
		senderKey = sender.String()
	}
	if err := n.engine.HandleEnvelope(b); err != nil {
		n.log.WithError(err).Debug("inbound envelope rejected")
		return
	}
	if senderKey != "" && remote != nil {
		n.flowMu.Lock()
		n.flowByPeer[senderKey] = conn.Flow{PeerAddr: remote.String(), Protocol: proto}
		n.flowMu.Unlock()
	}
}

func ipOf(addr net.Addr) net.IP {
	if addr == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
