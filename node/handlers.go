package node

import (
	"sync"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
	"veilidcore/rpc"
	"veilidcore/wire"
)

// registerHandlers installs the node-level operation handlers the subsystem
// packages don't own themselves: Status, FindNode, the app surface, signals,
// receipts, and ValueChanged notifications. DHT question handlers are
// registered by dht.Store; ValidateDialInfo by netclass.Detector; Route is
// intercepted inside rpc.Engine's dispatch.
func (n *Node) registerHandlers() {
	n.engine.RegisterHandler(rpc.OpStatus, n.handleStatus)
	n.engine.RegisterHandler(rpc.OpFindNode, n.handleFindNode)
	n.engine.RegisterHandler(rpc.OpAppCall, n.handleAppCall)
	n.engine.RegisterHandler(rpc.OpAppMessage, n.handleAppMessage)
	n.engine.RegisterHandler(rpc.OpSignal, n.handleSignal)
	n.engine.RegisterHandler(rpc.OpReturnReceipt, n.handleReturnReceipt)
	n.engine.RegisterHandler(rpc.OpValueChanged, n.handleValueChanged)
}

// noteSender records the asking peer in the routing table; every received
// operation is evidence the peer is alive.
func (n *Node) noteSender(fromIDs *cryptokind.TypedKeyGroup) {
	ref, err := n.table.AddEntry(fromIDs)
	if err != nil {
		return
	}
	ref.Entry().RecordReceive(0, 0, n.clock.Now(), n.table.Thresholds())
	ref.Release()
}

func (n *Node) handleStatus(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	n.noteSender(fromIDs)
	if op.Kind != rpc.OpKindQuestion {
		return "", nil, nil
	}
	body, err := rpc.EncodeBody(rpc.StatusA{NetworkClass: int(n.currentClass())})
	if err != nil {
		return "", nil, err
	}
	return rpc.OpStatus, body, nil
}

func (n *Node) handleFindNode(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	n.noteSender(fromIDs)
	var q rpc.FindNodeQ
	if err := rpc.DecodeBody(op.Body, &q); err != nil {
		return "", nil, err
	}
	maxCount := n.cfg.Network.DHT.MaxFindNodeCount
	if maxCount <= 0 {
		maxCount = 20
	}
	entries := n.table.FindClosest(q.Target.Kind, q.Target, maxCount, nil)
	var peers []rpc.PeerSummary
	for _, e := range entries {
		ids := e.NodeIDs()
		var keys []cryptokind.TypedKey
		for _, k := range ids.Kinds() {
			v, _ := ids.Get(k)
			keys = append(keys, v)
		}
		peers = append(peers, rpc.PeerSummary{NodeIDs: keys})
	}
	body, err := rpc.EncodeBody(rpc.FindNodeA{Peers: peers})
	if err != nil {
		return "", nil, err
	}
	return rpc.OpFindNode, body, nil
}

func (n *Node) handleAppCall(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	n.noteSender(fromIDs)
	var q rpc.AppCallQ
	if err := rpc.DecodeBody(op.Body, &q); err != nil {
		return "", nil, err
	}
	n.emit(Update{Kind: UpdateAppCall, AppCall: q.Message})
	// The embedder's reply arrives out-of-band through AppCallReply; the
	// inline answer just acknowledges receipt.
	body, err := rpc.EncodeBody(rpc.AppCallA{})
	if err != nil {
		return "", nil, err
	}
	return rpc.OpAppCall, body, nil
}

func (n *Node) handleAppMessage(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	n.noteSender(fromIDs)
	var m rpc.AppMessage
	if err := rpc.DecodeBody(op.Body, &m); err != nil {
		return "", nil, err
	}
	n.emit(Update{Kind: UpdateAppMessage, AppMessage: m.Message})
	return "", nil, nil
}

func (n *Node) handleSignal(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	n.noteSender(fromIDs)
	// Signalling relays hole-punch assistance between peers; this node
	// records the sender and drops every Signal without acting on it.
	return "", nil, nil
}

func (n *Node) handleReturnReceipt(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	var rr rpc.ReturnReceipt
	if err := rpc.DecodeBody(op.Body, &rr); err != nil {
		return "", nil, err
	}
	if n.handleRouteTestReceipt(rr.ReceiptBlob) {
		return "", nil, nil
	}
	n.detector.HandleInboundReceipt(rr.ReceiptBlob)
	return "", nil, nil
}

func (n *Node) handleValueChanged(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	var vc rpc.ValueChanged
	if err := rpc.DecodeBody(op.Body, &vc); err != nil {
		return "", nil, err
	}
	n.emit(Update{Kind: UpdateValueChange, Value: &ValueChange{
		Key:    vc.Key,
		Subkey: vc.Subkey,
		Seq:    vc.Seq,
		Data:   vc.Data,
		Count:  vc.Count,
	}})
	return "", nil, nil
}

// routeTests tracks in-flight route health probes by receipt nonce.
type routeTests struct {
	mu      sync.Mutex
	pending map[[8]byte]chan struct{}
}

func (r *routeTests) register(nonce [8]byte) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		r.pending = make(map[[8]byte]chan struct{})
	}
	ch := make(chan struct{})
	r.pending[nonce] = ch
	return ch
}

func (r *routeTests) remove(nonce [8]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, nonce)
}

func (r *routeTests) resolve(nonce [8]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[nonce]
	if !ok {
		return false
	}
	delete(r.pending, nonce)
	close(ch)
	return true
}

// handleRouteTestReceipt claims a receipt belonging to an in-flight route
// health probe. Returns false for receipts that belong to someone else
// (dial-info validation), letting the detector take them.
func (n *Node) handleRouteTestReceipt(blob []byte) bool {
	rcpt, err := wire.DecodeReceipt(n.registry, blob)
	if err != nil {
		return false
	}
	return n.routeProbes.resolve(rcpt.Nonce)
}

// AppCallReply delivers the embedder's reply to a previously surfaced
// AppCall back to the calling peer as a statement.
func (n *Node) AppCallReply(to *cryptokind.TypedKeyGroup, reply []byte) error {
	release, err := n.started()
	if err != nil {
		return err
	}
	defer release()
	body, err := rpc.EncodeBody(rpc.AppMessage{Message: reply})
	if err != nil {
		return err
	}
	return n.engine.Statement(rpc.Destination{Kind: rpc.DestinationDirect, Node: to}, rpc.OpAppMessage, body)
}

// SendAppMessage sends application bytes to a peer as a fire-and-forget
// statement.
func (n *Node) SendAppMessage(to *cryptokind.TypedKeyGroup, message []byte) error {
	release, err := n.started()
	if err != nil {
		return err
	}
	defer release()
	if to == nil {
		return verrors.New(verrors.MissingArgument, "node: nil destination")
	}
	body, err := rpc.EncodeBody(rpc.AppMessage{Message: message})
	if err != nil {
		return err
	}
	return n.engine.Statement(rpc.Destination{Kind: rpc.DestinationDirect, Node: to}, rpc.OpAppMessage, body)
}
