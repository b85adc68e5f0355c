// Package node is the top-level orchestrator: it owns the lifecycle lock,
// wires the crypto registry, routing table, connection manager, RPC engine,
// private route engine, network class detector, and DHT store together, and
// drives the long-lived background tasks (connection reaper, routing-table
// persistence tick, route health task, class-detection tick).
package node

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"veilidcore/address"
	"veilidcore/conn"
	"veilidcore/cryptokind"
	"veilidcore/dht"
	"veilidcore/netclass"
	"veilidcore/peerinfo"
	vclock "veilidcore/pkg/clock"
	"veilidcore/pkg/config"
	verrors "veilidcore/pkg/errors"
	"veilidcore/route"
	"veilidcore/routingtable"
	"veilidcore/rpc"
	"veilidcore/wire"
)

func cryptoRandRead(b []byte) (int, error) { return rand.Read(b) }

// State is the lifecycle phase guarded by the startup lock.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateStarted:
		return "Started"
	case StateStopping:
		return "Stopping"
	}
	return "Unknown"
}

const (
	routingTableName = "RoutingTable"
	dhtTableName     = "StorageManager"
	peerCacheSize    = 4096
	persistInterval  = time.Minute
	routeTickEvery   = 30 * time.Second
	networkTickEvery = time.Second
)

// Options are the external collaborators a Node consumes. Zero-value fields
// fall back to in-memory implementations.
type Options struct {
	TableStore  TableStore
	SecretStore SecretStore
	Update      UpdateCallback
	Log         *logrus.Logger
}

// Node hosts one started core. Parallel Startup on the same Node is
// forbidden by the lifecycle lock. The lock belongs to each Node: nothing
// stops a second Node in the same process from starting.
type Node struct {
	mu    sync.RWMutex
	state State

	cfg    *config.Config
	log    *logrus.Logger
	update UpdateCallback
	clock  vclock.Clock

	registry *cryptokind.Registry
	identity *cryptokind.TypedKeyGroup
	secrets  map[cryptokind.Kind]cryptokind.TypedSecret
	bestKind cryptokind.Kind

	tableStore  TableStore
	secretStore SecretStore

	table    *routingtable.Table
	manager  *conn.Manager
	engine   *rpc.Engine
	routeEng *route.Engine
	detector *netclass.Detector
	dhtStore *dht.Store

	peers       *peerCache
	metrics     *Metrics
	routeProbes routeTests

	totalUp   atomic.Uint64
	totalDown atomic.Uint64

	netClassMu sync.Mutex
	netClass   address.NetworkClass

	// flowByPeer remembers the most recent inbound flow per sender key, so
	// answers can ride back over the connection the question arrived on
	// even when no dial info for the peer is known yet.
	flowMu     sync.Mutex
	flowByPeer map[string]conn.Flow

	transports *transportSet
	stops      []func()
}

func (n *Node) currentClass() address.NetworkClass {
	n.netClassMu.Lock()
	defer n.netClassMu.Unlock()
	return n.netClass
}

// New builds a stopped Node from cfg. Call Startup to attach.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, verrors.New(verrors.MissingArgument, "node: nil config")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	ts := opts.TableStore
	if ts == nil {
		ts = NewMemTableStore()
	}
	ss := opts.SecretStore
	if ss == nil {
		ss = NewMemSecretStore()
	}
	pc, err := newPeerCache(peerCacheSize)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "node: build peer cache")
	}
	return &Node{
		state:       StateStopped,
		cfg:         cfg,
		log:         log,
		update:      opts.Update,
		clock:       vclock.System(),
		tableStore:  ts,
		secretStore: ss,
		peers:       pc,
		metrics:     NewMetrics(),
		flowByPeer:  make(map[string]conn.Flow),
	}, nil
}

// State returns the current lifecycle phase.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// NodeIDs returns the local identity key group. Valid after Startup.
func (n *Node) NodeIDs() *cryptokind.TypedKeyGroup { return n.identity }

// Metrics exposes the node's prometheus collectors for registration.
func (n *Node) Metrics() *Metrics { return n.metrics }

// Table exposes the routing table for embedder inspection; public entry
// points still go through the Node so the lifecycle lock applies.
func (n *Node) Table() *routingtable.Table { return n.table }

// DHT exposes the record store. Valid after Startup.
func (n *Node) DHT() *dht.Store { return n.dhtStore }

// Routes exposes the private route engine. Valid after Startup.
func (n *Node) Routes() *route.Engine { return n.routeEng }

// emit delivers an update event to the embedder, if a callback is set.
func (n *Node) emit(u Update) {
	if n.update == nil {
		return
	}
	u.Timestamp = n.clock.Now()
	n.update(u)
}

// started acquires a read slot on the lifecycle lock, failing fast unless
// the node is Started. Public entry points call this first.
func (n *Node) started() (release func(), err error) {
	n.mu.RLock()
	if n.state != StateStarted {
		st := n.state
		n.mu.RUnlock()
		if st == StateStopped || st == StateStopping {
			return nil, verrors.New(verrors.NotInitialized, "node: not started")
		}
		return nil, verrors.New(verrors.TryAgain, "node: still starting")
	}
	return n.mu.RUnlock, nil
}

type persistedIdentity struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// loadOrCreateIdentity restores this node's keypair for kind from the
// secret store, generating and saving a fresh one on first start. Private
// keys live only in the secret store, never in TableStore.
func (n *Node) loadOrCreateIdentity(kind cryptokind.Kind) (cryptokind.TypedKeyPair, error) {
	secretKey := "identity/" + kind.String()
	raw, ok, err := n.secretStore.LoadUserSecret(secretKey)
	if err != nil {
		return cryptokind.TypedKeyPair{}, verrors.WrapKind(verrors.Internal, err, "node: load identity")
	}
	if ok {
		var pi persistedIdentity
		if err := json.Unmarshal(raw, &pi); err != nil {
			return cryptokind.TypedKeyPair{}, verrors.WrapKind(verrors.Internal, err, "node: decode identity")
		}
		return cryptokind.TypedKeyPair{Kind: kind, Public: pi.Public, Private: pi.Private}, nil
	}
	cs, err := n.registry.Get(kind)
	if err != nil {
		return cryptokind.TypedKeyPair{}, err
	}
	kp, err := cs.GenerateKeyPair()
	if err != nil {
		return cryptokind.TypedKeyPair{}, verrors.WrapKind(verrors.Internal, err, "node: generate identity")
	}
	blob, err := json.Marshal(persistedIdentity{Public: kp.Public, Private: kp.Private})
	if err != nil {
		return cryptokind.TypedKeyPair{}, verrors.WrapKind(verrors.Internal, err, "node: encode identity")
	}
	if err := n.secretStore.SaveUserSecret(secretKey, blob); err != nil {
		return cryptokind.TypedKeyPair{}, verrors.WrapKind(verrors.Internal, err, "node: save identity")
	}
	return kp, nil
}

// Startup brings the node from Stopped to Started: identity, subsystems,
// transports, background tasks. It is an error to call Startup on a node
// that is not Stopped.
func (n *Node) Startup() error {
	n.mu.Lock()
	if n.state != StateStopped {
		st := n.state
		n.mu.Unlock()
		if st == StateStarted || st == StateStarting {
			return verrors.New(verrors.AlreadyInitialized, "node: already started")
		}
		return verrors.New(verrors.TryAgain, "node: still stopping")
	}
	n.state = StateStarting
	n.mu.Unlock()

	n.emit(Update{Kind: UpdateAttachment, Attachment: AttachmentAttaching})

	if err := n.startupInner(); err != nil {
		n.mu.Lock()
		n.state = StateStopped
		n.mu.Unlock()
		n.emit(Update{Kind: UpdateAttachment, Attachment: AttachmentDetached})
		return err
	}

	n.mu.Lock()
	n.state = StateStarted
	n.mu.Unlock()
	n.emit(Update{Kind: UpdateAttachment, Attachment: AttachmentAttached})
	n.log.WithField("node_ids", n.identity.Kinds()).Info("node started")
	return nil
}

func (n *Node) startupInner() error {
	n.registry = cryptokind.NewRegistry()
	best, err := n.registry.Best()
	if err != nil {
		return err
	}
	n.bestKind = best

	n.identity = cryptokind.NewTypedKeyGroup()
	n.secrets = make(map[cryptokind.Kind]cryptokind.TypedSecret)
	for _, kind := range n.registry.Supported() {
		kp, err := n.loadOrCreateIdentity(kind)
		if err != nil {
			return err
		}
		n.identity.Add(kp.Key())
		n.secrets[kind] = kp.Secret()
	}

	n.table = routingtable.New(n.registry, n.identity)
	rs := newRoutingStore(n.tableStore, routingTableName)
	if err := rs.Open(routingTableName, len(n.registry.Supported())); err != nil {
		n.log.WithError(err).Warn("routing table store unavailable; starting empty")
	} else if err := n.table.Load(rs); err != nil {
		n.log.WithError(err).Warn("routing table load failed; starting empty")
	}

	limits := conn.DefaultLimits()
	if v := n.cfg.Network.MaxConnectionsPerIP4; v > 0 {
		limits.MaxConnectionsPerIP4 = v
	}
	if v := n.cfg.Network.MaxConnectionsPerIP6Prefix; v > 0 {
		limits.MaxConnectionsPerIP6Prefix = v
	}
	if v := n.cfg.Network.MaxConnectionFrequencyPerMin; v > 0 {
		limits.MaxConnectFrequencyPerMin = v
	}
	buffer := conn.NewAssemblyBuffer(5*time.Second, 65535, 64)
	n.manager = conn.NewManager(limits, buffer)

	rpcCfg := rpc.DefaultConfig()
	if v := n.cfg.Network.RPC.TimeoutMs; v > 0 {
		rpcCfg.Timeout = time.Duration(v) * time.Millisecond
	}
	if v := n.cfg.Network.RPC.MaxTimestampBehindMs; v > 0 {
		rpcCfg.MaxTimestampBehind = time.Duration(v) * time.Millisecond
	}
	if v := n.cfg.Network.RPC.MaxTimestampAheadMs; v > 0 {
		rpcCfg.MaxTimestampAhead = time.Duration(v) * time.Millisecond
	}
	if v := n.cfg.Network.RPC.QueueSize; v > 0 {
		rpcCfg.QueueSize = v
	}
	n.engine = rpc.NewEngine(n.registry, n.identity, n.secrets, &nodeSender{n: n}, rpcCfg, n.log)

	routeCfg := route.DefaultConfig()
	if v := n.cfg.Network.RPC.DefaultRouteHopCount; v > 0 {
		routeCfg.DefaultHopCount = v
	}
	if v := n.cfg.Network.RPC.MaxRouteHopCount; v > 0 {
		routeCfg.MaxHopCount = v
	}
	n.routeEng = route.NewEngine(n.registry, n.bestKind, n.identity, n.secrets, &hopSource{n: n}, routeCfg, n.log)
	n.routeEng.SetRPCEngine(n.engine)
	n.engine.SetRouteWrapper(n.routeEng)

	dhtCfg := dht.DefaultConfig()
	d := n.cfg.Network.DHT
	if d.GetValueCount > 0 {
		dhtCfg.GetValueCount = d.GetValueCount
	}
	if d.GetValueFanout > 0 {
		dhtCfg.GetValueFanout = d.GetValueFanout
	}
	if d.GetValueTimeoutMs > 0 {
		dhtCfg.GetValueTimeout = time.Duration(d.GetValueTimeoutMs) * time.Millisecond
	}
	if d.SetValueCount > 0 {
		dhtCfg.SetValueCount = d.SetValueCount
	}
	if d.SetValueFanout > 0 {
		dhtCfg.SetValueFanout = d.SetValueFanout
	}
	if d.SetValueTimeoutMs > 0 {
		dhtCfg.SetValueTimeout = time.Duration(d.SetValueTimeoutMs) * time.Millisecond
	}
	if d.RemoteMaxRecords > 0 {
		dhtCfg.RemoteMaxRecords = d.RemoteMaxRecords
	}
	n.dhtStore = dht.NewStore(n.registry, n.engine, &closestPeers{n: n}, n.bestKind, dhtCfg)
	n.dhtStore.RegisterHandlers(n.engine)
	if tbl, err := n.tableStore.Open(dhtTableName, 1); err != nil {
		n.log.WithError(err).Warn("dht record store unavailable; starting empty")
	} else if err := n.dhtStore.Load(tbl); err != nil {
		n.log.WithError(err).Warn("dht record load failed; starting empty")
	}

	ncCfg := netclass.DefaultConfig()
	ncCfg.EnableUPnP = n.cfg.Network.UPnP
	if v := n.cfg.Network.RestrictedNatRetries; v > 0 {
		ncCfg.RestrictedNatRetries = v
	}
	if v := n.cfg.Network.DHT.ValidateDialInfoReceiptTimeMs; v > 0 {
		ncCfg.ValidateTimeout = time.Duration(v) * time.Millisecond
	}
	n.detector = netclass.NewDetector(n.registry, n.bestKind, n.identity, n.secrets, n.engine, &receiptSender{n: n}, &relaySource{n: n}, ncCfg, n.log)

	n.registerHandlers()

	ts, err := startTransports(n)
	if err != nil {
		return err
	}
	n.transports = ts

	n.stops = append(n.stops, n.manager.StartReaper(time.Second))
	n.stops = append(n.stops, n.startPersistTick())
	n.stops = append(n.stops, n.startRouteHealthTick())
	n.stops = append(n.stops, n.startNetworkTick())
	if n.cfg.Network.DetectAddressChanges {
		n.stops = append(n.stops, n.detector.StartPeriodic(n.transports, n.onDetectResult))
	}
	return nil
}

// Shutdown brings the node from Started to Stopped, cancelling every
// long-lived task and waiting for the connection table to drain. Errors along the way are aggregated, not
// short-circuited: shutdown always completes.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.state != StateStarted {
		st := n.state
		n.mu.Unlock()
		if st == StateStopped {
			return verrors.New(verrors.NotInitialized, "node: not started")
		}
		return verrors.New(verrors.TryAgain, "node: lifecycle transition in progress")
	}
	n.state = StateStopping
	n.mu.Unlock()

	n.emit(Update{Kind: UpdateAttachment, Attachment: AttachmentDetaching})

	var errs error
	for _, stop := range n.stops {
		stop()
	}
	n.stops = nil

	n.engine.Shutdown()

	if n.transports != nil {
		errs = multierr.Append(errs, n.transports.Close())
		n.transports = nil
	}
	n.manager.CloseAll()

	rs := newRoutingStore(n.tableStore, routingTableName)
	if err := n.table.Save(rs); err != nil {
		// Persistence failures are Internal for the caller but never halt
		// the node; the next successful save reconciles.
		errs = multierr.Append(errs, err)
	}
	if tbl, err := n.tableStore.Open(dhtTableName, 1); err == nil {
		errs = multierr.Append(errs, n.dhtStore.Save(tbl))
	}

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
	n.emit(Update{Kind: UpdateShutdown})
	n.emit(Update{Kind: UpdateAttachment, Attachment: AttachmentDetached})
	n.log.Info("node stopped")
	return errs
}

func (n *Node) startPersistTick() (stop func()) {
	done := make(chan struct{})
	ticker := n.clock.NewTicker(persistInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rs := newRoutingStore(n.tableStore, routingTableName)
				if err := n.table.Save(rs); err != nil {
					n.log.WithError(err).Warn("routing table persist failed")
				}
				if tbl, err := n.tableStore.Open(dhtTableName, 1); err == nil {
					if err := n.dhtStore.Save(tbl); err != nil {
						n.log.WithError(err).Warn("dht record persist failed")
					}
				}
				n.table.Kick()
				n.metrics.RoutingEntries.Set(float64(n.table.EntryCount()))
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// startRouteHealthTick drives the periodic route health task:
// round-trip test every route whose stats say it needs one, release routes
// the route engine reports as unreliable (two consecutive failed sends, or
// at least half of four or more sends lost), and report the dead set via
// RouteChange. A single failed test does not release a route.
func (n *Node) startRouteHealthTick() (stop func()) {
	done := make(chan struct{})
	ticker := n.clock.NewTicker(routeTickEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.testRoutes()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (n *Node) testRoutes() {
	now := n.clock.Now()
	var dead []string
	for _, id := range n.routeEng.NeedsTesting(now) {
		ok := n.testRoute(id)
		n.routeEng.MarkTested(id, now, ok)
	}
	for _, id := range n.routeEng.Unreliable() {
		n.routeEng.Release(id)
		dead = append(dead, id)
	}
	if len(dead) > 0 {
		n.emit(Update{Kind: UpdateRouteChange, Route: &RouteChange{DeadRoutes: dead}})
	}
}

// testRoute runs one round-trip health probe over routeID: a ReturnReceipt
// statement onion-wrapped for the exact hops under test, whose final layer
// delivers the receipt back to this node. Receipt arrival within the RPC
// timeout proves every hop forwarded.
func (n *Node) testRoute(routeID string) bool {
	var nonce [8]byte
	if _, err := cryptoRandRead(nonce[:]); err != nil {
		return false
	}
	secret := n.secrets[n.bestKind]
	public, _ := n.identity.Get(n.bestKind)
	receiptBlob, err := wire.EncodeReceipt(n.registry, n.bestKind, secret, public, nonce, []byte(routeID))
	if err != nil {
		return false
	}
	body, err := rpc.EncodeBody(rpc.ReturnReceipt{ReceiptBlob: receiptBlob})
	if err != nil {
		return false
	}
	inner := rpc.Operation{OpID: rpc.NewOpID(), Kind: rpc.OpKindStatement, Name: rpc.OpReturnReceipt, Body: body, Timestamp: n.clock.Now()}

	ch := n.routeProbes.register(nonce)
	defer n.routeProbes.remove(nonce)

	stmt, firstHop, err := n.routeEng.WrapForRoute(routeID, inner)
	if err != nil {
		return false
	}
	stmtBody, err := rpc.EncodeBody(stmt)
	if err != nil {
		return false
	}
	if err := n.engine.Statement(rpc.Destination{Kind: rpc.DestinationDirect, Node: firstHop}, rpc.OpRoute, stmtBody); err != nil {
		n.routeEng.RecordSendFailure(routeID)
		return false
	}

	timeout := time.Duration(n.cfg.Network.RPC.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-ch:
		return true
	case <-n.clock.After(timeout):
		return false
	}
}

func (n *Node) startNetworkTick() (stop func()) {
	done := make(chan struct{})
	ticker := n.clock.NewTicker(networkTickEvery)
	var lastUp, lastDown uint64
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				up, down := n.totalUp.Load(), n.totalDown.Load()
				n.metrics.LiveConnections.Set(float64(n.manager.Len()))
				n.emit(Update{Kind: UpdateNetwork, Network: &NetworkSummary{
					BpsUp:   up - lastUp,
					BpsDown: down - lastDown,
					Peers:   n.table.EntryCount(),
				}})
				lastUp, lastDown = up, down
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// onDetectResult publishes fresh signed peer info whenever a detection pass
// changed it and surfaces the class via the callback.
func (n *Node) onDetectResult(results []netclass.Result) {
	for _, res := range results {
		if res.NetworkClass == address.NetworkClassInvalid {
			continue
		}
		if res.Domain == address.RoutingDomainPublicInternet {
			n.netClassMu.Lock()
			n.netClass = res.NetworkClass
			n.netClassMu.Unlock()
		}
		info := n.localNodeInfo(res)
		signed, err := n.signNodeInfo(info, res)
		if err != nil {
			n.log.WithError(err).Warn("sign node info failed")
			continue
		}
		if !n.detector.ShouldPublish(res.Domain, res.NetworkClass, signed) {
			continue
		}
		n.detector.MarkPublished(res.Domain, signed)
		n.emit(Update{Kind: UpdateConfig, NetClass: res.NetworkClass})
	}
}

func (n *Node) localNodeInfo(res netclass.Result) peerinfo.NodeInfo {
	caps := peerinfo.NewCapabilitySet(peerinfo.CapRoute, peerinfo.CapDHT, peerinfo.CapApp)
	if res.NetworkClass == address.NetworkClassInboundCapable {
		caps.Add(peerinfo.CapRelay)
		caps.Add(peerinfo.CapSignal)
	}
	caps.Remove(n.cfg.DisabledCapabilities())
	var dis []address.DialInfo
	for _, r := range res.DialInfo {
		if r.Reached {
			dis = append(dis, r.DialInfo)
		}
	}
	return peerinfo.NodeInfo{
		NetworkClass:     res.NetworkClass,
		DialInfo:         dis,
		Capabilities:     caps,
		CryptoKinds:      n.registry.Supported(),
		EnvelopeVersions: []uint8{0},
	}
}

// signNodeInfo produces Direct signed node info, or Relayed when the
// detection pass selected a relay.
func (n *Node) signNodeInfo(info peerinfo.NodeInfo, res netclass.Result) (peerinfo.SignedNodeInfo, error) {
	signers := make([]cryptokind.TypedKeyPair, 0, len(n.secrets))
	for kind, sec := range n.secrets {
		pub, _ := n.identity.Get(kind)
		signers = append(signers, cryptokind.TypedKeyPair{Kind: kind, Public: pub.Value, Private: sec.Value})
	}
	signed, err := peerinfo.Sign(info, n.registry, signers, n.clock.Now())
	if err != nil {
		return peerinfo.SignedNodeInfo{}, err
	}
	if res.RequiresRelay && res.Relay != nil {
		// The relay countersignature is produced by the relay itself in a
		// full exchange; locally we record the relay linkage so published
		// peer info names it.
		signed.Relay = res.Relay
	}
	return signed, nil
}

// Debug accepts a human command and returns a human-readable reply. The
// grammar is informational, not protocol.
func (n *Node) Debug(command string) string {
	out, err := n.runDebug(command)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}
