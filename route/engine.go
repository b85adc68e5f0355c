package route

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"veilidcore/cryptokind"
	vclock "veilidcore/pkg/clock"
	verrors "veilidcore/pkg/errors"
	"veilidcore/rpc"
)

// Config bounds route allocation and health-check behavior.
type Config struct {
	DefaultHopCount int
	MaxHopCount     int
	TestIdle        time.Duration // how long a route may go untested before NeedsTesting
}

func DefaultConfig() Config {
	return Config{DefaultHopCount: 1, MaxHopCount: 4, TestIdle: 5 * time.Minute}
}

// Engine is the Private Route / Onion Routing Engine: it
// allocates outbound routes, onion-wraps safety-routed operations, and
// forwards/peels inbound Route statements one hop at a time. It implements
// rpc.RouteWrapper, installed into an *rpc.Engine via SetRouteWrapper.
type Engine struct {
	mu sync.Mutex

	registry      *cryptokind.Registry
	kind          cryptokind.Kind
	localIdentity *cryptokind.TypedKeyGroup
	localSecrets  map[cryptokind.Kind]cryptokind.TypedSecret

	peers  PeerSource
	rpcEng *rpc.Engine // forwarding seam; set after both engines exist

	routes map[string]*allocatedRoute // routes this node created and owns
	cfg    Config
	clock  vclock.Clock
	log    *logrus.Logger
}

// allocatedRoute pairs a RouteSet (public shape) with the local ephemeral
// keypair only the allocating node needs, to onion-encrypt traffic it sends
// through the route it built.
type allocatedRoute struct {
	set       *RouteSet
	ephemeral ephemeralKeyPair
}

func NewEngine(reg *cryptokind.Registry, kind cryptokind.Kind, localIdentity *cryptokind.TypedKeyGroup, localSecrets map[cryptokind.Kind]cryptokind.TypedSecret, peers PeerSource, cfg Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		registry:      reg,
		kind:          kind,
		localIdentity: localIdentity,
		localSecrets:  localSecrets,
		peers:         peers,
		routes:        make(map[string]*allocatedRoute),
		cfg:           cfg,
		clock:         vclock.System(),
		log:           log,
	}
}

// SetRPCEngine installs the rpc.Engine used to forward onion layers to the
// next hop. Set once both engines exist (rpc.Engine needs this Engine as its
// RouteWrapper, and this Engine needs rpc.Engine to forward).
func (e *Engine) SetRPCEngine(r *rpc.Engine) { e.rpcEng = r }

func (e *Engine) SetClock(c vclock.Clock) { e.clock = c }

// Allocate builds a fresh route of hopCount hops drawn from peers, excluding
// this node's own id, and registers it under a fresh route id.
func (e *Engine) Allocate(hopCount int, stability rpc.RouteStability, sequencing rpc.Sequencing, directions DirectionSet) (*RouteSet, error) {
	if hopCount <= 0 {
		hopCount = e.cfg.DefaultHopCount
	}
	if hopCount > e.cfg.MaxHopCount {
		return nil, verrors.Newf(verrors.InvalidArgument, "route: hop count %d exceeds max %d", hopCount, e.cfg.MaxHopCount)
	}
	exclude := map[string]bool{}
	if self, ok := e.localIdentity.Get(e.kind); ok {
		exclude[self.String()] = true
	}
	candidates := e.peers.SelectHops(e.kind, hopCount, stability == rpc.StabilityReliable, exclude)
	if len(candidates) < hopCount {
		return nil, verrors.New(verrors.TryAgain, "route: not enough eligible hop candidates")
	}

	cs, err := e.registry.Get(e.kind)
	if err != nil {
		return nil, err
	}
	ephemeral, err := generateEphemeral(cs)
	if err != nil {
		return nil, err
	}

	hops := make([]Hop, 0, hopCount)
	for _, c := range candidates[:hopCount] {
		hops = append(hops, Hop{NodeID: c.Public})
	}

	routeID := uuid.NewString()
	route := &Route{
		ID:         routeID,
		Kind:       e.kind,
		Hops:       hops,
		Directions: directions,
		Stability:  stability,
		Sequencing: sequencing,
		Stats:      NewStats(e.clock.Now()),
	}
	set := &RouteSet{ID: routeID, Routes: map[cryptokind.Kind]*Route{e.kind: route}}

	e.mu.Lock()
	e.routes[routeID] = &allocatedRoute{set: set, ephemeral: ephemeral}
	e.mu.Unlock()

	return set, nil
}

// Release discards a previously allocated route.
func (e *Engine) Release(routeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routes, routeID)
}

// finalLayer is the innermost onion payload: either an instruction to
// deliver the embedded operation to a direct destination (safety route
// exit), or nothing extra (private-route terminus: the embedded operation
// is addressed to this node).
type finalLayer struct {
	Deliver   []cryptokind.TypedKey `json:"deliver,omitempty"`
	EncodedOp []byte                `json:"encoded_op"`
}

// forwardHop is what an intermediate onion layer decrypts to: the next
// hop's node ids and the blob to re-wrap as that hop's RouteStatement.
type forwardHop struct {
	NextNodeIDs []cryptokind.TypedKey `json:"next_node_ids"`
	HopBlob     []byte                `json:"hop_blob"`
}

// WrapSafety builds the onion-wrapped RouteStatement for an operation being
// sent with a SafetySelection: it allocates a fresh
// route matching the requested hop count/stability, then encrypts the
// operation for the route's last hop first, working backward so each
// intermediate hop's layer wraps the next hop's blob.
func (e *Engine) WrapSafety(safety *rpc.SafetySpec, dest rpc.Destination, innerOp rpc.Operation) (rpc.RouteStatement, error) {
	set, err := e.Allocate(safety.HopCount, safety.Stability, rpc.SequencingNoPreference, DirectionOutbound)
	if err != nil {
		return rpc.RouteStatement{}, err
	}
	route, ok := set.Routes[e.kind]
	if !ok {
		return rpc.RouteStatement{}, verrors.New(verrors.Internal, "route: allocated set missing our kind")
	}
	e.mu.Lock()
	ar := e.routes[set.ID]
	e.mu.Unlock()

	cs, err := e.registry.Get(e.kind)
	if err != nil {
		return rpc.RouteStatement{}, err
	}

	encodedOp, err := rpc.EncodeOperation(innerOp)
	if err != nil {
		return rpc.RouteStatement{}, err
	}

	var deliver []cryptokind.TypedKey
	if dest.Node != nil {
		deliver = typedKeys(dest.Node)
	}
	fl := finalLayer{Deliver: deliver, EncodedOp: encodedOp}
	innerBytes, err := json.Marshal(fl)
	if err != nil {
		return rpc.RouteStatement{}, verrors.WrapKind(verrors.Internal, err, "route: marshal final layer")
	}

	blob, err := encryptLayer(cs, ar.ephemeral, route.Hops[len(route.Hops)-1].NodeID, -1, innerBytes)
	if err != nil {
		return rpc.RouteStatement{}, err
	}

	for i := len(route.Hops) - 2; i >= 0; i-- {
		fh := forwardHop{NextNodeIDs: []cryptokind.TypedKey{route.Hops[i+1].NodeID}, HopBlob: blob}
		fhBytes, err := json.Marshal(fh)
		if err != nil {
			return rpc.RouteStatement{}, verrors.WrapKind(verrors.Internal, err, "route: marshal forward hop")
		}
		blob, err = encryptLayer(cs, ar.ephemeral, route.Hops[i].NodeID, i+1, fhBytes)
		if err != nil {
			return rpc.RouteStatement{}, err
		}
	}

	route.Stats.RecordSent(e.clock.Now())
	return rpc.RouteStatement{SafetyRoute: true, HopBlob: blob}, nil
}

// Forward peels one onion layer off an inbound Route statement, using this
// node's own identity secret for the configured kind. If the layer names a
// further hop, Forward relays it onward and reports isLocal=false. At the
// final layer, Forward either relays the embedded operation to its external
// Deliver destination (safety-route exit) or hands it back for local
// dispatch (private-route terminus).
func (e *Engine) Forward(stmt rpc.RouteStatement) (rpc.OperationName, []byte, bool, error) {
	secret, ok := e.localSecrets[e.kind]
	if !ok {
		return "", nil, false, verrors.New(verrors.UnsupportedCryptoKind, "route: no local secret for configured kind")
	}
	cs, err := e.registry.Get(e.kind)
	if err != nil {
		return "", nil, false, err
	}

	nextIdx, inner, err := decryptLayer(cs, secret, stmt.HopBlob)
	if err != nil {
		return "", nil, false, err
	}

	if nextIdx >= 0 {
		var fh forwardHop
		if err := json.Unmarshal(inner, &fh); err != nil {
			return "", nil, false, verrors.WrapKind(verrors.ParseError, err, "route: unmarshal forward hop")
		}
		nextBody, err := rpc.EncodeBody(rpc.RouteStatement{SafetyRoute: stmt.SafetyRoute, HopBlob: fh.HopBlob})
		if err != nil {
			return "", nil, false, err
		}
		nextIDs := cryptokind.NewTypedKeyGroup()
		for _, k := range fh.NextNodeIDs {
			nextIDs.Add(k)
		}
		if e.rpcEng == nil {
			return "", nil, false, verrors.New(verrors.NotInitialized, "route: no rpc engine installed for forwarding")
		}
		if err := e.rpcEng.Statement(rpc.Destination{Kind: rpc.DestinationDirect, Node: nextIDs}, rpc.OpRoute, nextBody); err != nil {
			return "", nil, false, err
		}
		return "", nil, false, nil
	}

	var fl finalLayer
	if err := json.Unmarshal(inner, &fl); err != nil {
		return "", nil, false, verrors.WrapKind(verrors.ParseError, err, "route: unmarshal final layer")
	}
	op, err := rpc.DecodeOperation(fl.EncodedOp)
	if err != nil {
		return "", nil, false, err
	}

	if len(fl.Deliver) == 0 {
		// Private-route terminus: deliver to this node.
		return op.Name, fl.EncodedOp, true, nil
	}

	// Safety-route exit: relay the embedded operation on, unwrapped, to its
	// real external destination. The exit hop never learns which node
	// originated it beyond "whoever sent us this route statement".
	deliverIDs := cryptokind.NewTypedKeyGroup()
	for _, k := range fl.Deliver {
		deliverIDs.Add(k)
	}
	if e.rpcEng == nil {
		return "", nil, false, verrors.New(verrors.NotInitialized, "route: no rpc engine installed for forwarding")
	}
	// Exit delivery is always fire-and-forget: the exit hop has no waiter
	// for the original Question's op_id (it was never its own), so a
	// Question riding a safety route arrives at its target as a Statement.
	// True question/answer correlation over an anonymized path only works
	// when the caller's own node is the route's terminus.
	dest := rpc.Destination{Kind: rpc.DestinationDirect, Node: deliverIDs}
	if err := e.rpcEng.Statement(dest, op.Name, op.Body); err != nil {
		return "", nil, false, err
	}
	return "", nil, false, nil
}

func typedKeys(g *cryptokind.TypedKeyGroup) []cryptokind.TypedKey {
	var out []cryptokind.TypedKey
	for _, k := range g.Kinds() {
		v, _ := g.Get(k)
		out = append(out, v)
	}
	return out
}
