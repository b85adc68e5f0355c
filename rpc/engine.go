package rpc

import (
	"time"

	"github.com/sirupsen/logrus"

	"veilidcore/cryptokind"
	vclock "veilidcore/pkg/clock"
	verrors "veilidcore/pkg/errors"
	"veilidcore/wire"
)

// Sender is the outbound transport seam: given a peer's node-id key group
// and an encoded envelope, get the bytes onto the wire. The node
// orchestrator implements this over conn.Manager + the protocol handlers so
// rpc never imports the transport packages directly.
type Sender interface {
	SendTo(nodeIDs *cryptokind.TypedKeyGroup, envelope []byte) error
}

// RouteWrapper wraps an outbound operation in a Route statement when a
// caller's SafetySelection requests anonymity hops, and unwraps/forwards an
// inbound Route statement one layer. Implemented by the route package;
// defined here (not imported) to keep rpc decoupled from route — route
// imports rpc for Destination/Operation types, not the other way around.
type RouteWrapper interface {
	// WrapSafety builds a RouteStatement whose final onion layer embeds the
	// complete original operation (opID/kind/name/body), self-contained, so
	// an intermediate hop never learns the correlation id carried inside.
	WrapSafety(safety *SafetySpec, dest Destination, innerOp Operation) (RouteStatement, error)
	Forward(stmt RouteStatement) (finalName OperationName, finalBody []byte, isLocal bool, err error)
}

// Handler answers a received Question or processes a Statement. For a
// Question it returns the Answer body and name; for a Statement it returns
// ("", nil, nil).
type Handler func(fromIDs *cryptokind.TypedKeyGroup, op Operation) (answerName OperationName, answerBody []byte, err error)

// Config bounds the engine's timing/size behavior.
type Config struct {
	Timeout            time.Duration
	MaxTimestampBehind time.Duration
	MaxTimestampAhead  time.Duration
	QueueSize          int
}

func DefaultConfig() Config {
	return Config{
		Timeout:            5 * time.Second,
		MaxTimestampBehind: 10 * time.Second,
		MaxTimestampAhead:  10 * time.Second,
		QueueSize:          1024,
	}
}

// Engine is the RPC State Machine: it builds, sends, and
// dispatches Questions/Statements/Answers, owns op_id correlation, and
// optionally wraps outbound operations in a private route.
type Engine struct {
	registry      *cryptokind.Registry
	localIdentity *cryptokind.TypedKeyGroup
	localSecrets  map[cryptokind.Kind]cryptokind.TypedSecret

	sender Sender
	route  RouteWrapper // may be nil: no safety-route wrapping available

	waiters *WaiterRegistry
	clock   vclock.Clock
	cfg     Config
	log     *logrus.Logger

	handlers map[OperationName]Handler

	shutdownCh chan struct{}
}

func NewEngine(reg *cryptokind.Registry, localIdentity *cryptokind.TypedKeyGroup, localSecrets map[cryptokind.Kind]cryptokind.TypedSecret, sender Sender, cfg Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	clk := vclock.System()
	return &Engine{
		registry:      reg,
		localIdentity: localIdentity,
		localSecrets:  localSecrets,
		sender:        sender,
		waiters:       NewWaiterRegistry(clk),
		clock:         clk,
		cfg:           cfg,
		log:           log,
		handlers:      make(map[OperationName]Handler),
		shutdownCh:    make(chan struct{}),
	}
}

// SetRouteWrapper installs the private route engine's wrap/forward seam.
func (e *Engine) SetRouteWrapper(r RouteWrapper) { e.route = r }

// SetClock overrides the engine's clock (tests use a mock).
func (e *Engine) SetClock(c vclock.Clock) { e.clock = c }

// RegisterHandler installs the handler for name, replacing any existing one.
func (e *Engine) RegisterHandler(name OperationName, h Handler) {
	e.handlers[name] = h
}

// pickKind chooses the best crypto kind both the local node and dest share.
func (e *Engine) pickKind(destIDs *cryptokind.TypedKeyGroup) (cryptokind.Kind, error) {
	supported := e.registry.Supported()
	destKind, ok := destIDs.Best(supported)
	if !ok {
		return cryptokind.Kind{}, verrors.New(verrors.InvalidArgument, "rpc: no shared crypto kind with destination")
	}
	return destKind.Kind, nil
}

func (e *Engine) encodeEnvelope(kind cryptokind.Kind, destIDs *cryptokind.TypedKeyGroup, payload []byte) ([]byte, error) {
	senderSecret, ok := e.localSecrets[kind]
	if !ok {
		return nil, verrors.Newf(verrors.InvalidArgument, "rpc: no local secret for kind %s", kind)
	}
	senderPublic, ok := e.localIdentity.Get(kind)
	if !ok {
		return nil, verrors.Newf(verrors.InvalidArgument, "rpc: no local public key for kind %s", kind)
	}
	recipientPublic, ok := destIDs.Get(kind)
	if !ok {
		return nil, verrors.Newf(verrors.InvalidArgument, "rpc: destination has no key of kind %s", kind)
	}
	cs, err := e.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, cs.NonceSize())
	if _, err := cryptoRandRead(nonce); err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "rpc: generate nonce")
	}
	return wire.Encode(e.registry, kind, senderSecret, senderPublic, recipientPublic, payload, nonce, e.clock.Now())
}

// send constructs and optionally safety-wraps an operation, then
// sends it to dest via Sender.
func (e *Engine) send(dest Destination, kind OpKind, name OperationName, body []byte, opID uint64) error {
	destIDs := dest.targetIDs()

	finalName, finalBody := name, body
	if dest.Safety.Safety != nil {
		if e.route == nil {
			return verrors.New(verrors.TryAgain, "rpc: safety route requested but no route engine installed")
		}
		innerOp := Operation{OpID: opID, Kind: kind, Name: name, Body: body, Timestamp: e.clock.Now()}
		stmt, err := e.route.WrapSafety(dest.Safety.Safety, dest, innerOp)
		if err != nil {
			return err
		}
		wrapped, err := EncodeBody(stmt)
		if err != nil {
			return err
		}
		finalName, finalBody = OpRoute, wrapped
	}

	op := Operation{OpID: opID, Kind: kind, Name: finalName, Body: finalBody, Timestamp: e.clock.Now()}
	encodedOp, err := EncodeOperation(op)
	if err != nil {
		return err
	}
	cryptoKind, err := e.pickKind(destIDs)
	if err != nil {
		return err
	}
	envelope, err := e.encodeEnvelope(cryptoKind, destIDs, encodedOp)
	if err != nil {
		return err
	}
	return e.sender.SendTo(destIDs, envelope)
}

// targetIDs resolves the node-id key group a Destination's envelope should
// be addressed to: the relay hop for Relay destinations (the relay is who
// actually receives the packet), the route's first hop is the route
// engine's concern for PrivateRoute destinations.
func (d Destination) targetIDs() *cryptokind.TypedKeyGroup {
	switch d.Kind {
	case DestinationRelay:
		return d.Relay
	default:
		return d.Node
	}
}

// Statement sends a fire-and-forget operation; no waiter is registered.
func (e *Engine) Statement(dest Destination, name OperationName, body []byte) error {
	return e.send(dest, OpKindStatement, name, body, NewOpID())
}

// Question sends a Question and blocks for its correlated Answer or until
// timeout elapses.
func (e *Engine) Question(dest Destination, name OperationName, body []byte) (Operation, error) {
	opID := NewOpID()
	w, err := e.waiters.Register(opID)
	if err != nil {
		return Operation{}, err
	}
	if err := e.send(dest, OpKindQuestion, name, body, opID); err != nil {
		e.waiters.Remove(opID)
		return Operation{}, err
	}
	return e.waiters.Wait(opID, w, e.cfg.Timeout, e.shutdownCh)
}

// Answer sends an Answer correlated to a previously-received Question's
// op_id.
func (e *Engine) Answer(dest Destination, opID uint64, name OperationName, body []byte) error {
	return e.send(dest, OpKindAnswer, name, body, opID)
}

// Shutdown cancels every outstanding waiter with Shutdown.
func (e *Engine) Shutdown() {
	close(e.shutdownCh)
	e.waiters.RemoveAll()
}
