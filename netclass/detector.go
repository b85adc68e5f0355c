package netclass

import (
	"crypto/rand"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"veilidcore/address"
	"veilidcore/cryptokind"
	"veilidcore/peerinfo"
	vclock "veilidcore/pkg/clock"
	verrors "veilidcore/pkg/errors"
	"veilidcore/rpc"
	"veilidcore/wire"
)

// pendingProbe is an in-flight dial-info validation: this node is waiting to
// see whether a receipt with nonce arrives back on the candidate dial info
// within the configured timeout.
type pendingProbe struct {
	done chan struct{}
}

// Detector runs the periodic Network Class Detector task: it
// probes its own dial info candidates through routing-table peers, infers a
// per-routing-domain NetworkClass from the results, and maintains relay
// selection when required.
type Detector struct {
	mu sync.Mutex

	registry      *cryptokind.Registry
	localIdentity *cryptokind.TypedKeyGroup
	localSecrets  map[cryptokind.Kind]cryptokind.TypedSecret
	kind          cryptokind.Kind

	engine *rpc.Engine
	sender DirectSender
	peers  PeerSource
	nat    *NATMapper

	pending map[[8]byte]*pendingProbe

	cfg   Config
	clock vclock.Clock
	log   *logrus.Logger

	lastPublished map[address.RoutingDomain]peerinfo.SignedNodeInfo
	relay         *peerinfo.PeerInfo
}

func NewDetector(reg *cryptokind.Registry, kind cryptokind.Kind, localIdentity *cryptokind.TypedKeyGroup, localSecrets map[cryptokind.Kind]cryptokind.TypedSecret, engine *rpc.Engine, sender DirectSender, peers PeerSource, cfg Config, log *logrus.Logger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Detector{
		registry:      reg,
		kind:          kind,
		localIdentity: localIdentity,
		localSecrets:  localSecrets,
		engine:        engine,
		sender:        sender,
		peers:         peers,
		pending:       make(map[[8]byte]*pendingProbe),
		cfg:           cfg,
		clock:         vclock.System(),
		log:           log,
		lastPublished: make(map[address.RoutingDomain]peerinfo.SignedNodeInfo),
	}
	if cfg.EnableUPnP {
		d.nat = NewNATMapper(log)
	}
	if engine != nil {
		engine.RegisterHandler(rpc.OpValidateDialInfo, d.handleValidateDialInfo)
	}
	return d
}

func (d *Detector) SetClock(c vclock.Clock) { d.clock = c }

// dialInfoBlob is the JSON encoding a ValidateDialInfoQ carries; net.IP
// implements encoding.TextMarshaler so address.DialInfo round-trips through
// plain encoding/json without a custom codec.
type dialInfoBlob = address.DialInfo

// ValidateDialInfo asks validator to bounce a receipt back to candidate,
// and reports whether one arrived within the configured timeout. A successful round trip proves inbound reachability of candidate
// from the public internet (or local network, depending on candidate's
// domain).
func (d *Detector) ValidateDialInfo(candidate address.DialInfo, validator *cryptokind.TypedKeyGroup) (bool, error) {
	if d.engine == nil {
		return false, verrors.New(verrors.NotInitialized, "netclass: no rpc engine installed")
	}
	var nonce [8]byte
	if _, err := cryptoRandRead(nonce[:]); err != nil {
		return false, verrors.WrapKind(verrors.Internal, err, "netclass: generate probe nonce")
	}

	diBlob, err := json.Marshal(dialInfoBlob(candidate))
	if err != nil {
		return false, verrors.WrapKind(verrors.Internal, err, "netclass: marshal dial info")
	}

	secret, ok := d.localSecrets[d.kind]
	if !ok {
		return false, verrors.Newf(verrors.InvalidArgument, "netclass: no local secret for kind %s", d.kind)
	}
	public, ok := d.localIdentity.Get(d.kind)
	if !ok {
		return false, verrors.Newf(verrors.InvalidArgument, "netclass: no local public key for kind %s", d.kind)
	}
	receiptBlob, err := wire.EncodeReceipt(d.registry, d.kind, secret, public, nonce, nil)
	if err != nil {
		return false, err
	}

	body, err := rpc.EncodeBody(rpc.ValidateDialInfoQ{DialInfoBlob: diBlob, ReceiptBlob: receiptBlob})
	if err != nil {
		return false, err
	}

	p := &pendingProbe{done: make(chan struct{})}
	d.mu.Lock()
	d.pending[nonce] = p
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, nonce)
		d.mu.Unlock()
	}()

	dest := rpc.Destination{Kind: rpc.DestinationDirect, Node: validator}
	if err := d.engine.Statement(dest, rpc.OpValidateDialInfo, body); err != nil {
		return false, err
	}

	timer := d.clock.NewTimer(d.cfg.ValidateTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// HandleInboundReceipt is given raw receipts (a Receipt is never
// enveloped): inbound data that starts with the receipt magic, and the blob
// of a ReturnReceipt operation, once neither was claimed by a route test.
// It checks whether the receipt resolves an in-flight probe. Returns true if raw was a receipt
// this detector consumed (whether or not it matched a pending probe).
func (d *Detector) HandleInboundReceipt(raw []byte) bool {
	rcpt, err := wire.DecodeReceipt(d.registry, raw)
	if err != nil {
		return false
	}
	d.mu.Lock()
	p, ok := d.pending[rcpt.Nonce]
	d.mu.Unlock()
	if ok {
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	return true
}

// handleValidateDialInfo answers an inbound ValidateDialInfo statement: best
// effort, attempt to deliver the embedded receipt directly to the candidate
// dial info. Failure here is never reported back to the
// asker — the asker's own timeout is how it learns the probe did not land.
func (d *Detector) handleValidateDialInfo(from *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	var q rpc.ValidateDialInfoQ
	if err := rpc.DecodeBody(op.Body, &q); err != nil {
		return "", nil, err
	}
	var di dialInfoBlob
	if err := json.Unmarshal(q.DialInfoBlob, &di); err != nil {
		return "", nil, verrors.WrapKind(verrors.ParseError, err, "netclass: decode dial info blob")
	}
	if d.sender == nil {
		return "", nil, nil
	}
	if err := d.sender.SendReceipt(address.DialInfo(di), q.ReceiptBlob); err != nil {
		d.log.WithError(err).Debug("netclass: validate dial info: send receipt failed")
	}
	return "", nil, nil
}

// Detect runs one full probe/classify/relay pass over candidates (this
// node's own dial info, one entry per locally listening protocol), and
// returns the per-routing-domain classification for domain.
func (d *Detector) Detect(domain address.RoutingDomain, candidates []address.DialInfo) Result {
	res := Result{Domain: domain}
	validators := d.peers.SelectValidators(domain, d.cfg.ValidatorsPerProbe)

	anyDirect := false
	anyMapped := false
	anyReached := false
	for _, cand := range candidates {
		class, reached := d.classifyCandidate(domain, cand, validators)
		res.DialInfo = append(res.DialInfo, DialInfoResult{DialInfo: cand, Domain: domain, Class: class, Reached: reached})
		if reached {
			anyReached = true
			switch class {
			case address.DialInfoClassDirect:
				anyDirect = true
			default:
				anyMapped = true
			}
		}
	}

	switch {
	case anyDirect:
		res.NetworkClass = address.NetworkClassInboundCapable
	case anyMapped:
		res.NetworkClass = address.NetworkClassInboundCapable
	case anyReached:
		res.NetworkClass = address.NetworkClassInboundCapable
	default:
		res.NetworkClass = address.NetworkClassOutboundOnly
	}

	res.RequiresRelay = res.NetworkClass != address.NetworkClassInboundCapable
	if res.RequiresRelay {
		if rc, ok := d.selectRelay(); ok {
			res.Relay = &rc.PeerInfo
		}
	} else {
		d.clearRelay()
	}
	return res
}

// classifyCandidate probes cand through every validator until one succeeds
// (or all fail), and derives a DialInfoClass: a direct probe success with no
// NAT mapping in play is Direct; a success reached only because the local
// NATMapper installed a port mapping is Mapped (the most permissive NAT
// class this detector can positively confirm"choose
// the most permissive NAT class that matched" — finer NAT discrimination
// (full-cone vs (address|port)-restricted) needs multiple external vantage
// points this simplified detector does not attempt).
func (d *Detector) classifyCandidate(domain address.RoutingDomain, cand address.DialInfo, validators []*cryptokind.TypedKeyGroup) (address.DialInfoClass, bool) {
	mapped := d.nat != nil && d.nat.IsMapped(cand.Port)
	for _, v := range validators {
		ok, err := d.ValidateDialInfo(cand, v)
		if err != nil {
			continue
		}
		if ok {
			if mapped {
				return address.DialInfoClassMapped, true
			}
			return address.DialInfoClassDirect, true
		}
	}
	return address.DialInfoClassBlocked, false
}

func cryptoRandRead(b []byte) (int, error) { return rand.Read(b) }
