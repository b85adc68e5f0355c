package netclass

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/address"
	"veilidcore/cryptokind"
	vclock "veilidcore/pkg/clock"
	"veilidcore/rpc"
)

// loopbackSender wires two rpc.Engines together synchronously by node id,
// standing in for the network so ValidateDialInfo's round trip can be
// exercised without real sockets.
type loopbackSender struct {
	byKey map[string]*rpc.Engine
	kind  cryptokind.Kind
}

func newLoopbackSender(kind cryptokind.Kind) *loopbackSender {
	return &loopbackSender{byKey: make(map[string]*rpc.Engine), kind: kind}
}

func (s *loopbackSender) register(ids *cryptokind.TypedKeyGroup, e *rpc.Engine) {
	pk, _ := ids.Get(s.kind)
	s.byKey[pk.String()] = e
}

func (s *loopbackSender) SendTo(nodeIDs *cryptokind.TypedKeyGroup, envelope []byte) error {
	pk, ok := nodeIDs.Get(s.kind)
	if !ok {
		return nil
	}
	e, ok := s.byKey[pk.String()]
	if !ok {
		return nil
	}
	return e.HandleEnvelope(envelope)
}

type noopPeerSource struct{}

func (noopPeerSource) SelectValidators(address.RoutingDomain, int) []*cryptokind.TypedKeyGroup {
	return nil
}
func (noopPeerSource) SelectRelayCandidates() []RelayCandidate { return nil }

type fakeDirectSender struct {
	deliverTo func(raw []byte)
}

func (f *fakeDirectSender) SendReceipt(di address.DialInfo, receiptBlob []byte) error {
	f.deliverTo(receiptBlob)
	return nil
}

func newIdentity(t *testing.T, reg *cryptokind.Registry, kind cryptokind.Kind) (*cryptokind.TypedKeyGroup, map[cryptokind.Kind]cryptokind.TypedSecret) {
	cs, err := reg.Get(kind)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	ids := cryptokind.NewTypedKeyGroup()
	ids.Add(kp.Key())
	return ids, map[cryptokind.Kind]cryptokind.TypedSecret{kind: kp.Secret()}
}

func TestValidateDialInfoSucceedsWhenReceiptReturns(t *testing.T) {
	reg := cryptokind.NewRegistry()
	kind := cryptokind.KindVLD0
	sender := newLoopbackSender(kind)

	aIDs, aSecrets := newIdentity(t, reg, kind)
	bIDs, bSecrets := newIdentity(t, reg, kind)

	engineA := rpc.NewEngine(reg, aIDs, aSecrets, sender, rpc.DefaultConfig(), nil)
	engineB := rpc.NewEngine(reg, bIDs, bSecrets, sender, rpc.DefaultConfig(), nil)
	sender.register(aIDs, engineA)
	sender.register(bIDs, engineB)

	detA := NewDetector(reg, kind, aIDs, aSecrets, engineA, nil, noopPeerSource{}, DefaultConfig(), nil)
	_ = NewDetector(reg, kind, bIDs, bSecrets, engineB, &fakeDirectSender{
		deliverTo: func(raw []byte) { detA.HandleInboundReceipt(raw) },
	}, noopPeerSource{}, DefaultConfig(), nil)

	candidate := address.DialInfo{Protocol: address.ProtocolUDP, Address: net.ParseIP("203.0.113.5"), Port: 5150}
	ok, err := detA.ValidateDialInfo(candidate, bIDs)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateDialInfoTimesOutWithNoReceipt(t *testing.T) {
	reg := cryptokind.NewRegistry()
	kind := cryptokind.KindVLD0
	sender := newLoopbackSender(kind)

	aIDs, aSecrets := newIdentity(t, reg, kind)
	bIDs, bSecrets := newIdentity(t, reg, kind)

	engineA := rpc.NewEngine(reg, aIDs, aSecrets, sender, rpc.DefaultConfig(), nil)
	engineB := rpc.NewEngine(reg, bIDs, bSecrets, sender, rpc.DefaultConfig(), nil)
	sender.register(aIDs, engineA)
	sender.register(bIDs, engineB)

	detA := NewDetector(reg, kind, aIDs, aSecrets, engineA, nil, noopPeerSource{}, DefaultConfig(), nil)
	// B never actually delivers the receipt anywhere (no DirectSender
	// installed): no receipt arrives within the timeout.
	_ = NewDetector(reg, kind, bIDs, bSecrets, engineB, nil, noopPeerSource{}, DefaultConfig(), nil)

	mock := vclock.NewMock()
	detA.SetClock(mock)

	candidate := address.DialInfo{Protocol: address.ProtocolUDP, Address: net.ParseIP("203.0.113.5"), Port: 5150}
	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		ok, err := detA.ValidateDialInfo(candidate, bIDs)
		resultCh <- ok
		errCh <- err
	}()

	// Give the goroutine a moment to register its timer before advancing.
	time.Sleep(10 * time.Millisecond)
	mock.Add(DefaultConfig().ValidateTimeout + time.Second)

	require.NoError(t, <-errCh)
	assert.False(t, <-resultCh)
}

func TestDetectNoValidatorsYieldsOutboundOnly(t *testing.T) {
	reg := cryptokind.NewRegistry()
	kind := cryptokind.KindVLD0
	aIDs, aSecrets := newIdentity(t, reg, kind)

	det := NewDetector(reg, kind, aIDs, aSecrets, nil, nil, noopPeerSource{}, DefaultConfig(), nil)
	candidates := []address.DialInfo{{Protocol: address.ProtocolUDP, Address: net.ParseIP("203.0.113.5"), Port: 5150}}
	res := det.Detect(address.RoutingDomainPublicInternet, candidates)

	assert.Equal(t, address.NetworkClassOutboundOnly, res.NetworkClass)
	assert.True(t, res.RequiresRelay)
	require.Len(t, res.DialInfo, 1)
	assert.False(t, res.DialInfo[0].Reached)
	assert.Equal(t, address.DialInfoClassBlocked, res.DialInfo[0].Class)
}

func TestSelectRelayWithNoCandidates(t *testing.T) {
	reg := cryptokind.NewRegistry()
	kind := cryptokind.KindVLD0
	aIDs, aSecrets := newIdentity(t, reg, kind)
	det := NewDetector(reg, kind, aIDs, aSecrets, nil, nil, noopPeerSource{}, DefaultConfig(), nil)

	_, ok := det.selectRelay()
	assert.False(t, ok)
}
