package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
	vclock "veilidcore/pkg/clock"
	verrors "veilidcore/pkg/errors"
)

// fabric is an in-memory wire: it routes encoded envelopes between engines
// by node-id key, standing in for the connection manager.
type fabric struct {
	engines map[string]*Engine
}

func newFabric() *fabric { return &fabric{engines: make(map[string]*Engine)} }

func (f *fabric) attach(ids *cryptokind.TypedKeyGroup, e *Engine) {
	for _, k := range ids.Kinds() {
		id, _ := ids.Get(k)
		f.engines[id.String()] = e
	}
}

type fabricPort struct {
	f    *fabric
	drop bool
}

func (p *fabricPort) SendTo(nodeIDs *cryptokind.TypedKeyGroup, envelope []byte) error {
	if p.drop {
		return nil
	}
	for _, k := range nodeIDs.Kinds() {
		id, _ := nodeIDs.Get(k)
		if e, ok := p.f.engines[id.String()]; ok {
			// Deliver asynchronously, like a real socket would.
			go func() { _ = e.HandleEnvelope(envelope) }()
			return nil
		}
	}
	return verrors.New(verrors.NoConnection, "fabric: unknown peer")
}

func testEngine(t *testing.T, f *fabric, port *fabricPort) (*Engine, *cryptokind.TypedKeyGroup) {
	t.Helper()
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	ids := cryptokind.NewTypedKeyGroup()
	ids.Add(kp.Key())
	secrets := map[cryptokind.Kind]cryptokind.TypedSecret{kp.Kind: kp.Secret()}
	e := NewEngine(reg, ids, secrets, port, DefaultConfig(), nil)
	f.attach(ids, e)
	return e, ids
}

func TestQuestionAnswerRoundTrip(t *testing.T) {
	f := newFabric()
	port := &fabricPort{f: f}
	asker, _ := testEngine(t, f, port)
	answerer, answererIDs := testEngine(t, f, port)

	answerer.RegisterHandler(OpStatus, func(from *cryptokind.TypedKeyGroup, op Operation) (OperationName, []byte, error) {
		body, err := EncodeBody(StatusA{NetworkClass: 1})
		require.NoError(t, err)
		return OpStatus, body, nil
	})

	body, err := EncodeBody(StatusQ{})
	require.NoError(t, err)
	dest := Destination{Kind: DestinationDirect, Node: answererIDs}
	ans, err := asker.Question(dest, OpStatus, body)
	require.NoError(t, err)

	var sa StatusA
	require.NoError(t, DecodeBody(ans.Body, &sa))
	assert.Equal(t, 1, sa.NetworkClass)
}

func TestQuestionTimesOutWhenAnswerNeverArrives(t *testing.T) {
	f := newFabric()
	port := &fabricPort{f: f, drop: true}
	asker, _ := testEngine(t, f, port)
	_, otherIDs := testEngine(t, f, port)

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	asker.cfg = cfg

	body, err := EncodeBody(StatusQ{})
	require.NoError(t, err)
	_, err = asker.Question(Destination{Kind: DestinationDirect, Node: otherIDs}, OpStatus, body)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.Timeout))
}

func TestShutdownCancelsOutstandingQuestions(t *testing.T) {
	f := newFabric()
	port := &fabricPort{f: f, drop: true}
	asker, _ := testEngine(t, f, port)
	_, otherIDs := testEngine(t, f, port)

	errCh := make(chan error, 1)
	go func() {
		body, _ := EncodeBody(StatusQ{})
		_, err := asker.Question(Destination{Kind: DestinationDirect, Node: otherIDs}, OpStatus, body)
		errCh <- err
	}()

	// Give the question time to register its waiter before shutting down.
	time.Sleep(20 * time.Millisecond)
	asker.Shutdown()

	select {
	case err := <-errCh:
		assert.True(t, verrors.Is(err, verrors.Shutdown))
	case <-time.After(time.Second):
		t.Fatal("question did not unblock on shutdown")
	}
}

func TestEnvelopeOutsideSkewWindowRejected(t *testing.T) {
	f := newFabric()
	port := &fabricPort{f: f, drop: true}
	sender, _ := testEngine(t, f, port)
	receiver, receiverIDs := testEngine(t, f, port)

	// Park the sender's clock far in the past so its envelope timestamp
	// lands outside the receiver's skew window.
	mock := vclock.NewMock()
	sender.SetClock(mock)

	body, err := EncodeBody(StatusQ{})
	require.NoError(t, err)
	op := Operation{OpID: NewOpID(), Kind: OpKindStatement, Name: OpStatus, Body: body, Timestamp: mock.Now()}
	encodedOp, err := EncodeOperation(op)
	require.NoError(t, err)

	kind, err := sender.pickKind(receiverIDs)
	require.NoError(t, err)
	envelope, err := sender.encodeEnvelope(kind, receiverIDs, encodedOp)
	require.NoError(t, err)

	err = receiver.HandleEnvelope(envelope)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.InvalidMessage))
}

func TestUnknownStatementDroppedSilently(t *testing.T) {
	f := newFabric()
	port := &fabricPort{f: f}
	sender, _ := testEngine(t, f, port)
	_, receiverIDs := testEngine(t, f, port)

	body, err := EncodeBody(StatusQ{})
	require.NoError(t, err)
	// A statement for an unregistered handler is dropped silently; the send
	// itself succeeds.
	err = sender.Statement(Destination{Kind: DestinationDirect, Node: receiverIDs}, OpSignal, body)
	require.NoError(t, err)
}

func TestOpIDCollisionRejected(t *testing.T) {
	clk := vclock.NewMock()
	r := NewWaiterRegistry(clk)
	_, err := r.Register(42)
	require.NoError(t, err)
	_, err = r.Register(42)
	require.Error(t, err)
}

func TestLateAnswerSilentlyDropped(t *testing.T) {
	clk := vclock.NewMock()
	r := NewWaiterRegistry(clk)
	w, err := r.Register(7)
	require.NoError(t, err)
	r.Remove(7)
	r.Resolve(Operation{OpID: 7})
	select {
	case <-w.resultCh:
		t.Fatal("late answer must not be delivered")
	default:
	}
}
