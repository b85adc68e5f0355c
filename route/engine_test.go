package route

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
	"veilidcore/rpc"
)

type fakePeerSource struct {
	candidates []HopCandidate
}

func (f *fakePeerSource) SelectHops(kind cryptokind.Kind, count int, preferReliable bool, exclude map[string]bool) []HopCandidate {
	var out []HopCandidate
	for _, c := range f.candidates {
		if exclude[c.Public.String()] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func newTestIdentity(t *testing.T, reg *cryptokind.Registry, kind cryptokind.Kind) (*cryptokind.TypedKeyGroup, map[cryptokind.Kind]cryptokind.TypedSecret) {
	cs, err := reg.Get(kind)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	ids := cryptokind.NewTypedKeyGroup()
	ids.Add(kp.Key())
	return ids, map[cryptokind.Kind]cryptokind.TypedSecret{kind: kp.Secret()}
}

func TestEngineAllocateRejectsTooFewCandidates(t *testing.T) {
	reg := cryptokind.NewRegistry()
	kind := cryptokind.KindVLD0
	ids, secrets := newTestIdentity(t, reg, kind)

	e := NewEngine(reg, kind, ids, secrets, &fakePeerSource{}, DefaultConfig(), nil)
	_, err := e.Allocate(2, rpc.StabilityLowLatency, rpc.SequencingNoPreference, DirectionOutbound)
	require.Error(t, err)
}

func TestEngineAllocateBuildsRequestedHopCount(t *testing.T) {
	reg := cryptokind.NewRegistry()
	kind := cryptokind.KindVLD0
	ids, secrets := newTestIdentity(t, reg, kind)

	cs, err := reg.Get(kind)
	require.NoError(t, err)

	var candidates []HopCandidate
	for i := 0; i < 3; i++ {
		kp, err := cs.GenerateKeyPair()
		require.NoError(t, err)
		g := cryptokind.NewTypedKeyGroup()
		g.Add(kp.Key())
		candidates = append(candidates, HopCandidate{NodeIDs: g, Public: kp.Key(), Reliable: true})
	}

	e := NewEngine(reg, kind, ids, secrets, &fakePeerSource{candidates: candidates}, DefaultConfig(), nil)
	set, err := e.Allocate(2, rpc.StabilityReliable, rpc.SequencingNoPreference, DirectionOutbound)
	require.NoError(t, err)
	route, ok := set.Routes[kind]
	require.True(t, ok)
	assert.Len(t, route.Hops, 2)
}

func TestStatsNeedsTesting(t *testing.T) {
	now := time.Now()
	s := NewStats(now)
	assert.True(t, s.NeedsTesting(now, time.Minute))
	s.LastTested = now
	s.LastSent = now
	assert.False(t, s.NeedsTesting(now.Add(30*time.Second), time.Minute))
	assert.True(t, s.NeedsTesting(now.Add(2*time.Minute), time.Minute))
}

func TestStatsUnreliable(t *testing.T) {
	s := NewStats(time.Now())
	for i := 0; i < 4; i++ {
		s.RecordSent(time.Now())
	}
	s.QuestionsLost = 2
	assert.True(t, s.Unreliable())
}
