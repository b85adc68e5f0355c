package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/cryptokind"
)

func keyWithPrefix(prefix byte) cryptokind.TypedKey {
	v := make([]byte, 32)
	v[0] = prefix
	return cryptokind.TypedKey{Kind: cryptokind.KindVLD0, Value: v}
}

func groupFor(k cryptokind.TypedKey) *cryptokind.TypedKeyGroup {
	g := cryptokind.NewTypedKeyGroup()
	g.Add(k)
	return g
}

func fanoutEngine(t *testing.T) *Engine {
	t.Helper()
	reg := cryptokind.NewRegistry()
	cs, err := reg.Get(cryptokind.KindVLD0)
	require.NoError(t, err)
	kp, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	ids := cryptokind.NewTypedKeyGroup()
	ids.Add(kp.Key())
	secrets := map[cryptokind.Kind]cryptokind.TypedSecret{kp.Kind: kp.Secret()}
	return NewEngine(reg, ids, secrets, &fabricPort{f: newFabric(), drop: true}, DefaultConfig(), nil)
}

func TestFanoutDiscardsFartherPeers(t *testing.T) {
	e := fanoutEngine(t)
	target := keyWithPrefix(0x00)

	seedKey := keyWithPrefix(0x10)      // distance 0x10 from target
	closerKey := keyWithPrefix(0x01)    // strictly closer than seed
	violatorKey := keyWithPrefix(0xF0)  // farther than seed: must be discarded

	var mu sync.Mutex
	asked := make(map[string]bool)

	err := e.Fanout(cryptokind.KindVLD0, target, []*cryptokind.TypedKeyGroup{groupFor(seedKey)},
		FanoutConfig{Fanout: 2, Timeout: time.Second},
		func(peer *cryptokind.TypedKeyGroup) (AskResult, error) {
			pk, _ := peer.Get(cryptokind.KindVLD0)
			mu.Lock()
			asked[pk.String()] = true
			mu.Unlock()
			if pk.Equal(seedKey) {
				return AskResult{Peers: []PeerSummary{
					{NodeIDs: []cryptokind.TypedKey{closerKey}},
					{NodeIDs: []cryptokind.TypedKey{violatorKey}},
				}}, nil
			}
			return AskResult{}, nil
		})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, asked[seedKey.String()])
	assert.True(t, asked[closerKey.String()], "strictly closer peer should be queried")
	assert.False(t, asked[violatorKey.String()], "farther peer must be discarded, never queried")
}

func TestFanoutStopsOnDone(t *testing.T) {
	e := fanoutEngine(t)
	target := keyWithPrefix(0x00)

	var mu sync.Mutex
	askCount := 0

	// Every answer reports Done plus a closer peer; Done must win.
	err := e.Fanout(cryptokind.KindVLD0, target, []*cryptokind.TypedKeyGroup{groupFor(keyWithPrefix(0x40))},
		FanoutConfig{Fanout: 1, Timeout: time.Second},
		func(peer *cryptokind.TypedKeyGroup) (AskResult, error) {
			mu.Lock()
			askCount++
			mu.Unlock()
			return AskResult{
				Peers: []PeerSummary{{NodeIDs: []cryptokind.TypedKey{keyWithPrefix(0x01)}}},
				Done:  true,
			}, nil
		})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, askCount)
}

func TestFanoutSurvivesAskErrors(t *testing.T) {
	e := fanoutEngine(t)
	target := keyWithPrefix(0x00)

	err := e.Fanout(cryptokind.KindVLD0, target,
		[]*cryptokind.TypedKeyGroup{groupFor(keyWithPrefix(0x20)), groupFor(keyWithPrefix(0x30))},
		FanoutConfig{Fanout: 2, Timeout: time.Second},
		func(peer *cryptokind.TypedKeyGroup) (AskResult, error) {
			return AskResult{}, assert.AnError
		})
	require.NoError(t, err, "per-peer failures are dropped, not aggregated: Fanout returns nil even when every ask fails")
}
