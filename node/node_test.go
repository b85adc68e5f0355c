package node

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilidcore/pkg/config"
	verrors "veilidcore/pkg/errors"
)

// quietConfig disables every transport so lifecycle tests never touch real
// sockets.
func quietConfig() *config.Config {
	return &config.Config{}
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *updateRecorder) attachments() []AttachmentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AttachmentState
	for _, u := range r.updates {
		if u.Kind == UpdateAttachment {
			out = append(out, u.Attachment)
		}
	}
	return out
}

func TestLifecycle(t *testing.T) {
	rec := &updateRecorder{}
	n, err := New(quietConfig(), Options{Update: rec.record})
	require.NoError(t, err)
	assert.Equal(t, StateStopped, n.State())

	require.NoError(t, n.Startup())
	assert.Equal(t, StateStarted, n.State())
	require.NotNil(t, n.NodeIDs())
	assert.NotEmpty(t, n.NodeIDs().Kinds())

	// Parallel startup is forbidden.
	err = n.Startup()
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.AlreadyInitialized))

	require.NoError(t, n.Shutdown())
	assert.Equal(t, StateStopped, n.State())
	assert.Equal(t, 0, n.manager.Len(), "connection table must be empty after shutdown")

	assert.Equal(t, []AttachmentState{
		AttachmentAttaching, AttachmentAttached, AttachmentDetaching, AttachmentDetached,
	}, rec.attachments())
}

func TestPublicEntryPointsFailWhenStopped(t *testing.T) {
	n, err := New(quietConfig(), Options{})
	require.NoError(t, err)

	err = n.SendAppMessage(nil, []byte("hi"))
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.NotInitialized))

	err = n.Shutdown()
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.NotInitialized))
}

func TestIdentityPersistsAcrossRestarts(t *testing.T) {
	secrets := NewMemSecretStore()

	n1, err := New(quietConfig(), Options{SecretStore: secrets})
	require.NoError(t, err)
	require.NoError(t, n1.Startup())
	first := n1.NodeIDs()
	require.NoError(t, n1.Shutdown())

	n2, err := New(quietConfig(), Options{SecretStore: secrets})
	require.NoError(t, err)
	require.NoError(t, n2.Startup())
	defer func() { require.NoError(t, n2.Shutdown()) }()

	for _, k := range first.Kinds() {
		want, _ := first.Get(k)
		got, ok := n2.NodeIDs().Get(k)
		require.True(t, ok)
		assert.True(t, want.Equal(got), "identity for %s must survive restart", k)
	}
}

func TestDebugCommands(t *testing.T) {
	n, err := New(quietConfig(), Options{})
	require.NoError(t, err)
	require.NoError(t, n.Startup())
	defer func() { require.NoError(t, n.Shutdown()) }()

	assert.Equal(t, "Started", n.Debug("state"))
	assert.Contains(t, n.Debug("peers"), "0 entries")
	assert.Contains(t, n.Debug("help"), "buckets")
	assert.Contains(t, n.Debug("nonsense"), "error")
	// No eligible hop candidates yet: allocation reports TryAgain.
	assert.Contains(t, n.Debug("route allocate 2"), "error")
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.MissingArgument))
}
