package conn

import (
	"sync"
	"time"

	verrors "veilidcore/pkg/errors"
)

// Fragment is one self-describing chunk of a larger UDP message.
type Fragment struct {
	RemoteAddr string
	MessageID  uint32
	ChunkIndex uint16
	ChunkCount uint16
	Data       []byte
}

type partialKey struct {
	remoteAddr string
	messageID  uint32
}

type partialMessage struct {
	chunks   map[uint16][]byte
	total    uint16
	deadline time.Time
}

// AssemblyBuffer reassembles UDP fragments indexed by (remote_addr,
// message_id), dropping partials whose TTL expires.
type AssemblyBuffer struct {
	mu             sync.Mutex
	partials       map[partialKey]*partialMessage
	ttl            time.Duration
	maxMessageLen  int
	perRemoteQuota int
}

func NewAssemblyBuffer(ttl time.Duration, maxMessageLen, perRemoteQuota int) *AssemblyBuffer {
	return &AssemblyBuffer{
		partials:       make(map[partialKey]*partialMessage),
		ttl:            ttl,
		maxMessageLen:  maxMessageLen,
		perRemoteQuota: perRemoteQuota,
	}
}

// Add ingests one fragment. It returns the complete message and true once
// every chunk for its (remote_addr, message_id) has arrived.
func (a *AssemblyBuffer) Add(f Fragment, now time.Time) ([]byte, bool, error) {
	if f.ChunkCount == 1 {
		if len(f.Data) > a.maxMessageLen {
			return nil, false, verrors.Newf(verrors.InvalidArgument, "conn: message %d bytes exceeds max %d", len(f.Data), a.maxMessageLen)
		}
		return f.Data, true, nil
	}

	key := partialKey{f.RemoteAddr, f.MessageID}

	a.mu.Lock()
	defer a.mu.Unlock()

	pm, ok := a.partials[key]
	if !ok {
		if a.remoteQuotaExceededLocked(f.RemoteAddr) {
			return nil, false, verrors.New(verrors.InvalidArgument, "conn: per-remote assembly quota exceeded")
		}
		pm = &partialMessage{chunks: make(map[uint16][]byte), total: f.ChunkCount, deadline: now.Add(a.ttl)}
		a.partials[key] = pm
	}
	pm.chunks[f.ChunkIndex] = f.Data

	if len(pm.chunks) < int(pm.total) {
		return nil, false, nil
	}

	out := make([]byte, 0, a.maxMessageLen)
	for i := uint16(0); i < pm.total; i++ {
		chunk, ok := pm.chunks[i]
		if !ok {
			return nil, false, nil // shouldn't happen given the length check above
		}
		out = append(out, chunk...)
	}
	delete(a.partials, key)

	if len(out) > a.maxMessageLen {
		return nil, false, verrors.Newf(verrors.InvalidArgument, "conn: reassembled message %d bytes exceeds max %d", len(out), a.maxMessageLen)
	}
	return out, true, nil
}

func (a *AssemblyBuffer) remoteQuotaExceededLocked(remoteAddr string) bool {
	count := 0
	for k := range a.partials {
		if k.remoteAddr == remoteAddr {
			count++
		}
	}
	return count >= a.perRemoteQuota
}

// Sweep drops partial messages whose TTL has expired; unresolved partials
// are dropped silently.
func (a *AssemblyBuffer) Sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, pm := range a.partials {
		if now.After(pm.deadline) {
			delete(a.partials, k)
		}
	}
}

// Pending reports the number of in-flight partial messages, for tests and
// diagnostics.
func (a *AssemblyBuffer) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partials)
}
