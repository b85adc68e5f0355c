// Package routingtable implements the per-crypto-kind Kademlia bucket table:
// XOR-distance bucket selection, liveness accounting, eviction, and
// find-closest queries.
package routingtable

import (
	"sync"
	"sync/atomic"
	"time"

	"veilidcore/cryptokind"
)

// Liveness is a bucket entry's reachability state.
type Liveness int

const (
	LivenessDead Liveness = iota
	LivenessUnreliable
	LivenessReliable
)

func (l Liveness) String() string {
	switch l {
	case LivenessReliable:
		return "Reliable"
	case LivenessUnreliable:
		return "Unreliable"
	default:
		return "Dead"
	}
}

// stateOrder: Dead kicked first.
func (l Liveness) stateOrder() int { return int(l) }

// TransferStats is a rolling up/down byte-rate window.
type TransferStats struct {
	Up, Down uint64
}

// LatencyStats tracks fastest/average/slowest over a fixed-size rolling
// window.
type LatencyStats struct {
	samples    []time.Duration
	maxSamples int
}

func newLatencyStats(maxSamples int) *LatencyStats {
	return &LatencyStats{maxSamples: maxSamples}
}

func (s *LatencyStats) Record(d time.Duration) {
	s.samples = append(s.samples, d)
	if len(s.samples) > s.maxSamples {
		s.samples = s.samples[len(s.samples)-s.maxSamples:]
	}
}

func (s *LatencyStats) FastestAvgSlowest() (fastest, avg, slowest time.Duration) {
	if len(s.samples) == 0 {
		return 0, 0, 0
	}
	fastest, slowest = s.samples[0], s.samples[0]
	var sum time.Duration
	for _, d := range s.samples {
		if d < fastest {
			fastest = d
		}
		if d > slowest {
			slowest = d
		}
		sum += d
	}
	return fastest, sum / time.Duration(len(s.samples)), slowest
}

// LivenessThresholds is the configurable set of windows/retry counts that
// drive Entry.recompute. Exact numeric thresholds are left as an open
// question; these defaults are sensible, not mandated.
type LivenessThresholds struct {
	ReliablePingSpan     time.Duration
	UnreliablePingSpan   time.Duration
	MaxConsecutiveFails  int
	FirstPingGracePeriod time.Duration
}

// DefaultLivenessThresholds is the default liveness window set.
func DefaultLivenessThresholds() LivenessThresholds {
	return LivenessThresholds{
		ReliablePingSpan:     30 * time.Second,
		UnreliablePingSpan:   5 * time.Minute,
		MaxConsecutiveFails:  3,
		FirstPingGracePeriod: 10 * time.Second,
	}
}

// SignedNodeInfo is the per-routing-domain peer-info blob an entry caches;
// its contents (dial info list, capabilities, signatures) belong to the
// rpc/address packages and are stored here as an opaque, timestamped blob so
// the routing table never needs to understand signature formats.
type SignedNodeInfo struct {
	Timestamp time.Time
	Blob      []byte
}

// Entry is per-peer routing-table state.
type Entry struct {
	mu sync.Mutex

	nodeIDs   *cryptokind.TypedKeyGroup
	nodeInfo  map[RoutingDomainKey]SignedNodeInfo
	lastSend  map[domainProtoKey]time.Time
	lastRecv  map[domainProtoKey]time.Time
	latency   *LatencyStats
	transfer  TransferStats
	liveness  Liveness
	timeAdded time.Time

	lastPingResponse time.Time
	consecutiveFails int
	everResponded    bool

	refCount int32
}

// RoutingDomainKey and domainProtoKey index per-domain and per-(domain,
// protocol) entry state without importing the address package (kept
// uncoupled; callers pass small int keys they define meaning for).
type RoutingDomainKey int
type domainProtoKey struct {
	Domain   RoutingDomainKey
	Protocol int
}

func newEntry(ids *cryptokind.TypedKeyGroup, now time.Time) *Entry {
	return &Entry{
		nodeIDs:   ids,
		nodeInfo:  make(map[RoutingDomainKey]SignedNodeInfo),
		lastSend:  make(map[domainProtoKey]time.Time),
		lastRecv:  make(map[domainProtoKey]time.Time),
		latency:   newLatencyStats(10),
		liveness:  LivenessUnreliable,
		timeAdded: now,
	}
}

// NodeIDs returns the entry's typed key group. Per the invariant, this never
// shrinks: merges only add kinds.
func (e *Entry) NodeIDs() *cryptokind.TypedKeyGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeIDs
}

func (e *Entry) TimeAdded() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeAdded
}

func (e *Entry) Liveness() Liveness {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveness
}

// LatencyStats returns the entry's rolling round-trip latency window.
func (e *Entry) LatencyStats() (fastest, avg, slowest time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latency.FastestAvgSlowest()
}

// SetNodeInfo replaces the cached signed node info for a routing domain if
// the new one is newer, per the entry-merge rule.
func (e *Entry) SetNodeInfo(domain RoutingDomainKey, info SignedNodeInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.nodeInfo[domain]; !ok || info.Timestamp.After(existing.Timestamp) {
		e.nodeInfo[domain] = info
	}
}

func (e *Entry) NodeInfo(domain RoutingDomainKey) (SignedNodeInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.nodeInfo[domain]
	return v, ok
}

// RecordSend timestamps an outbound send on (domain, protocol).
func (e *Entry) RecordSend(domain RoutingDomainKey, protocol int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSend[domainProtoKey{domain, protocol}] = now
}

// RecordReceive timestamps an inbound receive and recomputes liveness
// (receiving from a peer always demonstrates it is at least reachable).
func (e *Entry) RecordReceive(domain RoutingDomainKey, protocol int, now time.Time, thresholds LivenessThresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRecv[domainProtoKey{domain, protocol}] = now
	e.everResponded = true
	e.lastPingResponse = now
	e.consecutiveFails = 0
	e.recomputeLocked(now, thresholds)
}

// RecordPingFailure bumps the consecutive-failure counter and recomputes
// liveness.
func (e *Entry) RecordPingFailure(now time.Time, thresholds LivenessThresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFails++
	e.recomputeLocked(now, thresholds)
}

// Recompute re-derives liveness from elapsed time without a fresh event
// (called by the periodic liveness-sweep task).
func (e *Entry) Recompute(now time.Time, thresholds LivenessThresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputeLocked(now, thresholds)
}

func (e *Entry) recomputeLocked(now time.Time, t LivenessThresholds) {
	switch {
	case e.consecutiveFails > t.MaxConsecutiveFails:
		e.liveness = LivenessDead
	case !e.everResponded:
		if now.Sub(e.timeAdded) > t.FirstPingGracePeriod {
			e.liveness = LivenessDead
		} else {
			e.liveness = LivenessUnreliable
		}
	case now.Sub(e.lastPingResponse) <= t.ReliablePingSpan:
		e.liveness = LivenessReliable
	case now.Sub(e.lastPingResponse) <= t.UnreliablePingSpan:
		e.liveness = LivenessUnreliable
	default:
		e.liveness = LivenessUnreliable
	}
}

func (e *Entry) refCountValue() int32 { return atomic.LoadInt32(&e.refCount) }

// NodeRef is a reference-counted handle to an Entry; while any NodeRef is
// outstanding, the eviction pass in bucket.kick skips the entry.
type NodeRef struct {
	entry *Entry
}

func newNodeRef(e *Entry) *NodeRef {
	atomic.AddInt32(&e.refCount, 1)
	return &NodeRef{entry: e}
}

// Entry returns the underlying entry.
func (r *NodeRef) Entry() *Entry { return r.entry }

// Release drops the reference. Callers must call Release exactly once per
// NodeRef obtained.
func (r *NodeRef) Release() {
	if r.entry != nil {
		atomic.AddInt32(&r.entry.refCount, -1)
		r.entry = nil
	}
}
