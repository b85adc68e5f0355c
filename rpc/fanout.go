package rpc

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"veilidcore/cryptokind"
)

// FanoutConfig bounds one fanout call's concurrency and deadline.
type FanoutConfig struct {
	Fanout  int
	Timeout time.Duration
}

// AskResult is what one peer's question returned: any newly discovered
// candidate peers, and whether the fanout as a whole should now stop (the
// caller-supplied termination rule — "count satisfied", "target found",
// etc.).
type AskResult struct {
	Peers []PeerSummary
	Done  bool
}

// candidate is one node still to be queried, with its cached XOR distance
// to the fanout target for priority ordering.
type candidate struct {
	ids  *cryptokind.TypedKeyGroup
	dist []byte
}

// Fanout drives a bounded-concurrency closest-peers search: seed
// with the closest known peers, concurrently ask up to cfg.Fanout of them,
// extend the candidate set from each answer's returned peer list (after
// validating the XOR-closer invariant), and stop when
// ask signals Done, when no unvisited candidate remains once the asks in
// flight have finished, or when the deadline elapses. It does not stop early
// when newly discovered peers stop getting closer. Errors returned by ask
// are dropped: Fanout returns nil even when every ask fails.
func (e *Engine) Fanout(kind cryptokind.Kind, target cryptokind.TypedKey, seed []*cryptokind.TypedKeyGroup, cfg FanoutConfig, ask func(peer *cryptokind.TypedKeyGroup) (AskResult, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	visited := make(map[string]bool)
	var queue []candidate

	enqueue := func(ids *cryptokind.TypedKeyGroup) {
		pk, ok := ids.Get(kind)
		if !ok {
			return
		}
		key := pk.String()
		if visited[key] {
			return
		}
		queue = append(queue, candidate{ids: ids, dist: xorDistance(target.Value, pk.Value)})
	}

	mu.Lock()
	for _, s := range seed {
		enqueue(s)
	}
	sortQueue(queue)
	mu.Unlock()

	sem := semaphore.NewWeighted(int64(cfg.Fanout))
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
		cancel()
	}

	var wg sync.WaitGroup
	idle := false
	for {
		mu.Lock()
		var next *candidate
		for i := range queue {
			pk, _ := queue[i].ids.Get(kind)
			if !visited[pk.String()] {
				c := queue[i]
				next = &c
				visited[pk.String()] = true
				break
			}
		}
		mu.Unlock()

		if next == nil {
			// Asks still in flight may add candidates: wait for them once
			// before deciding the candidate set is exhausted.
			if idle {
				break
			}
			wg.Wait()
			idle = true
			continue
		}
		idle = false
		select {
		case <-done:
			wg.Wait()
			return nil
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := ask(c.ids)
			if err != nil {
				return
			}
			mu.Lock()
			answeredDist := c.dist
			for _, p := range res.Peers {
				peerIDs := cryptokind.NewTypedKeyGroup()
				for _, id := range p.NodeIDs {
					peerIDs.Add(id)
				}
				pk, ok := peerIDs.Get(kind)
				if !ok {
					continue
				}
				d := xorDistance(target.Value, pk.Value)
				// Invariant: every peer an answer returns must
				// be strictly closer to the target than the answering
				// peer itself. Violators are discarded, not recorded.
				if compareBytes(d, answeredDist) >= 0 {
					continue
				}
				enqueue(peerIDs)
			}
			sortQueue(queue)
			if res.Done {
				mu.Unlock()
				stop()
				return
			}
			mu.Unlock()
		}(*next)
	}
	wg.Wait()
	return nil
}

func sortQueue(q []candidate) {
	sort.Slice(q, func(i, j int) bool { return compareBytes(q[i].dist, q[j].dist) < 0 })
}

func xorDistance(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
