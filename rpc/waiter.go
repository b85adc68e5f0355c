package rpc

import (
	"math/rand"
	"sync"
	"time"

	vclock "veilidcore/pkg/clock"
	verrors "veilidcore/pkg/errors"
)

// OperationWaiter is registered per outstanding question, keyed by op_id,
// and resolved when a matching Answer arrives or dropped on timeout. The op_id space is 64 bits random; a collision
// within the timeout window is a protocol error.
type OperationWaiter struct {
	resultCh chan Operation
}

// WaiterRegistry tracks outstanding OperationWaiters by op_id.
type WaiterRegistry struct {
	mu      sync.Mutex
	waiters map[uint64]*OperationWaiter
	clock   vclock.Clock
}

func NewWaiterRegistry(clk vclock.Clock) *WaiterRegistry {
	return &WaiterRegistry{waiters: make(map[uint64]*OperationWaiter), clock: clk}
}

// NewOpID draws a fresh random 64-bit op_id.
func NewOpID() uint64 {
	return rand.Uint64()
}

// Register installs a waiter for opID. It returns an error if opID already
// has a waiter (a collision within the timeout window).
func (r *WaiterRegistry) Register(opID uint64) (*OperationWaiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiters[opID]; exists {
		return nil, verrors.New(verrors.Internal, "rpc: op_id collision")
	}
	w := &OperationWaiter{resultCh: make(chan Operation, 1)}
	r.waiters[opID] = w
	return w, nil
}

// Resolve delivers ans to the waiter for its correlated op_id, if still
// outstanding. A late answer for an already-timed-out/removed op_id is
// silently dropped
func (r *WaiterRegistry) Resolve(ans Operation) {
	r.mu.Lock()
	w, ok := r.waiters[ans.OpID]
	if ok {
		delete(r.waiters, ans.OpID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	w.resultCh <- ans
}

// Remove drops opID's waiter without resolving it, used on timeout.
func (r *WaiterRegistry) Remove(opID uint64) {
	r.mu.Lock()
	delete(r.waiters, opID)
	r.mu.Unlock()
}

// Wait blocks on w until an answer arrives, timeout elapses, or done is
// closed (shutdown cancellation).
func (r *WaiterRegistry) Wait(opID uint64, w *OperationWaiter, timeout time.Duration, done <-chan struct{}) (Operation, error) {
	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case op := <-w.resultCh:
		return op, nil
	case <-timer.C:
		r.Remove(opID)
		return Operation{}, verrors.New(verrors.Timeout, "rpc: question timed out")
	case <-done:
		r.Remove(opID)
		return Operation{}, verrors.New(verrors.Shutdown, "rpc: shutdown while waiting for answer")
	}
}

// RemoveAll drops every outstanding waiter, used on shutdown.
func (r *WaiterRegistry) RemoveAll() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.waiters))
	for id := range r.waiters {
		ids = append(ids, id)
	}
	r.waiters = make(map[uint64]*OperationWaiter)
	return ids
}
