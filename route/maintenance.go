package route

import (
	"encoding/json"
	"time"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
	"veilidcore/rpc"
)

// WrapForRoute onion-wraps innerOp for an already-allocated route, returning
// the RouteStatement to send and the first hop's node ids to address it to.
// Unlike WrapSafety this reuses the existing route rather than allocating a
// fresh one; the health-check tick uses it to run a Status question over the
// exact route under test.
func (e *Engine) WrapForRoute(routeID string, innerOp rpc.Operation) (rpc.RouteStatement, *cryptokind.TypedKeyGroup, error) {
	e.mu.Lock()
	ar, ok := e.routes[routeID]
	e.mu.Unlock()
	if !ok {
		return rpc.RouteStatement{}, nil, verrors.New(verrors.KeyNotFound, "route: unknown route id")
	}
	r := ar.set.Routes[e.kind]
	if r == nil || len(r.Hops) == 0 {
		return rpc.RouteStatement{}, nil, verrors.New(verrors.Internal, "route: route set missing our kind")
	}
	cs, err := e.registry.Get(e.kind)
	if err != nil {
		return rpc.RouteStatement{}, nil, err
	}

	encodedOp, err := rpc.EncodeOperation(innerOp)
	if err != nil {
		return rpc.RouteStatement{}, nil, err
	}
	var deliver []cryptokind.TypedKey
	if self, ok := e.localIdentity.Get(e.kind); ok {
		deliver = []cryptokind.TypedKey{self}
	}
	innerBytes, err := json.Marshal(finalLayer{Deliver: deliver, EncodedOp: encodedOp})
	if err != nil {
		return rpc.RouteStatement{}, nil, verrors.WrapKind(verrors.Internal, err, "route: marshal final layer")
	}

	blob, err := encryptLayer(cs, ar.ephemeral, r.Hops[len(r.Hops)-1].NodeID, -1, innerBytes)
	if err != nil {
		return rpc.RouteStatement{}, nil, err
	}
	for i := len(r.Hops) - 2; i >= 0; i-- {
		fh := forwardHop{NextNodeIDs: []cryptokind.TypedKey{r.Hops[i+1].NodeID}, HopBlob: blob}
		fhBytes, err := json.Marshal(fh)
		if err != nil {
			return rpc.RouteStatement{}, nil, verrors.WrapKind(verrors.Internal, err, "route: marshal forward hop")
		}
		blob, err = encryptLayer(cs, ar.ephemeral, r.Hops[i].NodeID, i+1, fhBytes)
		if err != nil {
			return rpc.RouteStatement{}, nil, err
		}
	}

	firstHop := cryptokind.NewTypedKeyGroup()
	firstHop.Add(r.Hops[0].NodeID)
	r.Stats.RecordSent(e.clock.Now())
	return rpc.RouteStatement{SafetyRoute: false, HopBlob: blob}, firstHop, nil
}

// RecordSendFailure notes that the transport could not deliver to routeID's
// first hop.
func (e *Engine) RecordSendFailure(routeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ar, ok := e.routes[routeID]; ok {
		if r := ar.set.Routes[e.kind]; r != nil {
			r.Stats.RecordSendFailure()
		}
	}
}

// NeedsTesting returns the ids of allocated routes that have gone idle past
// TestIdle and should have a Status question run over them before further
// use. The node orchestrator's
// tick loop calls this and drives the actual Status question.
func (e *Engine) NeedsTesting(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, ar := range e.routes {
		if r := ar.set.Routes[e.kind]; r != nil && r.Stats.NeedsTesting(now, e.cfg.TestIdle) {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkTested records the outcome of a health-check Status question run over
// routeID.
func (e *Engine) MarkTested(routeID string, now time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, exists := e.routes[routeID]
	if !exists {
		return
	}
	r := ar.set.Routes[e.kind]
	if r == nil {
		return
	}
	r.Stats.LastTested = now
	if !ok {
		r.Stats.QuestionsLost++
	}
}

// Unreliable returns the ids of allocated routes whose loss rate crosses
// the retirement threshold, for the orchestrator to Release.
func (e *Engine) Unreliable() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, ar := range e.routes {
		if r := ar.set.Routes[e.kind]; r != nil && r.Stats.Unreliable() {
			ids = append(ids, id)
		}
	}
	return ids
}
