package dht

import (
	"veilidcore/cryptokind"
	"veilidcore/rpc"
)

// RegisterHandlers wires this store's inbound question handlers into
// engine, so received GetValueQ/SetValueQ/WatchValueQ operations are
// answered from local state.
func (s *Store) RegisterHandlers(engine *rpc.Engine) {
	engine.RegisterHandler(rpc.OpGetValue, s.handleGetValueQ)
	engine.RegisterHandler(rpc.OpSetValue, s.handleSetValueQ)
	engine.RegisterHandler(rpc.OpWatchValue, s.handleWatchValueQ)
}

func (s *Store) closestSummaries(target cryptokind.TypedKey) []rpc.PeerSummary {
	groups := s.peers.ClosestTo(s.kind, target, s.cfg.GetValueFanout)
	out := make([]rpc.PeerSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, rpc.PeerSummary{NodeIDs: allKeys(g)})
	}
	return out
}

func allKeys(g *cryptokind.TypedKeyGroup) []cryptokind.TypedKey {
	var out []cryptokind.TypedKey
	for _, k := range g.Kinds() {
		v, _ := g.Get(k)
		out = append(out, v)
	}
	return out
}

func (s *Store) handleGetValueQ(_ *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	var q rpc.GetValueQ
	if err := rpc.DecodeBody(op.Body, &q); err != nil {
		return "", nil, err
	}
	a := rpc.GetValueA{Peers: s.closestSummaries(q.Key)}
	if r, ok := s.recordFor(q.Key); ok {
		if v, ok := r.Get(q.Subkey); ok {
			a.Found = true
			a.Seq = v.Seq
			a.Data = v.Data
			a.Signature = v.Signature
		}
	}
	body, err := rpc.EncodeBody(a)
	if err != nil {
		return "", nil, err
	}
	return rpc.OpGetValue, body, nil
}

func (s *Store) handleSetValueQ(_ *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	var q rpc.SetValueQ
	if err := rpc.DecodeBody(op.Body, &q); err != nil {
		return "", nil, err
	}
	a := rpc.SetValueA{Peers: s.closestSummaries(q.Key)}
	r, ok := s.recordFor(q.Key)
	if !ok {
		body, err := rpc.EncodeBody(a)
		return rpc.OpSetValue, body, err
	}
	v, applied, err := s.validateWrite(r, q.Subkey, q.Seq, q.Data, q.Signature, q.Writer)
	if err != nil {
		// Rejected downgrades/invalid signatures report the current value
		// rather than propagating the error, so the caller can adopt it
		//; only a structural decode failure is a hard error.
		if cur, has := r.Get(q.Subkey); has {
			a.Seq = cur.Seq
			a.Data = cur.Data
		}
		body, encErr := rpc.EncodeBody(a)
		if encErr != nil {
			return "", nil, encErr
		}
		return rpc.OpSetValue, body, nil
	}
	a.Accepted = applied
	a.Seq = v.Seq
	a.Data = v.Data
	body, err := rpc.EncodeBody(a)
	if err != nil {
		return "", nil, err
	}
	return rpc.OpSetValue, body, nil
}

func (s *Store) handleWatchValueQ(fromIDs *cryptokind.TypedKeyGroup, op rpc.Operation) (rpc.OperationName, []byte, error) {
	var q rpc.WatchValueQ
	if err := rpc.DecodeBody(op.Body, &q); err != nil {
		return "", nil, err
	}
	r, ok := s.recordFor(q.Key)
	if !ok || q.Count == 0 {
		body, err := rpc.EncodeBody(rpc.WatchValueA{Accepted: false})
		return rpc.OpWatchValue, body, err
	}
	for sk := q.SubkeyLo; sk < q.SubkeyHi; sk++ {
		remaining := q.Count
		r.addWatch(sk, q.Count, func(subkey uint32, v SignedSubkeyValue) {
			remaining--
			body, err := rpc.EncodeBody(rpc.ValueChanged{Key: q.Key, Subkey: subkey, Seq: v.Seq, Data: v.Data, Sig: v.Signature, Count: remaining})
			if err != nil {
				return
			}
			_ = s.engine.Statement(rpc.Destination{Kind: rpc.DestinationDirect, Node: fromIDs}, rpc.OpValueChanged, body)
		})
	}
	body, err := rpc.EncodeBody(rpc.WatchValueA{Accepted: true, ExpirationUTC: q.ExpirationUTC})
	if err != nil {
		return "", nil, err
	}
	return rpc.OpWatchValue, body, nil
}
