package dht

import (
	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
	"veilidcore/rpc"
)

// GetValue serves subkey from the local store when force_refresh is false
// and a value exists; otherwise it fanouts GetValueQ and returns the
// highest-seq answer, caching it when a local record for key exists. Answer
// signatures are not checked against the record's schema here.
func (s *Store) GetValue(key cryptokind.TypedKey, subkey uint32, forceRefresh bool) (SignedSubkeyValue, error) {
	r, ok := s.recordFor(key)
	if ok && !forceRefresh {
		if v, ok := r.Get(subkey); ok {
			return v, nil
		}
	}

	seed := s.peers.ClosestTo(s.kind, key, s.cfg.GetValueFanout)
	var best SignedSubkeyValue
	haveBest := false
	count := 0

	err := s.engine.Fanout(s.kind, key, seed, rpc.FanoutConfig{Fanout: s.cfg.GetValueFanout, Timeout: s.cfg.GetValueTimeout}, func(peer *cryptokind.TypedKeyGroup) (rpc.AskResult, error) {
		body, err := rpc.EncodeBody(rpc.GetValueQ{Key: key, Subkey: subkey, WantDescriptor: false})
		if err != nil {
			return rpc.AskResult{}, err
		}
		ans, err := s.engine.Question(rpc.Destination{Kind: rpc.DestinationDirect, Node: peer}, rpc.OpGetValue, body)
		if err != nil {
			return rpc.AskResult{}, err
		}
		var a rpc.GetValueA
		if err := rpc.DecodeBody(ans.Body, &a); err != nil {
			return rpc.AskResult{}, err
		}
		if a.Found && (!haveBest || a.Seq > best.Seq) {
			best = SignedSubkeyValue{Seq: a.Seq, Data: a.Data, Signature: a.Signature}
			haveBest = true
		}
		if a.Found {
			count++
		}
		return rpc.AskResult{Peers: a.Peers, Done: count >= s.cfg.GetValueCount}, nil
	})
	if err != nil {
		return SignedSubkeyValue{}, err
	}
	if !haveBest {
		return SignedSubkeyValue{}, verrors.New(verrors.KeyNotFound, "dht: get_value found no value")
	}
	if r != nil {
		r.mu.Lock()
		if existing, has := r.subkeys[subkey]; !has || best.Seq > existing.Seq {
			r.put(subkey, best)
		}
		r.mu.Unlock()
	}
	return best, nil
}

// SetValue signs and stores data locally, then fanouts SetValueQ; if the
// network returns a newer value for the same subkey, the local value is
// replaced and SetValue reports that newer value instead.
func (s *Store) SetValue(key cryptokind.TypedKey, subkey uint32, data []byte, signer cryptokind.TypedKeyPair) (SignedSubkeyValue, error) {
	local, err := s.SetLocal(key, subkey, data, signer)
	if err != nil {
		return SignedSubkeyValue{}, err
	}

	seed := s.peers.ClosestTo(s.kind, key, s.cfg.SetValueFanout)
	best := local
	count := 0

	r, _ := s.recordFor(key)

	err = s.engine.Fanout(s.kind, key, seed, rpc.FanoutConfig{Fanout: s.cfg.SetValueFanout, Timeout: s.cfg.SetValueTimeout}, func(peer *cryptokind.TypedKeyGroup) (rpc.AskResult, error) {
		body, err := rpc.EncodeBody(rpc.SetValueQ{Key: key, Subkey: subkey, Seq: best.Seq, Data: best.Data, Signature: best.Signature, Writer: signer.Key()})
		if err != nil {
			return rpc.AskResult{}, err
		}
		ans, err := s.engine.Question(rpc.Destination{Kind: rpc.DestinationDirect, Node: peer}, rpc.OpSetValue, body)
		if err != nil {
			return rpc.AskResult{}, err
		}
		var a rpc.SetValueA
		if err := rpc.DecodeBody(ans.Body, &a); err != nil {
			return rpc.AskResult{}, err
		}
		if a.Seq > best.Seq {
			// the network knows a newer version: adopt it and restart
			// the acceptance count
			// rule.
			best = SignedSubkeyValue{Seq: a.Seq, Data: a.Data}
			count = 0
			if r != nil {
				r.mu.Lock()
				r.put(subkey, best)
				r.mu.Unlock()
			}
		} else if a.Accepted {
			count++
		}
		return rpc.AskResult{Peers: a.Peers, Done: count >= s.cfg.SetValueCount}, nil
	})
	if err != nil {
		return SignedSubkeyValue{}, err
	}
	return best, nil
}

// WatchValue issues WatchValueQ to close peers and returns the expiration
// granted by the first peer that accepts. The granted expiration is not
// compared against any minimum.
func (s *Store) WatchValue(key cryptokind.TypedKey, subkeyLo, subkeyHi uint32, expiration int64, count uint32) (int64, error) {
	seed := s.peers.ClosestTo(s.kind, key, s.cfg.GetValueFanout)
	var granted int64

	err := s.engine.Fanout(s.kind, key, seed, rpc.FanoutConfig{Fanout: s.cfg.GetValueFanout, Timeout: s.cfg.GetValueTimeout}, func(peer *cryptokind.TypedKeyGroup) (rpc.AskResult, error) {
		body, err := rpc.EncodeBody(rpc.WatchValueQ{Key: key, SubkeyLo: subkeyLo, SubkeyHi: subkeyHi, ExpirationUTC: expiration, Count: count})
		if err != nil {
			return rpc.AskResult{}, err
		}
		ans, err := s.engine.Question(rpc.Destination{Kind: rpc.DestinationDirect, Node: peer}, rpc.OpWatchValue, body)
		if err != nil {
			return rpc.AskResult{}, err
		}
		var a rpc.WatchValueA
		if err := rpc.DecodeBody(ans.Body, &a); err != nil {
			return rpc.AskResult{}, err
		}
		if a.Accepted {
			granted = a.ExpirationUTC
			return rpc.AskResult{Done: true}, nil
		}
		return rpc.AskResult{}, nil
	})
	if err != nil {
		return 0, err
	}
	if granted == 0 {
		return 0, verrors.New(verrors.TryAgain, "dht: no peer accepted the watch")
	}
	return granted, nil
}

// InspectScope selects whether Inspect's network view is a get-style or
// set-style fanout.
type InspectScope int

const (
	InspectScopeGet InspectScope = iota
	InspectScopeSet
)

// Inspect returns parallel (local, network) sequence-number vectors for
// [lo, hi), clamped to InspectMaxSubkeys.
func (s *Store) Inspect(key cryptokind.TypedKey, lo, hi uint32, scope InspectScope) (local []uint32, network []uint32, err error) {
	if hi-lo > s.cfg.InspectMaxSubkeys {
		hi = lo + s.cfg.InspectMaxSubkeys
	}
	r, ok := s.recordFor(key)
	if ok {
		local = r.SubkeySeqs(lo, hi)
	} else {
		local = make([]uint32, hi-lo)
	}

	network = make([]uint32, hi-lo)
	for i := lo; i < hi; i++ {
		var v SignedSubkeyValue
		var e error
		if scope == InspectScopeGet {
			v, e = s.GetValue(key, i, true)
			if e == nil {
				network[i-lo] = v.Seq
			}
		} else {
			// Set-style scope reports the local value's own seq as the
			// network view: a SetValue fanout's purpose is pushing the
			// local value outward, not discovering a newer one.
			network[i-lo] = local[i-lo]
		}
	}
	return local, network, nil
}
