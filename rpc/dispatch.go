package rpc

import (
	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
	"veilidcore/wire"
)

// SenderIdentity is supplied by the caller of HandleEnvelope once it has
// decoded the envelope, so the dispatcher can address an Answer back to
// whoever asked — routing-table update and liveness bookkeeping is the
// node orchestrator's job (it wraps HandleEnvelope and owns the table), not
// this engine's.
type SenderIdentity struct {
	Public cryptokind.TypedKey
	Kind   cryptokind.Kind
}

// HandleEnvelope decodes raw as an envelope addressed to the local node,
// validates the timestamp skew window, decodes the inner
// Operation, and dispatches it: Answers resolve their waiter; Questions and
// Statements go to the registered Handler, with Questions' results sent
// back as an Answer. A Route statement is handed to the installed
// RouteWrapper for one-hop forward instead of the handler table.
func (e *Engine) HandleEnvelope(raw []byte) error {
	kind, err := wire.PeekKind(raw)
	if err != nil {
		return err
	}
	localSecret, ok := e.localSecrets[kind]
	if !ok {
		return verrors.Newf(verrors.UnsupportedCryptoKind, "rpc: no local secret for kind %s", kind)
	}
	localPublic, ok := e.localIdentity.Get(kind)
	if !ok {
		return verrors.Newf(verrors.UnsupportedCryptoKind, "rpc: no local public key for kind %s", kind)
	}

	dec, err := wire.Decode(e.registry, raw, localPublic, localSecret)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	skew := now.Sub(dec.Timestamp)
	if skew > e.cfg.MaxTimestampBehind || -skew > e.cfg.MaxTimestampAhead {
		return verrors.New(verrors.InvalidMessage, "rpc: envelope timestamp outside skew window")
	}

	op, err := DecodeOperation(dec.Payload)
	if err != nil {
		return err
	}

	senderIDs := cryptokind.NewTypedKeyGroup()
	senderIDs.Add(dec.SenderPublic)

	return e.dispatch(senderIDs, op)
}

func (e *Engine) dispatch(senderIDs *cryptokind.TypedKeyGroup, op Operation) error {
	if op.Name == OpRoute && e.route != nil {
		var stmt RouteStatement
		if err := DecodeBody(op.Body, &stmt); err != nil {
			return err
		}
		finalName, finalBody, isLocal, err := e.route.Forward(stmt)
		if err != nil {
			// Onion privacy: decryption failures are dropped silently,
			// the sender is never informed.
			return nil
		}
		if !isLocal {
			return nil // already forwarded by the route engine
		}
		inner, err := DecodeOperation(finalBody)
		if err != nil {
			return err
		}
		inner.Name = finalName
		return e.dispatch(senderIDs, inner)
	}

	switch op.Kind {
	case OpKindAnswer:
		e.waiters.Resolve(op)
		return nil
	case OpKindStatement:
		h, ok := e.handlers[op.Name]
		if !ok {
			return nil // unknown statement: drop silently
		}
		_, _, err := h(senderIDs, op)
		return err
	case OpKindQuestion:
		h, ok := e.handlers[op.Name]
		if !ok {
			return verrors.Newf(verrors.InvalidMessage, "rpc: no handler for question %s", op.Name)
		}
		answerName, answerBody, err := h(senderIDs, op)
		if err != nil {
			return err
		}
		dest := Destination{Kind: DestinationDirect, Node: senderIDs}
		return e.Answer(dest, op.OpID, answerName, answerBody)
	default:
		return verrors.New(verrors.InvalidMessage, "rpc: unknown operation kind")
	}
}
