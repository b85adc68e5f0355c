package rpc

import (
	"encoding/json"
	"time"

	verrors "veilidcore/pkg/errors"
)

// wireOperation is Operation's JSON wire shape; the envelope's own AEAD
// already authenticates and encrypts this blob, so no additional framing
// beyond plain JSON is needed.
type wireOperation struct {
	OpID      uint64          `json:"op_id"`
	Kind      OpKind          `json:"kind"`
	Name      OperationName   `json:"name"`
	Body      json.RawMessage `json:"body"`
	RespondTo RespondTo       `json:"respond_to"`
	Timestamp int64           `json:"ts"`
}

// EncodeOperation serializes op into the bytes that become an envelope's
// payload.
func EncodeOperation(op Operation) ([]byte, error) {
	w := wireOperation{
		OpID:      op.OpID,
		Kind:      op.Kind,
		Name:      op.Name,
		Body:      json.RawMessage(op.Body),
		RespondTo: op.RespondTo,
		Timestamp: op.Timestamp.UnixMicro(),
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "rpc: encode operation")
	}
	return b, nil
}

// DecodeOperation is the inverse of EncodeOperation; malformed bytes produce
// InvalidMessage so the caller can drop the packet and optionally punish
// the sender
func DecodeOperation(b []byte) (Operation, error) {
	var w wireOperation
	if err := json.Unmarshal(b, &w); err != nil {
		return Operation{}, verrors.WrapKind(verrors.InvalidMessage, err, "rpc: decode operation")
	}
	return Operation{
		OpID:      w.OpID,
		Kind:      w.Kind,
		Name:      w.Name,
		Body:      []byte(w.Body),
		RespondTo: w.RespondTo,
		Timestamp: time.UnixMicro(w.Timestamp),
	}, nil
}

// EncodeBody marshals an operation-specific body struct (FindNodeQ,
// GetValueA, etc.) to the bytes carried in Operation.Body.
func EncodeBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, verrors.WrapKind(verrors.Internal, err, "rpc: encode body")
	}
	return b, nil
}

// DecodeBody unmarshals Operation.Body into an operation-specific struct.
func DecodeBody(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return verrors.WrapKind(verrors.InvalidMessage, err, "rpc: decode body")
	}
	return nil
}
