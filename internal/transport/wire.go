package transport

import (
	"encoding/json"
	"fmt"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/crdtcore"
	"github.com/Polqt/crdtsync/internal/sync"
	"github.com/Polqt/crdtsync/internal/variant"
)

// wirePayload carries a variant name and kind discriminant alongside the
// raw encoded value. DecodeMessage decodes the value with the named
// variant's own decoder; a payload addressed to a variant the receiver
// isn't running (spec.md §6's PayloadTypeMismatch) is rejected after
// decoding, by Controller.Receive.
type wirePayload struct {
	Variant string          `json:"variant"`
	Kind    string          `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// wireEnvelope is the top-level tagged union spec.md §6 describes as
// `{"Operation"|"Delta"|"State": payload, "sender": replicaId}`.
type wireEnvelope struct {
	State     *wirePayload    `json:"State,omitempty"`
	Operation *wirePayload    `json:"Operation,omitempty"`
	Delta     *wirePayload    `json:"Delta,omitempty"`
	Sender    clock.ReplicaID `json:"sender"`
}

// EncodeMessage renders a NetworkMessage into the HTTP wire format.
func EncodeMessage(msg sync.NetworkMessage) ([]byte, error) {
	env := wireEnvelope{Sender: msg.Sender}
	switch msg.Kind {
	case sync.MsgState:
		data, err := json.Marshal(msg.State)
		if err != nil {
			return nil, &crdtcore.SerializationError{Err: err}
		}
		env.State = &wirePayload{Variant: msg.VariantName, Data: data}
	case sync.MsgOperation:
		data, err := json.Marshal(msg.Operation)
		if err != nil {
			return nil, &crdtcore.SerializationError{Err: err}
		}
		env.Operation = &wirePayload{Variant: msg.VariantName, Kind: msg.Operation.Kind(), Data: data}
	case sync.MsgDelta:
		data, err := json.Marshal(msg.Delta)
		if err != nil {
			return nil, &crdtcore.SerializationError{Err: err}
		}
		env.Delta = &wirePayload{Variant: msg.VariantName, Kind: msg.Delta.Kind(), Data: data}
	default:
		return nil, fmt.Errorf("transport: unknown message kind %v", msg.Kind)
	}
	return json.Marshal(env)
}

// DecodeMessage parses the HTTP wire format back into a NetworkMessage,
// resolving the payload through the variant catalogue.
func DecodeMessage(raw []byte) (sync.NetworkMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return sync.NetworkMessage{}, &crdtcore.SerializationError{Err: err}
	}

	switch {
	case env.State != nil:
		v, err := variant.DecodeState(env.State.Variant, env.State.Data)
		if err != nil {
			return sync.NetworkMessage{}, err
		}
		return sync.NetworkMessage{Kind: sync.MsgState, Sender: env.Sender, VariantName: env.State.Variant, State: v}, nil
	case env.Operation != nil:
		op, err := variant.DecodeOperation(env.Operation.Variant, env.Operation.Kind, env.Operation.Data)
		if err != nil {
			return sync.NetworkMessage{}, err
		}
		return sync.NetworkMessage{Kind: sync.MsgOperation, Sender: env.Sender, VariantName: env.Operation.Variant, Operation: op}, nil
	case env.Delta != nil:
		d, err := variant.DecodeDelta(env.Delta.Variant, env.Delta.Kind, env.Delta.Data)
		if err != nil {
			return sync.NetworkMessage{}, err
		}
		return sync.NetworkMessage{Kind: sync.MsgDelta, Sender: env.Sender, VariantName: env.Delta.Variant, Delta: d}, nil
	default:
		return sync.NetworkMessage{}, fmt.Errorf("transport: envelope has no populated arm")
	}
}
