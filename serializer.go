package realtime

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Serializer encodes protocol frames for the transports. The format name is
// sent to the service in the connect query.
type Serializer interface {
	format() string
	binary() bool
	encode(*ProtocolMessage) ([]byte, error)
	decode([]byte) (*ProtocolMessage, error)
	encodeBatch([]*ProtocolMessage) ([]byte, error)
	decodeBatch([]byte) ([]*ProtocolMessage, error)
}

// JSONSerializer is the text format.
type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) format() string { return "json" }
func (s *JSONSerializer) binary() bool   { return false }

func (s *JSONSerializer) encode(msg *ProtocolMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (s *JSONSerializer) decode(data []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *JSONSerializer) encodeBatch(msgs []*ProtocolMessage) ([]byte, error) {
	return json.Marshal(msgs)
}

func (s *JSONSerializer) decodeBatch(data []byte) ([]*ProtocolMessage, error) {
	var msgs []*ProtocolMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CBORSerializer is the binary format. Maps inside message data decode to
// map[string]any so payloads look the same as with JSONSerializer.
type CBORSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORSerializer() (*CBORSerializer, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORSerializer{enc: enc, dec: dec}, nil
}

func (s *CBORSerializer) format() string { return "cbor" }
func (s *CBORSerializer) binary() bool   { return true }

func (s *CBORSerializer) encode(msg *ProtocolMessage) ([]byte, error) {
	return s.enc.Marshal(msg)
}

func (s *CBORSerializer) decode(data []byte) (*ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := s.dec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *CBORSerializer) encodeBatch(msgs []*ProtocolMessage) ([]byte, error) {
	return s.enc.Marshal(msgs)
}

func (s *CBORSerializer) decodeBatch(data []byte) ([]*ProtocolMessage, error) {
	var msgs []*ProtocolMessage
	if err := s.dec.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func newSerializer(binary bool) (Serializer, error) {
	if binary {
		return NewCBORSerializer()
	}
	return NewJSONSerializer(), nil
}
