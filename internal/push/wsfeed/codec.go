package wsfeed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/roach88/wolfpack/internal/push"
)

// Websocket subprotocols. Each selects a frame codec.
const (
	ProtocolJSON    = "wolfpack.json"
	ProtocolMsgpack = "wolfpack.msgpack"
)

// Subprotocols lists the supported subprotocols, preferred first.
var Subprotocols = []string{ProtocolMsgpack, ProtocolJSON}

// Codec encodes change frames for one subprotocol.
type Codec interface {
	Protocol() string
	MessageType() websocket.MessageType
	Marshal(raw push.RawChange) ([]byte, error)
	Unmarshal(data []byte) (push.RawChange, error)
}

// CodecFor returns the codec of a negotiated subprotocol. An empty
// subprotocol means the peer negotiated none and falls back to JSON.
func CodecFor(protocol string) (Codec, error) {
	switch protocol {
	case ProtocolJSON, "":
		return jsonCodec{}, nil
	case ProtocolMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported subprotocol %q", protocol)
	}
}

type jsonCodec struct{}

func (jsonCodec) Protocol() string                   { return ProtocolJSON }
func (jsonCodec) MessageType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) Marshal(raw push.RawChange) ([]byte, error) {
	return json.Marshal(raw)
}

// Unmarshal keeps numbers exact; row values must stay integers.
func (jsonCodec) Unmarshal(data []byte) (push.RawChange, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw push.RawChange
	if err := dec.Decode(&raw); err != nil {
		return push.RawChange{}, fmt.Errorf("decode json frame: %w", err)
	}
	return raw, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Protocol() string                   { return ProtocolMsgpack }
func (msgpackCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (msgpackCodec) Marshal(raw push.RawChange) ([]byte, error) {
	return msgpack.Marshal(raw)
}

func (msgpackCodec) Unmarshal(data []byte) (push.RawChange, error) {
	var raw push.RawChange
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return push.RawChange{}, fmt.Errorf("decode msgpack frame: %w", err)
	}
	return raw, nil
}
