package frame

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agent-relay/relayd/internal/protocol"
)

// Codec turns envelopes into frame bodies and back. The selection is per
// connection: JSON by default, MessagePack when the peer's first body byte
// has the high bit set (JSON objects always start with '{' = 0x7B, while
// MessagePack maps start 0x80-0x8F or 0xDE/0xDF). The frame layout is the
// same either way, so a JSON-only peer stays compatible.
type Codec interface {
	Name() string
	Marshal(env *protocol.Envelope) ([]byte, error)
	Unmarshal(body []byte, env *protocol.Envelope) error
}

// Detect picks the codec implied by the first body byte of a connection.
func Detect(body []byte) Codec {
	if len(body) > 0 && body[0]&0x80 != 0 {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec is the default wire encoding.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(env *protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Unmarshal(body []byte, env *protocol.Envelope) error {
	return json.Unmarshal(body, env)
}

// MsgpackCodec is the optional binary encoding. Envelope payloads remain
// JSON bytes inside the msgpack body; only the envelope shell is binary.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(env *protocol.Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (MsgpackCodec) Unmarshal(body []byte, env *protocol.Envelope) error {
	return msgpack.Unmarshal(body, env)
}
