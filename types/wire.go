package types //nolint:revive // types is a valid package name

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// wireMessage is Message without its custom encoders.
type wireMessage Message

// initFrame is the encoded form of an init message. Files is always
// present, as an empty list for an empty workspace.
type initFrame struct {
	Type    MessageType `json:"type" msgpack:"type"`
	Files   []FileRef   `json:"files" msgpack:"files"`
	Version string      `json:"version,omitempty" msgpack:"version,omitempty"`
}

func (m Message) frame() any {
	if m.Type != MessageTypeInit {
		return wireMessage(m)
	}
	files := m.Files
	if files == nil {
		files = []FileRef{}
	}
	return initFrame{Type: m.Type, Files: files, Version: m.Version}
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.frame())
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (m Message) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(m.frame())
}
