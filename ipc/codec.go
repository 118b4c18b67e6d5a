package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/codechat/types"
)

// FrameReader reads raw frame payloads from a stream.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *ProtocolError: oversized or truncated frame (check IsFatal)
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// Codec turns messages into frames and frames into messages.
type Codec interface {
	// Framing returns the codec's framing name.
	Framing() Framing
	// NewReader returns a FrameReader splitting r into frame payloads.
	NewReader(r io.Reader) FrameReader
	// Encode returns the complete frame bytes for msg.
	Encode(msg *types.Message) ([]byte, error)
	// Decode parses one frame payload.
	// Returns *ProtocolError for malformed or invalid payloads.
	Decode(payload []byte) (*types.Message, error)
}

// NewCodec returns the codec for a framing.
func NewCodec(f Framing) (Codec, error) {
	switch f {
	case FramingNDJSON, "":
		return NDJSONCodec{}, nil
	case FramingMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown framing: %s", f)
	}
}

// validateDecoded applies message-level validation to a decoded frame.
func validateDecoded(msg *types.Message, payload []byte) (*types.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, newProtocolError(ProtocolErrorInvalid, "invalid frame", payload, err)
	}
	return msg, nil
}

// --- ndjson ---

// NDJSONCodec frames each message as one JSON object terminated by '\n'.
// JSON encoding escapes raw newlines inside strings, so a newline in
// generated text never splits a frame.
type NDJSONCodec struct{}

// Framing implements Codec.
func (NDJSONCodec) Framing() Framing { return FramingNDJSON }

// NewReader implements Codec.
func (NDJSONCodec) NewReader(r io.Reader) FrameReader {
	return &lineReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Encode implements Codec.
func (NDJSONCodec) Encode(msg *types.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	if len(data)+1 > MaxFrameSize {
		return nil, fmt.Errorf("encode %s frame: size %d exceeds maximum %d", msg.Type, len(data)+1, MaxFrameSize)
	}
	return append(data, '\n'), nil
}

// Decode implements Codec.
func (NDJSONCodec) Decode(payload []byte) (*types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, newProtocolError(ProtocolErrorDecode, "malformed JSON frame", payload, err)
	}
	return validateDecoded(&msg, payload)
}

// lineReader splits a stream on '\n'. Partial lines stay buffered until
// their terminator arrives. Blank lines are skipped.
type lineReader struct {
	reader *bufio.Reader
}

func (l *lineReader) ReadFrame() ([]byte, error) {
	for {
		line, err := l.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// readLine returns the next line without its terminator.
// Oversized lines are discarded up to the next newline and reported as a
// non-fatal ProtocolError.
func (l *lineReader) readLine() ([]byte, error) {
	var buf []byte
	tooLarge := false

	for {
		fragment, err := l.reader.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(fragment) > MaxFrameSize {
				tooLarge = true
				buf = append(buf[:0], fragment[:min(len(fragment), maxRawInError)]...)
			} else {
				buf = append(buf, fragment...)
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return nil, newProtocolError(ProtocolErrorTooLarge,
					fmt.Sprintf("line exceeds maximum frame size %d", MaxFrameSize), buf, nil)
			}
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return nil, io.EOF
			}
			if len(bytes.TrimSpace(buf)) == 0 {
				return nil, io.EOF
			}
			e := newProtocolError(ProtocolErrorPartial, "stream ended mid-frame", buf, io.ErrUnexpectedEOF)
			e.fatal = true
			return nil, e
		default:
			return nil, err
		}
	}
}

// --- msgpack ---

// MsgpackCodec frames each message as a 4-byte big-endian payload length
// followed by a msgpack-encoded payload.
type MsgpackCodec struct{}

// Framing implements Codec.
func (MsgpackCodec) Framing() Framing { return FramingMsgpack }

// NewReader implements Codec.
func (MsgpackCodec) NewReader(r io.Reader) FrameReader {
	// Buffer the pipe so small read(2) results are batched.
	return &prefixReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Encode implements Codec.
func (MsgpackCodec) Encode(msg *types.Message) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s frame: payload size %d exceeds maximum %d", msg.Type, len(payload), MaxPayloadSize)
	}
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame, nil
}

// Decode implements Codec.
func (MsgpackCodec) Decode(payload []byte) (*types.Message, error) {
	var msg types.Message
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return nil, newProtocolError(ProtocolErrorDecode, "malformed msgpack frame", payload, err)
	}
	return validateDecoded(&msg, payload)
}

// prefixReader reads length-prefixed frames.
type prefixReader struct {
	reader io.Reader
}

func (p *prefixReader) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(p.reader, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		e := newProtocolError(ProtocolErrorPartial, "failed to read length prefix", lengthBuf[:], err)
		e.fatal = true
		return nil, e
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		e := newProtocolError(ProtocolErrorTooLarge,
			fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize), lengthBuf[:], nil)
		e.fatal = true
		return nil, e
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(p.reader, payload); err != nil {
		e := newProtocolError(ProtocolErrorPartial, "failed to read payload", payload, err)
		e.fatal = true
		return nil, e
	}

	return payload, nil
}
