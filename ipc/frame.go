// Package ipc implements the framed worker protocol: frame codecs and the
// Channel that reads and writes discrete messages over a subprocess's stdio.
//
// Two framings are supported and both ends must agree on one:
//   - ndjson: one JSON object per newline-terminated line (default)
//   - msgpack: 4-byte big-endian length prefix followed by a msgpack payload
//
// Frame boundaries never depend on frame content.
package ipc

import (
	"errors"
	"fmt"
	"strings"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// maxRawInError caps how many offending bytes a ProtocolError keeps.
	maxRawInError = 512
)

// Framing names a frame codec.
type Framing string

// Supported framings.
const (
	FramingNDJSON  Framing = "ndjson"
	FramingMsgpack Framing = "msgpack"
)

// ParseFraming parses a framing name. Empty selects ndjson.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(s)) {
	case "", FramingNDJSON:
		return FramingNDJSON, nil
	case FramingMsgpack:
		return FramingMsgpack, nil
	default:
		return "", fmt.Errorf("invalid framing: %q (must be ndjson or msgpack)", s)
	}
}

// ErrChannelClosed is returned by Channel.Write once the channel is closed
// or the worker's input stream is gone.
var ErrChannelClosed = errors.New("channel closed")

// ProtocolErrorKind classifies frame errors.
type ProtocolErrorKind int

const (
	// ProtocolErrorDecode indicates a payload that is not valid JSON/msgpack.
	ProtocolErrorDecode ProtocolErrorKind = iota
	// ProtocolErrorInvalid indicates a decoded frame with an unknown type or
	// missing required fields.
	ProtocolErrorInvalid
	// ProtocolErrorTooLarge indicates a frame exceeding MaxFrameSize.
	ProtocolErrorTooLarge
	// ProtocolErrorPartial indicates a truncated frame at end of stream.
	ProtocolErrorPartial
	// ProtocolErrorUnexpected indicates a well-formed frame that is not valid
	// in the current exchange (wrong direction, stale id, no pending request).
	ProtocolErrorUnexpected
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case ProtocolErrorDecode:
		return "decode"
	case ProtocolErrorInvalid:
		return "invalid"
	case ProtocolErrorTooLarge:
		return "too_large"
	case ProtocolErrorPartial:
		return "partial"
	case ProtocolErrorUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// ProtocolError reports a malformed or unexpected frame.
// Raw holds (a prefix of) the offending bytes.
type ProtocolError struct {
	Kind  ProtocolErrorKind
	Msg   string
	Raw   []byte
	Err   error
	fatal bool
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Kind, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream cannot be resynchronised after this
// error. Length-prefixed framing loses its boundaries on truncated or
// oversized frames; newline framing never does.
func (e *ProtocolError) IsFatal() bool {
	return e.fatal
}

// IsFatal returns true if err is a fatal protocol error.
func IsFatal(err error) bool {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.IsFatal()
	}
	return false
}

// IsProtocolError returns true if err is a *ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// NewUnexpectedFrameError reports a well-formed frame that does not fit the
// current exchange.
func NewUnexpectedFrameError(msg string) *ProtocolError {
	return &ProtocolError{Kind: ProtocolErrorUnexpected, Msg: msg}
}

func newProtocolError(kind ProtocolErrorKind, msg string, raw []byte, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Msg: msg, Raw: truncateRaw(raw), Err: err}
}

func truncateRaw(raw []byte) []byte {
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError]
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
