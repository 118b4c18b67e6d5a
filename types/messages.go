// Package types defines the core domain types shared by the bridge, the
// worker protocol and the host collaborators.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// MessageType is the frame type discriminator on the worker protocol.
type MessageType string

// Message type constants.
//
// Host → worker: init, query.
// Worker → host: chunk, done, error, status.
const (
	MessageTypeInit   MessageType = "init"
	MessageTypeQuery  MessageType = "query"
	MessageTypeChunk  MessageType = "chunk"
	MessageTypeDone   MessageType = "done"
	MessageTypeError  MessageType = "error"
	MessageTypeStatus MessageType = "status"
)

// StatusReady is the status text a worker emits once it can accept queries.
const StatusReady = "ready"

// IsValid returns true if t is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeInit, MessageTypeQuery, MessageTypeChunk,
		MessageTypeDone, MessageTypeError, MessageTypeStatus:
		return true
	}
	return false
}

// FromHost returns true for message types the host sends to the worker.
func (t MessageType) FromHost() bool {
	return t == MessageTypeInit || t == MessageTypeQuery
}

// IsTerminal returns true for message types that close a pending request.
func (t MessageType) IsTerminal() bool {
	return t == MessageTypeDone || t == MessageTypeError
}

// Message is one frame on the worker protocol.
//
// Which fields are meaningful depends on Type:
//   - init:   Files (may be empty), Version
//   - query:  ID, Text, optional History
//   - chunk:  Text, optional ID
//   - done:   optional ID
//   - error:  Message, optional ID
//   - status: Text
type Message struct {
	Type    MessageType `json:"type" msgpack:"type"`
	ID      string      `json:"id,omitempty" msgpack:"id,omitempty"`
	Text    string      `json:"text,omitempty" msgpack:"text,omitempty"`
	Message string      `json:"message,omitempty" msgpack:"message,omitempty"`
	Files   []FileRef   `json:"files,omitempty" msgpack:"files,omitempty"`
	History []Turn      `json:"history,omitempty" msgpack:"history,omitempty"`
	Version string      `json:"version,omitempty" msgpack:"version,omitempty"`
}

// Validate checks that the message carries the fields its type requires.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}

	switch m.Type {
	case MessageTypeQuery:
		if m.ID == "" {
			return errors.New("query message requires id")
		}
		if m.Text == "" {
			return errors.New("query message requires text")
		}
	case MessageTypeError:
		if m.Message == "" {
			return errors.New("error message requires message")
		}
	case MessageTypeStatus:
		if m.Text == "" {
			return errors.New("status message requires text")
		}
	case MessageTypeInit:
		for i, f := range m.Files {
			if f.Path == "" {
				return fmt.Errorf("init file %d has empty path", i)
			}
		}
	}

	return nil
}

// IsReady returns true if m is the explicit readiness signal.
func (m *Message) IsReady() bool {
	return m.Type == MessageTypeStatus && m.Text == StatusReady
}

// NewInit builds an init message carrying the workspace snapshot.
func NewInit(files []FileRef) Message {
	if files == nil {
		files = []FileRef{}
	}
	return Message{Type: MessageTypeInit, Files: files, Version: ProtocolVersion}
}

// NewQuery builds a query message.
func NewQuery(id, text string, history []Turn) Message {
	return Message{Type: MessageTypeQuery, ID: id, Text: text, History: history}
}

// NewChunk builds a chunk message.
func NewChunk(id, text string) Message {
	return Message{Type: MessageTypeChunk, ID: id, Text: text}
}

// NewDone builds a done message.
func NewDone(id string) Message {
	return Message{Type: MessageTypeDone, ID: id}
}

// NewError builds an error message.
func NewError(id, message string) Message {
	return Message{Type: MessageTypeError, ID: id, Message: message}
}

// NewStatus builds a status message.
func NewStatus(text string) Message {
	return Message{Type: MessageTypeStatus, Text: text}
}
