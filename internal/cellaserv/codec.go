// Copyright 2025 Evolutek
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cellaserv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds the length prefix accepted in binary mode. Anything
// larger is treated as a malformed frame, not an allocation request.
const MaxFrameSize = 8 << 20

// A Codec turns a byte stream into discrete envelopes and back. ReadEnvelope
// blocks until a complete frame has arrived; partial frames are buffered
// across reads and never interpreted early. Any error it returns is
// connection-fatal.
type Codec interface {
	WriteEnvelope(*Envelope) error
	ReadEnvelope() (*Envelope, error)
}

// BinaryCodec frames envelopes as a 4-byte big-endian length followed by the
// serialized envelope.
type BinaryCodec struct {
	wmu sync.Mutex
	w   io.Writer
	r   *bufio.Reader
}

// NewBinaryCodec wraps rw with binary-mode framing.
func NewBinaryCodec(rw io.ReadWriter) *BinaryCodec {
	return &BinaryCodec{w: rw, r: bufio.NewReader(rw)}
}

func (c *BinaryCodec) WriteEnvelope(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("envelope exceeds max frame size: %d bytes", len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadEnvelope runs the 2-phase frame state machine: read exactly 4 bytes to
// learn the body length, then read exactly that many bytes before decoding.
func (c *BinaryCodec) ReadEnvelope() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, frameError("truncated frame header", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, frameError("zero-length frame", nil)
	}
	if length > MaxFrameSize {
		return nil, frameError(fmt.Sprintf("frame length %d exceeds limit", length), nil)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, frameError("truncated frame body", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, frameError("undecodable envelope", err)
	}
	if err := ValidateEnvelope(&env); err != nil {
		return nil, frameError("invalid envelope", err)
	}
	return &env, nil
}

// Legacy text-mode command vocabulary, one JSON object per line.
const (
	textCommandRegister = "register"
	textCommandQuery    = "query"
	textCommandNotify   = "notify"
	textCommandListen   = "listen"
	textCommandStatus   = "status"
	textCommandServer   = "server"
	textCommandAck      = "ack"
	textCommandTimeout  = "timeout"
	textCommandError    = "error"
)

// textMessage is the flat legacy wire form. Every message must carry a
// command; the remaining fields are command-specific.
type textMessage struct {
	Command        string          `json:"command,omitempty"`
	Service        string          `json:"service,omitempty"`
	Identification string          `json:"identification,omitempty"`
	Action         string          `json:"action,omitempty"`
	ID             *uint32         `json:"id,omitempty"`
	Event          string          `json:"event,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
}

// TextCodec frames envelopes as newline-terminated JSON command objects, the
// legacy wire form. The encoder always emits compact JSON so a raw newline
// can never appear inside an object.
type TextCodec struct {
	wmu sync.Mutex
	w   io.Writer
	r   *bufio.Reader
}

// NewTextCodec wraps rw with legacy text-mode framing.
func NewTextCodec(rw io.ReadWriter) *TextCodec {
	return &TextCodec{w: rw, r: bufio.NewReader(rw)}
}

// encodeTextData renders an opaque payload data field on the legacy wire.
// JSON payloads travel as-is (compacted); anything else is base64-quoted.
// Decoding mirrors this, so string payloads that happen to parse as base64
// are ambiguous on this wire; the binary mode has no such restriction.
func encodeTextData(data []byte) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if json.Valid(data) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to compact data: %w", err)
		}
		return buf.Bytes(), nil
	}
	quoted, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw data: %w", err)
	}
	return quoted, nil
}

func decodeTextData(raw json.RawMessage) []byte {
	if raw == nil {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var b []byte
		if err := json.Unmarshal(trimmed, &b); err == nil {
			return b
		}
	}
	return trimmed
}

func (c *TextCodec) WriteEnvelope(env *Envelope) error {
	msg, err := textFromEnvelope(env)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *TextCodec) ReadEnvelope() (*Envelope, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			return nil, frameError("truncated message line", err)
		}
		return nil, frameError("failed to read message line", err)
	}

	var msg textMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, frameError("undecodable message", err)
	}
	return envelopeFromText(&msg)
}

func textFromEnvelope(env *Envelope) (*textMessage, error) {
	switch env.Kind {
	case KindRegister:
		p, err := env.Register()
		if err != nil {
			return nil, err
		}
		return &textMessage{
			Command:        textCommandRegister,
			Service:        p.Name,
			Identification: p.Identification,
		}, nil

	case KindRequest:
		p, err := env.Request()
		if err != nil {
			return nil, err
		}
		data, err := encodeTextData(p.Data)
		if err != nil {
			return nil, err
		}
		id := p.ID
		return &textMessage{
			Command:        textCommandQuery,
			Service:        p.ServiceName,
			Identification: p.ServiceIdentification,
			Action:         p.Method,
			ID:             &id,
			Data:           data,
		}, nil

	case KindReply:
		p, err := env.Reply()
		if err != nil {
			return nil, err
		}
		id := p.ID
		if p.Error != nil {
			if p.Error.Kind == ErrorTimeout {
				return &textMessage{Command: textCommandTimeout, ID: &id}, nil
			}
			detail := *p.Error
			return &textMessage{Command: textCommandError, ID: &id, Error: &detail}, nil
		}
		data, err := encodeTextData(p.Data)
		if err != nil {
			return nil, err
		}
		return &textMessage{Command: textCommandAck, ID: &id, Data: data}, nil

	case KindPublish:
		p, err := env.Publish()
		if err != nil {
			return nil, err
		}
		data, err := encodeTextData(p.Data)
		if err != nil {
			return nil, err
		}
		return &textMessage{Command: textCommandNotify, Event: p.Event, Data: data}, nil

	case KindSubscribe:
		p, err := env.Subscribe()
		if err != nil {
			return nil, err
		}
		return &textMessage{Command: textCommandListen, Event: p.Event}, nil
	}
	return nil, fmt.Errorf("unknown envelope kind: %q", env.Kind)
}

func envelopeFromText(msg *textMessage) (*Envelope, error) {
	id := uint32(0)
	if msg.ID != nil {
		id = *msg.ID
	}

	switch msg.Command {
	case "":
		return nil, frameError("message does not contain 'command' component", nil)

	case textCommandRegister:
		return NewRegister(msg.Service, msg.Identification)

	case textCommandQuery:
		return NewRequest(id, msg.Service, msg.Identification, msg.Action, decodeTextData(msg.Data))

	case textCommandAck:
		return NewReply(id, decodeTextData(msg.Data))

	case textCommandTimeout:
		return NewErrorReply(id, ErrorTimeout, "")

	case textCommandError:
		if msg.Error != nil {
			return NewErrorReply(id, msg.Error.Kind, msg.Error.Detail)
		}
		return NewErrorReply(id, ErrorCustom, string(decodeTextData(msg.Data)))

	case textCommandNotify:
		return NewPublish(msg.Event, decodeTextData(msg.Data))

	case textCommandListen:
		return NewSubscribe(msg.Event)

	case textCommandStatus, textCommandServer:
		// Broker-bound vocabulary, a client never receives these.
		return nil, frameError(fmt.Sprintf("unexpected broker command: %q", msg.Command), nil)
	}
	return nil, frameError(fmt.Sprintf("unknown command: %q", msg.Command), nil)
}
