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
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cellaserv/internal/logger"
)

// ReplyCallback receives the reply of a non-blocking request.
type ReplyCallback func(*ReplyPayload)

// Client is the correlation engine over one broker connection. It supports
// two consumption models on the same envelope stream: blocking Request calls
// that read the stream until their own reply arrives, and a callback-driven
// model where ReadLoop owns the stream and routes replies to the callbacks
// registered by RequestAsync.
//
// A connection's blocking path consumes any reply it sees, so concurrent
// blocking callers must use distinct connections.
type Client struct {
	conn   io.ReadWriteCloser
	codec  Codec
	logger zerolog.Logger

	nextID uint32

	mu             sync.Mutex
	replyCallbacks map[uint32]ReplyCallback
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTextMode switches the connection to the legacy newline-delimited JSON
// wire form instead of the binary length-prefixed one.
func WithTextMode() ClientOption {
	return func(c *Client) {
		c.codec = NewTextCodec(c.conn)
	}
}

// WithClientLogger overrides the client logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = log
	}
}

// NewClient wraps an established broker connection. The correlation counter
// is seeded randomly so ids do not collide across client restarts sharing a
// broker.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn:           conn,
		codec:          NewBinaryCodec(conn),
		logger:         logger.New(),
		nextID:         randomSeed(),
		replyCallbacks: make(map[uint32]ReplyCallback),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("conn", uuid.NewString()[:8]).Logger()
	return c
}

func randomSeed() uint32 {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		// The counter still increments, only cross-run collision
		// avoidance is lost.
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) allocID() uint32 {
	return atomic.AddUint32(&c.nextID, 1)
}

func (c *Client) send(env *Envelope) error {
	c.logger.Trace().
		Str("kind", string(env.Kind)).
		Int("payload_size", len(env.Payload)).
		Msg("Sending envelope")
	return c.codec.WriteEnvelope(env)
}

func (c *Client) recv() (*Envelope, error) {
	env, err := c.codec.ReadEnvelope()
	if err != nil {
		return nil, err
	}
	c.logger.Trace().
		Str("kind", string(env.Kind)).
		Int("payload_size", len(env.Payload)).
		Msg("Received envelope")
	return env, nil
}

// Register announces this connection as a service instance to the broker.
func (c *Client) Register(name, identification string) error {
	env, err := NewRegister(name, identification)
	if err != nil {
		return err
	}
	c.logger.Info().
		Str("service", name).
		Str("identification", identification).
		Msg("Registering service")
	return c.send(env)
}

// Publish emits a fire-and-forget event.
func (c *Client) Publish(event string, data []byte) error {
	env, err := NewPublish(event, data)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("event", event).
		Int("data_size", len(data)).
		Msg("Publishing event")
	return c.send(env)
}

// Subscribe registers interest in an event name or glob pattern.
func (c *Client) Subscribe(event string) error {
	env, err := NewSubscribe(event)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("event", event).
		Msg("Subscribing to event")
	return c.send(env)
}

// Reply answers a received request.
func (c *Client) Reply(id uint32, data []byte) error {
	env, err := NewReply(id, data)
	if err != nil {
		return err
	}
	return c.send(env)
}

// ReplyError answers a received request with an error detail.
func (c *Client) ReplyError(id uint32, kind ErrorKind, detail string) error {
	env, err := NewErrorReply(id, kind, detail)
	if err != nil {
		return err
	}
	return c.send(env)
}

// Request sends a request and blocks until its own reply arrives. Envelopes
// for anyone else are logged and discarded; the blocking mode is a single
// in-flight caller. The broker signals timeouts through the reply itself, the
// client imposes no deadline of its own.
func (c *Client) Request(service, identification, method string, data []byte) ([]byte, error) {
	id := c.allocID()
	env, err := NewRequest(id, service, identification, method, data)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("service", service).
		Str("identification", identification).
		Str("method", method).
		Uint32("id", id).
		Msg("Sending request")

	if err := c.send(env); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	for {
		in, err := c.recv()
		if err != nil {
			return nil, fmt.Errorf("connection failed while waiting for reply: %w", err)
		}

		if in.Kind != KindReply {
			c.logger.Debug().
				Str("kind", string(in.Kind)).
				Msg("Discarding non-reply envelope in blocking mode")
			continue
		}

		rep, err := in.Reply()
		if err != nil {
			return nil, frameError("invalid reply payload", err)
		}
		if rep.ID != id {
			c.logger.Debug().
				Uint32("id", rep.ID).
				Uint32("want", id).
				Msg("Discarding reply for other request")
			continue
		}

		if rep.Error != nil {
			c.logger.Debug().
				Uint32("id", id).
				Str("error_kind", string(rep.Error.Kind)).
				Str("detail", rep.Error.Detail).
				Msg("Request failed")
			return nil, replyErrorFrom(rep.Error)
		}

		c.logger.Debug().
			Uint32("id", id).
			Int("data_size", len(rep.Data)).
			Msg("Request succeeded")
		return rep.Data, nil
	}
}

// RequestAsync sends a request and returns the allocated id immediately. The
// reply is delivered to cb by ReadLoop. A nil cb makes the request
// fire-and-forget: its reply is dropped with a log record when it arrives.
func (c *Client) RequestAsync(service, identification, method string, data []byte, cb ReplyCallback) (uint32, error) {
	id := c.allocID()
	env, err := NewRequest(id, service, identification, method, data)
	if err != nil {
		return 0, err
	}

	if cb != nil {
		c.mu.Lock()
		c.replyCallbacks[id] = cb
		c.mu.Unlock()
	}

	if err := c.send(env); err != nil {
		if cb != nil {
			c.mu.Lock()
			delete(c.replyCallbacks, id)
			c.mu.Unlock()
		}
		return 0, fmt.Errorf("failed to send request: %w", err)
	}

	c.logger.Debug().
		Str("service", service).
		Str("method", method).
		Uint32("id", id).
		Bool("fire_and_forget", cb == nil).
		Msg("Sent async request")
	return id, nil
}

func (c *Client) handleReply(rep *ReplyPayload) {
	c.mu.Lock()
	cb, ok := c.replyCallbacks[rep.ID]
	if ok {
		delete(c.replyCallbacks, rep.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Legal for fire-and-forget requests; never silent.
		c.logger.Warn().
			Uint32("id", rep.ID).
			Msg("Dropping reply for unknown request")
		return
	}
	cb(rep)
}

// ReadLoop owns the connection's incoming stream: replies go to the async
// callbacks, requests and publishes to the dispatcher. Handlers run to
// completion before the next envelope is processed. Returns the transport
// error that ended the loop; io.EOF for an orderly remote close.
func (c *Client) ReadLoop(d *Dispatcher) error {
	c.logger.Debug().Msg("Starting dispatch loop")

	for {
		env, err := c.recv()
		if err != nil {
			if err == io.EOF {
				c.logger.Info().Msg("Connection closed")
			} else {
				c.logger.Error().Err(err).Msg("Dispatch loop terminated")
			}
			return err
		}

		switch env.Kind {
		case KindReply:
			rep, err := env.Reply()
			if err != nil {
				return frameError("invalid reply payload", err)
			}
			c.handleReply(rep)

		case KindRequest:
			req, err := env.Request()
			if err != nil {
				return frameError("invalid request payload", err)
			}
			if d != nil {
				d.OnRequest(c, req)
			} else {
				c.logger.Warn().
					Str("method", req.Method).
					Msg("Dropping request, no dispatcher")
			}

		case KindPublish:
			pub, err := env.Publish()
			if err != nil {
				return frameError("invalid publish payload", err)
			}
			if d != nil {
				d.OnPublish(c, pub)
			} else {
				c.logger.Warn().
					Str("event", pub.Event).
					Msg("Dropping publish, no dispatcher")
			}

		default:
			c.logger.Warn().
				Str("kind", string(env.Kind)).
				Msg("Ignoring unexpected envelope kind")
		}
	}
}
