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
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindRegister  Kind = "register"
	KindRequest   Kind = "request"
	KindReply     Kind = "reply"
	KindPublish   Kind = "publish"
	KindSubscribe Kind = "subscribe"
)

// Well-known broker names used by the dependency wait machinery.
const (
	// BrokerService is the builtin service the broker itself answers on.
	BrokerService = "cellaserv"

	// ListServicesMethod returns the currently registered services.
	ListServicesMethod = "list-services"

	// NewServiceEvent is published by the broker every time a service
	// registers.
	NewServiceEvent = "log.cellaserv.new-service"
)

// ErrorKind enumerates the protocol-level reply error taxonomy.
type ErrorKind string

const (
	ErrorTimeout       ErrorKind = "timeout"
	ErrorNoSuchService ErrorKind = "no_such_service"
	ErrorNoSuchMethod  ErrorKind = "no_such_method"
	ErrorBadArguments  ErrorKind = "bad_arguments"
	ErrorCustom        ErrorKind = "custom"
)

// Envelope is the unit of wire transfer. Payload bytes are opaque at this
// layer, their schema depends on Kind. A nil Payload means the payload is
// absent, which is distinct from a present but empty payload.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

type envelopeWire struct {
	Kind    Kind    `json:"kind"`
	Payload *[]byte `json:"payload,omitempty"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{Kind: e.Kind}
	if e.Payload != nil {
		p := e.Payload
		w.Payload = &p
	}
	return json.Marshal(w)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Kind
	if w.Payload == nil {
		e.Payload = nil
		return nil
	}
	e.Payload = *w.Payload
	if e.Payload == nil {
		// JSON null payload, keep the present-but-empty semantics.
		e.Payload = []byte{}
	}
	return nil
}

// RegisterPayload identifies a service instance to the broker.
type RegisterPayload struct {
	Name           string `json:"name"`
	Identification string `json:"identification,omitempty"`
}

// RequestPayload carries a method call. ID is unique among the outstanding
// requests of one connection and pairs the eventual Reply.
type RequestPayload struct {
	ID                    uint32 `json:"id"`
	ServiceName           string `json:"service_name"`
	ServiceIdentification string `json:"service_identification,omitempty"`
	Method                string `json:"method"`
	Data                  []byte `json:"data,omitempty"`
}

// ErrorDetail describes why a request failed.
type ErrorDetail struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// ReplyPayload answers exactly one RequestPayload.
type ReplyPayload struct {
	ID    uint32       `json:"id"`
	Data  []byte       `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// PublishPayload is a fire-and-forget event, there is no correlation id and
// any number of subscribers may receive it.
type PublishPayload struct {
	Event string `json:"event"`
	Data  []byte `json:"data,omitempty"`
}

// SubscribePayload registers interest in an event name or glob pattern.
type SubscribePayload struct {
	Event string `json:"event"`
}

// ServiceInfo is the broker's description of a registered service. It is the
// element type of the list-services reply and the payload of the new-service
// event.
type ServiceInfo struct {
	Name           string `json:"name"`
	Identification string `json:"identification,omitempty"`
}

func wrapPayload(kind Kind, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &Envelope{Kind: kind, Payload: body}, nil
}

// NewRegister builds a register envelope. The service name is mandatory and
// must be non-empty after trimming.
func NewRegister(name, identification string) (*Envelope, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	return wrapPayload(KindRegister, &RegisterPayload{
		Name:           name,
		Identification: identification,
	})
}

// NewRequest builds a request envelope.
func NewRequest(id uint32, service, identification, method string, data []byte) (*Envelope, error) {
	if method == "" {
		return nil, fmt.Errorf("method is required")
	}
	return wrapPayload(KindRequest, &RequestPayload{
		ID:                    id,
		ServiceName:           service,
		ServiceIdentification: identification,
		Method:                method,
		Data:                  data,
	})
}

// NewReply builds a successful reply envelope.
func NewReply(id uint32, data []byte) (*Envelope, error) {
	return wrapPayload(KindReply, &ReplyPayload{ID: id, Data: data})
}

// NewErrorReply builds a reply envelope carrying an error detail.
func NewErrorReply(id uint32, kind ErrorKind, detail string) (*Envelope, error) {
	return wrapPayload(KindReply, &ReplyPayload{
		ID:    id,
		Error: &ErrorDetail{Kind: kind, Detail: detail},
	})
}

// NewPublish builds a publish envelope.
func NewPublish(event string, data []byte) (*Envelope, error) {
	if event == "" {
		return nil, fmt.Errorf("event is required")
	}
	return wrapPayload(KindPublish, &PublishPayload{Event: event, Data: data})
}

// NewSubscribe builds a subscribe envelope. The event may be a glob pattern.
func NewSubscribe(event string) (*Envelope, error) {
	if event == "" {
		return nil, fmt.Errorf("event is required")
	}
	return wrapPayload(KindSubscribe, &SubscribePayload{Event: event})
}

func (e *Envelope) decodePayload(kind Kind, out any) error {
	if e.Kind != kind {
		return fmt.Errorf("envelope is %s, not %s", e.Kind, kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("%s envelope without payload", kind)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return nil
}

// Register decodes the envelope as a RegisterPayload.
func (e *Envelope) Register() (*RegisterPayload, error) {
	var p RegisterPayload
	if err := e.decodePayload(KindRegister, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Request decodes the envelope as a RequestPayload.
func (e *Envelope) Request() (*RequestPayload, error) {
	var p RequestPayload
	if err := e.decodePayload(KindRequest, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Reply decodes the envelope as a ReplyPayload.
func (e *Envelope) Reply() (*ReplyPayload, error) {
	var p ReplyPayload
	if err := e.decodePayload(KindReply, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Publish decodes the envelope as a PublishPayload.
func (e *Envelope) Publish() (*PublishPayload, error) {
	var p PublishPayload
	if err := e.decodePayload(KindPublish, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Subscribe decodes the envelope as a SubscribePayload.
func (e *Envelope) Subscribe() (*SubscribePayload, error) {
	var p SubscribePayload
	if err := e.decodePayload(KindSubscribe, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateEnvelope checks that the envelope carries a known kind and that the
// payload decodes under that kind's schema.
func ValidateEnvelope(e *Envelope) error {
	switch e.Kind {
	case KindRegister:
		p, err := e.Register()
		if err != nil {
			return err
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("register without service name")
		}
	case KindRequest:
		p, err := e.Request()
		if err != nil {
			return err
		}
		if p.Method == "" {
			return fmt.Errorf("request without method")
		}
	case KindReply:
		if _, err := e.Reply(); err != nil {
			return err
		}
	case KindPublish:
		p, err := e.Publish()
		if err != nil {
			return err
		}
		if p.Event == "" {
			return fmt.Errorf("publish without event")
		}
	case KindSubscribe:
		p, err := e.Subscribe()
		if err != nil {
			return err
		}
		if p.Event == "" {
			return fmt.Errorf("subscribe without event")
		}
	default:
		return fmt.Errorf("unknown envelope kind: %q", e.Kind)
	}
	return nil
}
