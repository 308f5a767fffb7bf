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
	"path"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"cellaserv/internal/logger"
)

// Args holds the decoded arguments of a request. A JSON array decodes into
// Positional, a JSON object into Keyword; at most one of the two is set.
type Args struct {
	Positional []json.RawMessage
	Keyword    map[string]json.RawMessage
}

// At unmarshals positional argument i into out.
func (a *Args) At(i int, out any) error {
	if i < 0 || i >= len(a.Positional) {
		return fmt.Errorf("no positional argument %d", i)
	}
	return json.Unmarshal(a.Positional[i], out)
}

// Get unmarshals keyword argument key into out.
func (a *Args) Get(key string, out any) error {
	raw, ok := a.Keyword[key]
	if !ok {
		return fmt.Errorf("no argument %q", key)
	}
	return json.Unmarshal(raw, out)
}

// Empty reports whether the request carried no arguments at all.
func (a *Args) Empty() bool {
	return len(a.Positional) == 0 && len(a.Keyword) == 0
}

// decodeArgs turns raw request data into Args. The discriminant is the JSON
// shape: array means positional, object means keyword, anything else is a
// BadArguments case for the caller to report.
func decodeArgs(data []byte) (*Args, error) {
	if len(data) == 0 {
		return &Args{}, nil
	}
	parsed := gjson.ParseBytes(data)
	switch {
	case parsed.IsArray():
		var positional []json.RawMessage
		if err := json.Unmarshal(data, &positional); err != nil {
			return nil, fmt.Errorf("invalid argument list: %w", err)
		}
		return &Args{Positional: positional}, nil
	case parsed.IsObject():
		keyword := make(map[string]json.RawMessage)
		if err := json.Unmarshal(data, &keyword); err != nil {
			return nil, fmt.Errorf("invalid argument mapping: %w", err)
		}
		return &Args{Keyword: keyword}, nil
	}
	return nil, fmt.Errorf("arguments are neither a list nor a mapping")
}

// ActionFunc handles one request method. A non-nil result is encoded into the
// reply data; returning an error (or panicking) produces a Custom error
// reply and never takes down the dispatch loop.
type ActionFunc func(args *Args) (any, error)

// EventFunc handles one publish. Data is the raw event payload; events may
// legitimately carry non-JSON bytes, decoding is the handler's business.
type EventFunc func(event string, data []byte)

// Responder is where the dispatcher sends its replies and error reports. It
// is implemented by Client.
type Responder interface {
	Reply(id uint32, data []byte) error
	ReplyError(id uint32, kind ErrorKind, detail string) error
	Publish(event string, data []byte) error
}

const patternCacheSize = 128

// Dispatcher routes incoming requests to action handlers and incoming
// publishes to event handlers. Bindings are declared once, before dispatch
// starts; the tables are read-only afterwards.
type Dispatcher struct {
	service        string
	identification string

	actions  map[string]ActionFunc
	events   map[string][]EventFunc
	patterns map[string][]EventFunc

	// matchCache memoizes event name -> pattern handler resolution; safe
	// because the tables are immutable once dispatch starts.
	matchCache *lru.Cache[string, []EventFunc]

	logger zerolog.Logger
}

// NewDispatcher creates an empty dispatch table for a service instance.
func NewDispatcher(service, identification string) *Dispatcher {
	cache, _ := lru.New[string, []EventFunc](patternCacheSize)
	return &Dispatcher{
		service:        service,
		identification: identification,
		actions:        make(map[string]ActionFunc),
		events:         make(map[string][]EventFunc),
		patterns:       make(map[string][]EventFunc),
		matchCache:     cache,
		logger: logger.New().With().
			Str("service", service).
			Str("identification", identification).
			Logger(),
	}
}

// BindAction binds a method name to a handler. Binding the same name twice
// replaces the handler.
func (d *Dispatcher) BindAction(name string, fn ActionFunc) {
	d.actions[name] = fn
}

// HasAction reports whether a method name is bound.
func (d *Dispatcher) HasAction(name string) bool {
	_, ok := d.actions[name]
	return ok
}

// ActionNames returns the bound method names, unordered.
func (d *Dispatcher) ActionNames() []string {
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	return names
}

// BindEvent binds an exact event name to a handler. Multiple handlers may
// bind to the same name.
func (d *Dispatcher) BindEvent(event string, fn EventFunc) {
	d.events[event] = append(d.events[event], fn)
}

// BindEventPattern binds a glob pattern to a handler. Patterns use
// conventional shell-glob semantics: '*' matches any run of characters, '?'
// matches one.
func (d *Dispatcher) BindEventPattern(pattern string, fn EventFunc) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid event pattern %q: %w", pattern, err)
	}
	d.patterns[pattern] = append(d.patterns[pattern], fn)
	return nil
}

// EventNames returns every bound exact name and pattern, unordered.
func (d *Dispatcher) EventNames() []string {
	names := make([]string, 0, len(d.events)+len(d.patterns))
	for event := range d.events {
		names = append(names, event)
	}
	for pattern := range d.patterns {
		names = append(names, pattern)
	}
	return names
}

// errorEvent is the channel publish handler failures are reported on.
func (d *Dispatcher) errorEvent() string {
	return "log." + d.service
}

// OnRequest routes one incoming request. Every request that reaches dispatch
// is answered by exactly one reply, success or error, with one exception:
// requests addressed to another instance's identification are dropped
// without an answer, they were never ours.
func (d *Dispatcher) OnRequest(r Responder, req *RequestPayload) {
	if req.ServiceIdentification != "" && req.ServiceIdentification != d.identification {
		d.logger.Debug().
			Str("method", req.Method).
			Str("requested", req.ServiceIdentification).
			Msg("Dropping request for other identification")
		return
	}

	log := d.logger.With().Str("method", req.Method).Uint32("id", req.ID).Logger()

	fn, ok := d.actions[req.Method]
	if !ok {
		log.Error().Msg("No such method")
		d.sendError(r, req.ID, ErrorNoSuchMethod, req.Method)
		return
	}

	args, err := decodeArgs(req.Data)
	if err != nil {
		log.Error().Err(err).Msg("Bad arguments formatting")
		d.sendError(r, req.ID, ErrorBadArguments, string(req.Data))
		return
	}

	result, err := d.invokeAction(fn, args)
	if err != nil {
		log.Error().Err(err).Msg("Action failed")
		d.sendError(r, req.ID, ErrorCustom, err.Error())
		return
	}

	data, err := encodeResult(result)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode action result")
		d.sendError(r, req.ID, ErrorCustom, err.Error())
		return
	}

	log.Debug().Int("data_size", len(data)).Msg("Action succeeded")
	if err := r.Reply(req.ID, data); err != nil {
		log.Error().Err(err).Msg("Failed to send reply")
	}
}

// invokeAction runs a handler, converting a panic into an error so a broken
// handler cannot kill the dispatch loop.
func (d *Dispatcher) invokeAction(fn ActionFunc, args *Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(args)
}

func (d *Dispatcher) sendError(r Responder, id uint32, kind ErrorKind, detail string) {
	if err := r.ReplyError(id, kind, detail); err != nil {
		d.logger.Error().
			Err(err).
			Uint32("id", id).
			Str("error_kind", string(kind)).
			Msg("Failed to send error reply")
	}
}

func encodeResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("unencodable result: %w", err)
	}
	return data, nil
}

// patternHandlers resolves the pattern handlers matching an event name.
func (d *Dispatcher) patternHandlers(event string) []EventFunc {
	if handlers, ok := d.matchCache.Get(event); ok {
		return handlers
	}
	var handlers []EventFunc
	for pattern, fns := range d.patterns {
		// Pattern validity was checked at bind time.
		if ok, _ := path.Match(pattern, event); ok {
			handlers = append(handlers, fns...)
		}
	}
	d.matchCache.Add(event, handlers)
	return handlers
}

// OnPublish fans one event out to every exact-name handler and every
// matching pattern handler. A failing handler is reported on the service's
// log event channel through r and never stops its siblings.
func (d *Dispatcher) OnPublish(r Responder, pub *PublishPayload) {
	exact := d.events[pub.Event]
	matched := d.patternHandlers(pub.Event)

	if len(exact) == 0 && len(matched) == 0 {
		d.logger.Debug().
			Str("event", pub.Event).
			Msg("Publish with no subscribed handler")
		return
	}

	d.logger.Debug().
		Str("event", pub.Event).
		Int("handlers", len(exact)+len(matched)).
		Msg("Dispatching publish")

	for _, fn := range exact {
		d.invokeEvent(r, fn, pub)
	}
	for _, fn := range matched {
		d.invokeEvent(r, fn, pub)
	}
}

func (d *Dispatcher) invokeEvent(r Responder, fn EventFunc, pub *PublishPayload) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Str("event", pub.Event).
				Interface("panic", rec).
				Msg("Event handler panicked")
			if r != nil {
				report, _ := json.Marshal(map[string]string{
					"event": pub.Event,
					"error": fmt.Sprint(rec),
				})
				if err := r.Publish(d.errorEvent(), report); err != nil {
					d.logger.Error().Err(err).Msg("Failed to report handler failure")
				}
			}
		}
	}()
	fn(pub.Event, pub.Data)
}
