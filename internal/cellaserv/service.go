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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"cellaserv/internal/logger"
)

// Dialer opens a fresh connection to the broker. The service dials once for
// its own dispatch loop and once more per worker, since a connection's
// blocking request path cannot be shared between concurrent callers.
type Dialer func() (io.ReadWriteCloser, error)

// WorkerFunc is a background task running alongside the dispatch loop. It
// gets its own connection for blocking requests and must return when ctx is
// done.
type WorkerFunc func(ctx context.Context, peer *Client) error

type dependencyBinding struct {
	dep Dependency
	cbs []func()
}

// Service wires the protocol engine into a runnable service instance:
// dependency wait, subscriptions, registration, background workers and the
// dispatch loop. Bindings are declared up front through options; there is no
// runtime introspection.
type Service struct {
	name           string
	identification string

	dialer   Dialer
	textMode bool
	logger   zerolog.Logger

	dispatcher *Dispatcher
	deps       []dependencyBinding
	workers    []WorkerFunc

	bindErr error

	client *Client
	killed atomic.Bool
}

// ServiceOption configures a Service before it runs.
type ServiceOption func(*Service)

// WithAction exports a method under the given name.
func WithAction(name string, fn ActionFunc) ServiceOption {
	return func(s *Service) {
		s.dispatcher.BindAction(name, fn)
	}
}

// WithEvent subscribes a handler to an exact event name.
func WithEvent(event string, fn EventFunc) ServiceOption {
	return func(s *Service) {
		s.dispatcher.BindEvent(event, fn)
	}
}

// WithEventPattern subscribes a handler to a glob pattern ('*' matches any
// run of characters, '?' matches one).
func WithEventPattern(pattern string, fn EventFunc) ServiceOption {
	return func(s *Service) {
		if err := s.dispatcher.BindEventPattern(pattern, fn); err != nil && s.bindErr == nil {
			s.bindErr = err
		}
	}
}

// WithDependency declares that a peer service must be registered before this
// service starts. Callbacks run once every declared dependency is satisfied.
func WithDependency(service, identification string, cbs ...func()) ServiceOption {
	return func(s *Service) {
		s.deps = append(s.deps, dependencyBinding{
			dep: Dependency{Service: service, Identification: identification},
			cbs: cbs,
		})
	}
}

// WithWorker declares a background task started after registration.
func WithWorker(fn WorkerFunc) ServiceOption {
	return func(s *Service) {
		s.workers = append(s.workers, fn)
	}
}

// WithTextWire runs every connection of this service in the legacy
// newline-delimited JSON wire mode.
func WithTextWire() ServiceOption {
	return func(s *Service) {
		s.textMode = true
	}
}

// WithServiceLogger overrides the service logger.
func WithServiceLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = log
	}
}

// NewService builds a service instance from an explicit binding list.
func NewService(name, identification string, dialer Dialer, opts ...ServiceOption) (*Service, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}

	s := &Service{
		name:           name,
		identification: identification,
		dialer:         dialer,
		dispatcher:     NewDispatcher(name, identification),
		logger: logger.New().With().
			Str("service", name).
			Str("identification", identification).
			Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bindErr != nil {
		return nil, s.bindErr
	}
	s.bindBuiltins()
	return s, nil
}

// bindBuiltins adds the actions every service answers. User bindings win on
// name collision.
func (s *Service) bindBuiltins() {
	if !s.dispatcher.HasAction("list-actions") {
		s.dispatcher.BindAction("list-actions", func(*Args) (any, error) {
			names := s.dispatcher.ActionNames()
			sort.Strings(names)
			return names, nil
		})
	}
	if !s.dispatcher.HasAction("kill") {
		s.dispatcher.BindAction("kill", func(*Args) (any, error) {
			s.logger.Info().Msg("Kill action received")
			s.Kill()
			return nil, nil
		})
	}
}

func (s *Service) dial() (*Client, error) {
	conn, err := s.dialer()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	opts := []ClientOption{WithClientLogger(s.logger)}
	if s.textMode {
		opts = append(opts, WithTextMode())
	}
	return NewClient(conn, opts...), nil
}

// Kill terminates the dispatch loop by closing the service connection. Run
// returns nil after a kill, an error after any other transport failure.
func (s *Service) Kill() {
	s.killed.Store(true)
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing connection on kill")
		}
	}
}

// Publish emits an event from this service.
func (s *Service) Publish(event string, data []byte) error {
	if s.client == nil {
		return fmt.Errorf("service is not running")
	}
	return s.client.Publish(event, data)
}

// Log publishes structured fields on the service's log event channel,
// log.<name> or log.<name>/<identification>.
func (s *Service) Log(fields map[string]any) error {
	event := "log." + s.name
	if s.identification != "" {
		event += "/" + s.identification
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode log fields: %w", err)
	}
	return s.Publish(event, data)
}

// Run connects and runs the service until a fatal transport error, a kill
// action or ctx cancellation. The startup order is fixed: connect, wait for
// dependencies, subscribe events, register, start workers, dispatch.
func (s *Service) Run(ctx context.Context) error {
	client, err := s.dial()
	if err != nil {
		return err
	}
	s.client = client
	defer client.Close()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		s.killed.Store(true)
		client.Close()
	})
	defer stop()

	// Dependency wait runs on a synchronous view of the socket, strictly
	// before the dispatch loop takes over reading.
	var deps []Dependency
	var callbacks []func()
	for _, binding := range s.deps {
		deps = append(deps, binding.dep)
		callbacks = append(callbacks, binding.cbs...)
	}
	if len(deps) > 0 {
		if err := newDepWaiter(client, deps, callbacks).wait(); err != nil {
			return fmt.Errorf("dependency wait failed: %w", err)
		}
	}

	for _, event := range s.dispatcher.EventNames() {
		if err := client.Subscribe(event); err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", event, err)
		}
	}

	if err := client.Register(s.name, s.identification); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	for i, worker := range s.workers {
		peer, err := s.dial()
		if err != nil {
			return fmt.Errorf("failed to connect worker %d: %w", i, err)
		}
		go s.runWorker(wctx, i, worker, peer)
	}

	s.logger.Info().
		Int("actions", len(s.dispatcher.ActionNames())).
		Int("events", len(s.dispatcher.EventNames())).
		Int("workers", len(s.workers)).
		Msg("Service running")

	err = client.ReadLoop(s.dispatcher)
	if s.killed.Load() || ctx.Err() != nil {
		s.logger.Info().Msg("Service stopped")
		return nil
	}
	return err
}

func (s *Service) runWorker(ctx context.Context, i int, worker WorkerFunc, peer *Client) {
	defer peer.Close()

	log := s.logger.With().Int("worker", i).Logger()
	log.Debug().Msg("Worker started")

	if err := worker(ctx, peer); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		return
	}
	log.Debug().Msg("Worker finished")
}
