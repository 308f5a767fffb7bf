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

	"github.com/rs/zerolog"
)

// Dependency names a peer service that must be registered with the broker
// before this service starts.
type Dependency struct {
	Service        string
	Identification string
}

func (d Dependency) String() string {
	if d.Identification == "" {
		return d.Service
	}
	return d.Service + "/" + d.Identification
}

// depWaiter blocks service startup until every declared dependency has been
// observed registered. It owns the connection's read side for the duration;
// the dispatch loop takes over only after it finishes.
//
// The ordering is the whole point: subscribe to the new-service event first,
// then list currently registered services. A dependency registering between
// the two is seen either in the list reply or as a notification, never
// missed. Waiting has no deadline; only the connection failing ends it early.
type depWaiter struct {
	client    *Client
	remaining map[Dependency]struct{}
	callbacks []func()
	logger    zerolog.Logger
}

func newDepWaiter(client *Client, deps []Dependency, callbacks []func()) *depWaiter {
	remaining := make(map[Dependency]struct{}, len(deps))
	for _, dep := range deps {
		remaining[dep] = struct{}{}
	}
	return &depWaiter{
		client:    client,
		remaining: remaining,
		callbacks: callbacks,
		logger:    client.logger.With().Str("phase", "depwait").Logger(),
	}
}

func (w *depWaiter) observe(info ServiceInfo) {
	dep := Dependency{Service: info.Name, Identification: info.Identification}
	if _, ok := w.remaining[dep]; !ok {
		return
	}
	delete(w.remaining, dep)
	w.logger.Info().
		Stringer("dependency", dep).
		Int("remaining", len(w.remaining)).
		Msg("Dependency satisfied")
}

// wait drives the machine to the Satisfied state and runs every completion
// callback. Callbacks run only after all dependencies are satisfied, not per
// dependency.
func (w *depWaiter) wait() error {
	if len(w.remaining) == 0 {
		w.runCallbacks()
		return nil
	}

	w.logger.Info().
		Int("dependencies", len(w.remaining)).
		Msg("Waiting for dependencies")

	// Subscribing before Listing closes the race window where a
	// dependency registers between the two calls.
	if err := w.client.Subscribe(NewServiceEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", NewServiceEvent, err)
	}

	listID, err := w.client.RequestAsync(BrokerService, "", ListServicesMethod, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to request service list: %w", err)
	}

	listed := false
	for !listed || len(w.remaining) > 0 {
		env, err := w.client.recv()
		if err != nil {
			return fmt.Errorf("connection failed during dependency wait: %w", err)
		}

		switch env.Kind {
		case KindReply:
			rep, err := env.Reply()
			if err != nil {
				return frameError("invalid reply payload", err)
			}
			if rep.ID != listID {
				w.logger.Debug().
					Uint32("id", rep.ID).
					Msg("Ignoring unrelated reply during dependency wait")
				continue
			}
			if rep.Error != nil {
				return fmt.Errorf("service list request failed: %w", replyErrorFrom(rep.Error))
			}
			var services []ServiceInfo
			if rep.Data != nil {
				if err := json.Unmarshal(rep.Data, &services); err != nil {
					return fmt.Errorf("failed to decode service list: %w", err)
				}
			}
			for _, info := range services {
				w.observe(info)
			}
			listed = true

		case KindPublish:
			pub, err := env.Publish()
			if err != nil {
				return frameError("invalid publish payload", err)
			}
			if pub.Event != NewServiceEvent {
				w.logger.Debug().
					Str("event", pub.Event).
					Msg("Ignoring unrelated event during dependency wait")
				continue
			}
			var info ServiceInfo
			if err := json.Unmarshal(pub.Data, &info); err != nil {
				w.logger.Warn().
					Err(err).
					Msg("Undecodable new-service notification")
				continue
			}
			w.observe(info)

		default:
			w.logger.Debug().
				Str("kind", string(env.Kind)).
				Msg("Ignoring envelope during dependency wait")
		}
	}

	w.runCallbacks()
	return nil
}

func (w *depWaiter) runCallbacks() {
	w.logger.Info().Msg("All dependencies satisfied")
	for _, cb := range w.callbacks {
		cb()
	}
}
