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

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"cellaserv/internal/cellaserv"
	"cellaserv/internal/logger"
)

// Bridge exposes broker requests over HTTP. Each HTTP request dials its own
// broker connection, does one blocking request and closes; there is no
// connection pooling, the broker is local and cheap to reach.
type Bridge struct {
	dialer cellaserv.Dialer
	logger zerolog.Logger
	server *http.Server
}

// NewBridge creates an HTTP bridge using dialer to reach the broker.
func NewBridge(dialer cellaserv.Dialer) *Bridge {
	return &Bridge{
		dialer: dialer,
		logger: logger.New(),
	}
}

// Router builds the HTTP routes.
func (b *Bridge) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(b.loggingMiddleware)

	router.HandleFunc("/query/{service}/{action}", b.handleQuery).Methods("GET", "POST")
	router.HandleFunc("/query/{service}/{identification}/{action}", b.handleQuery).Methods("GET", "POST")

	return router
}

// Start runs the HTTP server until Stop is called.
func (b *Bridge) Start(address string) error {
	b.server = &http.Server{
		Addr:         address,
		Handler:      b.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	b.logger.Info().Str("address", address).Msg("HTTP bridge listening")
	if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}

func (b *Bridge) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		b.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (b *Bridge) handleQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	service := vars["service"]
	identification := vars["identification"]
	action := vars["action"]

	data, err := requestData(r)
	if err != nil {
		b.writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := b.dialer()
	if err != nil {
		b.writeError(w, http.StatusBadGateway, err)
		return
	}
	client := cellaserv.NewClient(conn)
	defer client.Close()

	result, err := client.Request(service, identification, action, data)
	if err != nil {
		b.writeError(w, statusFor(err), err)
		return
	}

	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if json.Valid(result) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Write(result)
}

// requestData turns query string and form parameters into a JSON keyword
// argument mapping. Values that parse as JSON travel as-is, anything else
// as a string.
func requestData(r *http.Request) ([]byte, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	if len(r.Form) == 0 {
		return nil, nil
	}

	kwargs := make(map[string]json.RawMessage, len(r.Form))
	for key, values := range r.Form {
		value := values[len(values)-1]
		if json.Valid([]byte(value)) {
			kwargs[key] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		kwargs[key] = quoted
	}
	return json.Marshal(kwargs)
}

// statusFor maps a request failure to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cellaserv.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cellaserv.ErrNoSuchService), errors.Is(err, cellaserv.ErrNoSuchMethod):
		return http.StatusNotFound
	case errors.Is(err, cellaserv.ErrBadArguments):
		return http.StatusBadRequest
	case errors.Is(err, cellaserv.ErrReply):
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func (b *Bridge) writeError(w http.ResponseWriter, status int, err error) {
	b.logger.Error().Err(err).Int("status", status).Msg("Query failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
