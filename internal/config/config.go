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

package config

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"cellaserv/internal/cellaserv"
)

// Defaults used when neither a config file nor the environment says
// otherwise.
const (
	DefaultHost = "evolutek.org"
	DefaultPort = 4200
)

// Config holds the broker connection settings. Precedence, lowest to
// highest: built-in defaults, YAML file, CS_* environment variables.
type Config struct {
	Host  string `yaml:"host" env:"CS_HOST"`
	Port  uint16 `yaml:"port" env:"CS_PORT"`
	Debug int    `yaml:"debug" env:"CS_DEBUG"`
}

// Load builds a Config. path may be empty, in which case only defaults and
// the environment apply.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("broker host must not be empty")
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("broker port must not be zero")
	}
	return cfg, nil
}

// Address returns the broker address in host:port form.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Dialer returns a dialer connecting to the configured broker over TCP.
func (c *Config) Dialer() cellaserv.Dialer {
	addr := c.Address()
	return func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
}
