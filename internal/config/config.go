// SPDX-License-Identifier: AGPL-3.0-or-later
// meshring - inter-node messaging fabric for clustered storage engines
// Copyright (C) 2026 The meshring Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/coredb-io/meshring>

// Package config defines meshring's runtime configuration, loaded with
// configulator from flags, environment variables, and an optional file.
package config

import (
	"fmt"
	"time"
)

// LogLevel selects the slog level and stream the CLI bootstrap logs to.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Messaging configures the storage-port listener and outbound behavior.
type Messaging struct {
	// BindAddr is the plaintext storage-port listen address, e.g.
	// "0.0.0.0:7000".
	BindAddr string `yaml:"bind_addr" env:"MESHRING_BIND_ADDR"`
	// SSLBindAddr is the address for encrypted inter-node traffic. This
	// package only carries the address; the CLI bootstrap does not start a
	// listener on it, and TLS key material loading is not done here.
	SSLBindAddr string `yaml:"ssl_bind_addr" env:"MESHRING_SSL_BIND_ADDR"`
	// BroadcastAddr is the address to advertise to peers in place of
	// BindAddr when the node sits behind NAT. It is loaded but not read by
	// the CLI bootstrap or the messaging package.
	BroadcastAddr string `yaml:"broadcast_addr" env:"MESHRING_BROADCAST_ADDR"`
	// RPCTimeout is the default callback registry TTL for request/response
	// sends that do not specify their own.
	RPCTimeout time.Duration `yaml:"rpc_timeout" env:"MESHRING_RPC_TIMEOUT"`
	// OutboundRateLimit caps each peer connection's steady-state send rate
	// in messages/second; zero means unlimited.
	OutboundRateLimit float64 `yaml:"outbound_rate_limit" env:"MESHRING_OUTBOUND_RATE_LIMIT"`
	// DropThreshold is how long a droppable-verb message may sit queued
	// before the writer discards it.
	DropThreshold time.Duration `yaml:"drop_threshold" env:"MESHRING_DROP_THRESHOLD"`
}

// Metrics configures the Prometheus HTTP endpoint, bound separately from
// the storage port so metrics scraping never competes with inter-node
// traffic for the same listener.
type Metrics struct {
	Enabled bool   `yaml:"enabled" env:"MESHRING_METRICS_ENABLED"`
	Bind    string `yaml:"bind" env:"MESHRING_METRICS_BIND"`
	Port    int    `yaml:"port" env:"MESHRING_METRICS_PORT"`
}

// Config is the top-level configuration object loaded by configulator.
type Config struct {
	LogLevel  LogLevel  `yaml:"log_level" env:"MESHRING_LOG_LEVEL" default:"info"`
	Messaging Messaging `yaml:"messaging"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Validate checks the loaded configuration for fatal misconfigurations
// that should stop startup rather than silently fall back: a missing
// bind address or an unrecognized log level is a fatal configuration
// error, not something to default around.
func (c *Config) Validate() error {
	if c.Messaging.BindAddr == "" {
		return fmt.Errorf("messaging.bind_addr must be set")
	}
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}
