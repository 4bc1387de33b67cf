// Copyright 2025 Edgeo SCADA
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

package pacontrol

import (
	"log/slog"
	"net"
	"time"
)

// deviceOptions holds configuration for a device session
type deviceOptions struct {
	// Network configuration
	localAddress string
	conn         net.PacketConn

	// Timeouts
	timeout    time.Duration
	retries    int
	retryDelay time.Duration

	// Keepalive timeout in seconds announced to the device
	keepaliveTimeout uint16

	// Wait for a Response to every write
	acknowledgedWrites bool

	logger  *slog.Logger
	metrics *Metrics
}

// defaultOptions returns the default device options
func defaultOptions() *deviceOptions {
	return &deviceOptions{
		localAddress:     "0.0.0.0:0",
		timeout:          3 * time.Second,
		retries:          2,
		retryDelay:       200 * time.Millisecond,
		keepaliveTimeout: 3,
		logger:           slog.Default(),
	}
}

// Option is a functional option for configuring a device session
type Option func(*deviceOptions)

// WithLocalAddress sets the local address to bind to
func WithLocalAddress(addr string) Option {
	return func(o *deviceOptions) {
		o.localAddress = addr
	}
}

// WithConn makes the session use an already opened packet connection
// instead of binding its own UDP socket. The session closes it on Close.
func WithConn(conn net.PacketConn) Option {
	return func(o *deviceOptions) {
		o.conn = conn
	}
}

// WithTimeout sets the request timeout. A deadline on the context passed to an
// operation takes precedence.
func WithTimeout(d time.Duration) Option {
	return func(o *deviceOptions) {
		o.timeout = d
	}
}

// WithRetries sets how many times a request that timed out is sent again
func WithRetries(n int) Option {
	return func(o *deviceOptions) {
		if n < 0 {
			n = 0
		}
		o.retries = n
	}
}

// WithRetryDelay sets the delay between retries
func WithRetryDelay(d time.Duration) Option {
	return func(o *deviceOptions) {
		o.retryDelay = d
	}
}

// WithKeepaliveTimeout sets the keepalive timeout, in seconds, sent to the device
func WithKeepaliveTimeout(seconds uint16) Option {
	return func(o *deviceOptions) {
		o.keepaliveTimeout = seconds
	}
}

// WithAcknowledgedWrites makes set operations wait for the device response
// and report a non-OK status as an error.
func WithAcknowledgedWrites(enable bool) Option {
	return func(o *deviceOptions) {
		o.acknowledgedWrites = enable
	}
}

// WithLogger sets the logger for the session
func WithLogger(logger *slog.Logger) Option {
	return func(o *deviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics shares a metrics instance between sessions
func WithMetrics(m *Metrics) Option {
	return func(o *deviceOptions) {
		o.metrics = m
	}
}
