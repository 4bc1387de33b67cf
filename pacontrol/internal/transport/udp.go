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

// Package transport provides the datagram transport used to talk to a speaker
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// MaxDatagramSize bounds a single received datagram
const MaxDatagramSize = 1500

var (
	// ErrNotOpen is returned when sending or receiving before Open
	ErrNotOpen = errors.New("transport not open")
	// ErrClosed is returned when sending or receiving after Close
	ErrClosed = errors.New("transport closed")
)

// Config configures a peer transport
type Config struct {
	// Peer is the device address datagrams are sent to. Required.
	Peer net.Addr

	// LocalAddr is the local address to bind, e.g. "0.0.0.0:0".
	// Ignored if Conn is set.
	LocalAddr string

	// Conn is an optional pre-opened packet connection.
	Conn net.PacketConn

	// ReadTimeout and WriteTimeout apply when the context has no deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Peer exchanges datagrams with a single device over one packet socket.
// Datagrams from other UDP hosts are discarded on receive.
type Peer struct {
	cfg Config

	mu     sync.RWMutex
	conn   net.PacketConn
	closed bool

	dropped int64
}

// NewPeer creates a transport for the configured peer
func NewPeer(cfg Config) (*Peer, error) {
	if cfg.Peer == nil {
		return nil, errors.New("transport: peer address required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return &Peer{cfg: cfg, conn: cfg.Conn}, nil
}

// Open binds the UDP socket unless a connection was injected
func (p *Peer) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.conn != nil {
		return nil
	}

	var lc net.ListenConfig
	addr := p.cfg.LocalAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}

	p.conn = conn
	return nil
}

// Close closes the socket. Blocked receivers return ErrClosed.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// IsClosed returns true if the transport is closed
func (p *Peer) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// LocalAddr returns the bound local address, or nil before Open
func (p *Peer) LocalAddr() net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// PeerAddr returns the device address
func (p *Peer) PeerAddr() net.Addr {
	return p.cfg.Peer
}

// Dropped returns the number of datagrams discarded because they came from
// another host
func (p *Peer) Dropped() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

func (p *Peer) current() (net.PacketConn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.conn == nil {
		return nil, ErrNotOpen
	}
	return p.conn, nil
}

// Send sends one datagram to the peer
func (p *Peer) Send(ctx context.Context, data []byte) error {
	conn, err := p.current()
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.cfg.WriteTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	n, err := conn.WriteTo(data, p.cfg.Peer)
	if err != nil {
		return fmt.Errorf("write UDP: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Receive returns the next datagram from the peer. Without a context deadline
// the configured read timeout applies.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	conn, err := p.current()
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.cfg.ReadTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if p.IsClosed() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if !p.fromPeer(from) {
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
			continue
		}
		return buf[:n], nil
	}
}

// ReceiveWithTimeout receives data with a specific timeout
func (p *Peer) ReceiveWithTimeout(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Receive(ctx)
}

// fromPeer matches on the IP only: devices may answer from another port.
// Non-UDP addresses, as used by in-memory links, are always accepted.
func (p *Peer) fromPeer(from net.Addr) bool {
	want, ok := p.cfg.Peer.(*net.UDPAddr)
	if !ok {
		return true
	}
	got, ok := from.(*net.UDPAddr)
	if !ok {
		return true
	}
	return got.IP.Equal(want.IP)
}

// IsTimeout reports whether err is a read or write deadline expiry
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
