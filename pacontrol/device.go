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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgeo/drivers/pacontrol/pacontrol/internal/transport"
)

// ConnectionState represents the session state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DeviceInfo locates a speaker on the network
type DeviceInfo struct {
	// Name is the advertised service instance name
	Name string `json:"name"`
	// Host is the advertised host name, if any
	Host string `json:"host,omitempty"`
	IP   net.IP `json:"ip"`
	Port int    `json:"port"`
}

// UDPAddr returns the control endpoint of the device
func (i DeviceInfo) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: i.IP, Port: i.Port}
}

func (i DeviceInfo) String() string {
	addr := net.JoinHostPort(i.IP.String(), strconv.Itoa(i.Port))
	if i.Name == "" {
		return addr
	}
	return i.Name + " (" + addr + ")"
}

// Identity is what a speaker reports about itself
type Identity struct {
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number"`
	Description  string `json:"description"`
}

type result struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	types []ParamType
	ch    chan result
}

// Device is a control session with one speaker. It is safe for concurrent use.
type Device struct {
	info      DeviceInfo
	opts      *deviceOptions
	transport *transport.Peer

	state  atomic.Int32
	handle atomic.Uint32

	// Pending requests by handle
	pendingMu sync.Mutex
	pending   map[uint32]*pendingRequest

	// Signalled by every received datagram
	alive chan struct{}

	metrics *Metrics
	logger  *slog.Logger

	receiverCancel context.CancelFunc
	receiverDone   chan struct{}
}

// NewDevice creates a session for the device. Call Open before use.
func NewDevice(info DeviceInfo, opts ...Option) (*Device, error) {
	if info.IP == nil || info.IP.To4() == nil {
		return nil, fmt.Errorf("%w: device %q has no IPv4 address", ErrPrecondition, info.Name)
	}
	if info.Port <= 0 || info.Port > 65535 {
		return nil, fmt.Errorf("%w: device %q has invalid port %d", ErrPrecondition, info.Name, info.Port)
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.metrics == nil {
		options.metrics = NewMetrics()
	}

	t, err := transport.NewPeer(transport.Config{
		Peer:         info.UDPAddr(),
		LocalAddr:    options.localAddress,
		Conn:         options.conn,
		ReadTimeout:  options.timeout,
		WriteTimeout: options.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return &Device{
		info:      info,
		opts:      options,
		transport: t,
		pending:   make(map[uint32]*pendingRequest),
		alive:     make(chan struct{}, 1),
		metrics:   options.metrics,
		logger:    options.logger.With(slog.String("device", info.String())),
	}, nil
}

// Open binds the socket and starts receiving
func (d *Device) Open(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	d.metrics.ConnectAttempts.Inc()

	if err := d.transport.Open(ctx); err != nil {
		d.state.Store(int32(StateDisconnected))
		d.metrics.ConnectFailures.Inc()
		return fmt.Errorf("%w: open: %w", ErrTransport, err)
	}

	var receiverCtx context.Context
	receiverCtx, d.receiverCancel = context.WithCancel(context.Background())
	d.receiverDone = make(chan struct{})
	go d.receiver(receiverCtx)

	d.state.Store(int32(StateConnected))
	d.metrics.ConnectSuccesses.Inc()

	d.logger.Info("connected", slog.Any("local_addr", d.transport.LocalAddr()))
	return nil
}

// Close stops the receiver, fails pending requests with ErrConnectionClosed
// and closes the socket.
func (d *Device) Close() error {
	if !d.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return nil
	}
	d.metrics.Disconnects.Inc()

	d.receiverCancel()
	err := d.transport.Close()
	<-d.receiverDone

	d.pendingMu.Lock()
	for handle, p := range d.pending {
		p.ch <- result{err: ErrConnectionClosed}
		delete(d.pending, handle)
	}
	d.pendingMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrTransport, err)
	}
	d.logger.Info("disconnected")
	return nil
}

// Info returns the device location
func (d *Device) Info() DeviceInfo {
	return d.info
}

// State returns the current connection state
func (d *Device) State() ConnectionState {
	return ConnectionState(d.state.Load())
}

// Metrics returns the session metrics
func (d *Device) Metrics() *Metrics {
	return d.metrics
}

func (d *Device) nextHandle() uint32 {
	return d.handle.Add(1)
}

func (d *Device) receiver(ctx context.Context) {
	defer close(d.receiverDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := d.transport.ReceiveWithTimeout(100 * time.Millisecond)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if d.transport.IsClosed() {
				return
			}
			d.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		d.metrics.BytesReceived.Add(int64(len(data)))
		d.metrics.RecordActivity()
		d.handleDatagram(data)
	}
}

func (d *Device) handleDatagram(data []byte) {
	select {
	case d.alive <- struct{}{}:
	default:
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		d.metrics.DecodeErrors.Inc()
		d.logger.Debug("invalid message", slog.String("error", err.Error()))
		return
	}

	switch msg.Type {
	case PDUTypeKeepalive:
		d.metrics.KeepalivesReceived.Inc()
	case PDUTypeResponse:
		d.handleResponses(msg)
	default:
		d.metrics.DecodeErrors.Inc()
		d.logger.Debug("unexpected message", slog.String("pdu_type", msg.Type.String()))
	}
}

// handleResponses dispatches every Response of the message to the request
// waiting on its handle. Each Response is decoded with the parameter types
// registered for that handle.
func (d *Device) handleResponses(msg *Message) {
	r := NewReader(msg.Payload)
	for i := 0; i < int(msg.Count); i++ {
		if r.Remaining() < ResponseHeaderSize {
			d.metrics.DecodeErrors.Inc()
			d.logger.Debug("truncated response", slog.Int("index", i))
			return
		}
		header := msg.Payload[r.Offset():]
		size := binary.BigEndian.Uint32(header[0:])
		handle := binary.BigEndian.Uint32(header[4:])
		status := Status(header[8])

		d.metrics.ResponsesReceived.Inc()

		d.pendingMu.Lock()
		p, ok := d.pending[handle]
		if ok {
			delete(d.pending, handle)
		}
		d.pendingMu.Unlock()

		if !ok {
			d.metrics.ResponsesDropped.Inc()
			d.logger.Debug("dropping response", slog.Uint64("handle", uint64(handle)), slog.String("status", status.String()))
			if size < ResponseHeaderSize || r.Skip(int(size)) != nil {
				return
			}
			continue
		}

		start := r.Offset()
		var resp *Response
		var err error
		if status == StatusOK {
			resp, err = DecodeResponse(r, p.types)
		} else {
			// a rejected command carries no usable parameters
			resp, err = skipResponse(r, size)
		}
		p.ch <- result{resp: resp, err: err}
		if err != nil {
			d.metrics.DecodeErrors.Inc()
			d.logger.Debug("invalid response", slog.Uint64("handle", uint64(handle)), slog.String("error", err.Error()))
			// move on to the next PDU of the batch
			consumed := r.Offset() - start
			if size < ResponseHeaderSize || consumed > int(size) || r.Skip(int(size)-consumed) != nil {
				return
			}
		}
	}
}

func skipResponse(r *Reader, size uint32) (*Response, error) {
	if size < ResponseHeaderSize {
		return nil, fmt.Errorf("%w: PDU size %d smaller than its %d byte header", ErrFormat, size, ResponseHeaderSize)
	}
	data, err := r.Bytes(int(size))
	if err != nil {
		return nil, err
	}
	return &Response{
		Handle:     binary.BigEndian.Uint32(data[4:]),
		Status:     Status(data[8]),
		ParamCount: data[9],
	}, nil
}

func (d *Device) send(ctx context.Context, data []byte) error {
	if err := d.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: send: %w", ErrTransport, err)
	}
	d.metrics.BytesSent.Add(int64(len(data)))
	return nil
}

// withRetry runs attempt until it succeeds, fails with anything but a
// timeout, or the retries are exhausted.
func (d *Device) withRetry(ctx context.Context, what string, attempt func(ctx context.Context) error) error {
	if d.State() != StateConnected {
		return ErrNotConnected
	}

	tries := 0
	op := func() error {
		if tries > 0 {
			d.metrics.RequestsRetried.Inc()
			d.logger.Debug("retrying", slog.String("op", what), slog.Int("attempt", tries+1))
		}
		tries++

		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.timeout)
		defer cancel()

		err := attempt(attemptCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTimeout) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.opts.retryDelay), uint64(d.opts.retries)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", what, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, what, err)
	case errors.Is(err, ErrTimeout):
		return fmt.Errorf("%s after %d attempts: %w", what, tries, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// doneErr reports why an attempt stopped waiting. Only an expired deadline
// is a timeout; a cancelled context is returned as is.
func (d *Device) doneErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		d.metrics.RequestsTimedOut.Inc()
		return ErrTimeout
	}
	d.metrics.RequestsCanceled.Inc()
	return err
}

// request sends a Command and waits for its Response. The Response must
// carry parameters of the given types.
func (d *Device) request(ctx context.Context, m Method, types []ParamType, params ...Value) (*Response, error) {
	var resp *Response
	err := d.withRetry(ctx, m.Name, func(ctx context.Context) error {
		var err error
		resp, err = d.roundTrip(ctx, m, types, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Device) roundTrip(ctx context.Context, m Method, types []ParamType, params []Value) (*Response, error) {
	handle := d.nextHandle()
	data, err := EncodeMessage(m.Command(handle, params...))
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{types: types, ch: make(chan result, 1)}
	d.pendingMu.Lock()
	d.pending[handle] = p
	d.pendingMu.Unlock()

	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, handle)
		d.pendingMu.Unlock()
	}()

	start := time.Now()
	d.metrics.ActiveRequests.Inc()
	defer d.metrics.ActiveRequests.Dec()

	if err := d.send(ctx, data); err != nil {
		d.metrics.RequestsFailed.Inc()
		return nil, err
	}
	d.metrics.CommandsSent.Inc()

	d.logger.Debug("command sent", slog.String("method", m.String()), slog.Uint64("handle", uint64(handle)))

	select {
	case <-ctx.Done():
		return nil, d.doneErr(ctx)

	case res := <-p.ch:
		d.metrics.RequestLatency.Record(time.Since(start))
		if res.err != nil {
			d.metrics.RequestsFailed.Inc()
			return nil, res.err
		}
		if res.resp.Status != StatusOK {
			d.metrics.RequestsFailed.Inc()
			d.metrics.StatusErrors.Inc()
			return nil, &StatusError{Handle: handle, Status: res.resp.Status}
		}
		d.metrics.RequestsSucceeded.Inc()
		return res.resp, nil
	}
}

// invoke runs a set method. Without acknowledged writes the Command is sent
// once and no Response is awaited.
func (d *Device) invoke(ctx context.Context, m Method, params ...Value) error {
	if d.opts.acknowledgedWrites {
		_, err := d.request(ctx, m, nil, params...)
		return err
	}

	if d.State() != StateConnected {
		return ErrNotConnected
	}

	data, err := EncodeMessage(m.Command(d.nextHandle(), params...))
	if err != nil {
		return fmt.Errorf("%s: %w", m.Name, err)
	}
	if err := d.send(ctx, data); err != nil {
		d.metrics.RequestsFailed.Inc()
		return fmt.Errorf("%s: %w", m.Name, err)
	}
	d.metrics.CommandsSent.Inc()
	d.logger.Debug("command sent", slog.String("method", m.String()))
	return nil
}

func (d *Device) readString(ctx context.Context, m Method) (string, error) {
	resp, err := d.request(ctx, m, []ParamType{TypeString})
	if err != nil {
		return "", err
	}
	return string(resp.Params[0].(String)), nil
}

// SendKeepalive announces the keepalive timeout and waits for the device to
// send anything back. Any datagram from the device counts as the answer.
func (d *Device) SendKeepalive(ctx context.Context) error {
	data, err := EncodeMessage(&Keepalive{Timeout: uint32(d.opts.keepaliveTimeout)})
	if err != nil {
		return err
	}

	return d.withRetry(ctx, "keepalive", func(ctx context.Context) error {
		// discard signals from earlier traffic
		select {
		case <-d.alive:
		default:
		}

		if err := d.send(ctx, data); err != nil {
			return err
		}
		d.metrics.KeepalivesSent.Inc()

		select {
		case <-ctx.Done():
			return d.doneErr(ctx)
		case <-d.alive:
			return nil
		}
	})
}

// GetSerialNumber reads the serial number of the device
func (d *Device) GetSerialNumber(ctx context.Context) (string, error) {
	return d.readString(ctx, MethodGetSerialNumber)
}

// GetName reads the model name of the device
func (d *Device) GetName(ctx context.Context) (string, error) {
	return d.readString(ctx, MethodGetName)
}

// GetDescription reads the user-assigned description
func (d *Device) GetDescription(ctx context.Context) (string, error) {
	return d.readString(ctx, MethodGetDescription)
}

// Identify reads name, serial number and description
func (d *Device) Identify(ctx context.Context) (*Identity, error) {
	var id Identity
	var err error
	if id.Name, err = d.GetName(ctx); err != nil {
		return nil, err
	}
	if id.SerialNumber, err = d.GetSerialNumber(ctx); err != nil {
		return nil, err
	}
	if id.Description, err = d.GetDescription(ctx); err != nil {
		return nil, err
	}
	return &id, nil
}

// SetDescription sets the user-assigned description
func (d *Device) SetDescription(ctx context.Context, text string) error {
	// validated before any I/O
	if _, err := String(text).AppendTo(nil); err != nil {
		return fmt.Errorf("%s: %w", MethodSetDescription.Name, err)
	}
	return d.invoke(ctx, MethodSetDescription, String(text))
}

// SetSleep puts the device into standby, or wakes it up
func (d *Device) SetSleep(ctx context.Context, sleep bool) error {
	var v Uint16
	if sleep {
		v = 1
	}
	return d.invoke(ctx, MethodSetSleep, v)
}

// SetMute mutes or unmutes the device
func (d *Device) SetMute(ctx context.Context, mute bool) error {
	v := Uint16(muteOff)
	if mute {
		v = muteOn
	}
	return d.invoke(ctx, MethodSetMute, v)
}

// SetInput selects the analog input
func (d *Device) SetInput(ctx context.Context, in Input) error {
	if in != InputRCA && in != InputXLR {
		return fmt.Errorf("%s: %w: %d (want %d or %d)", MethodSetInput.Name, ErrOutOfRange, in, InputRCA, InputXLR)
	}
	return d.invoke(ctx, MethodSetInput, Uint16(in))
}

// SetVoicing selects the voicing profile
func (d *Device) SetVoicing(ctx context.Context, v Voicing) error {
	if v > VoicingExt {
		return fmt.Errorf("%s: %w: %d (want %d..%d)", MethodSetVoicing.Name, ErrOutOfRange, v, VoicingPure, VoicingExt)
	}
	return d.invoke(ctx, MethodSetVoicing, Uint16(v))
}

// SetLevel sets the input sensitivity in 0.5 dB steps
func (d *Device) SetLevel(ctx context.Context, level int) error {
	return d.setTone(ctx, MethodSetLevel, LevelRange, level)
}

// SetBass sets the bass tilt correction
func (d *Device) SetBass(ctx context.Context, v int) error {
	return d.setTone(ctx, MethodSetBass, BassRange, v)
}

// SetDesk sets the desktop low-frequency correction
func (d *Device) SetDesk(ctx context.Context, v int) error {
	return d.setTone(ctx, MethodSetDesk, DeskRange, v)
}

// SetPresence sets the presence correction
func (d *Device) SetPresence(ctx context.Context, v int) error {
	return d.setTone(ctx, MethodSetPresence, PresenceRange, v)
}

// SetTreble sets the treble tilt correction
func (d *Device) SetTreble(ctx context.Context, v int) error {
	return d.setTone(ctx, MethodSetTreble, TrebleRange, v)
}

func (d *Device) setTone(ctx context.Context, m Method, r Range, v int) error {
	if !r.Contains(v) {
		return fmt.Errorf("%s: %w: %d not in %s", m.Name, ErrOutOfRange, v, r)
	}
	return d.invoke(ctx, m, Int8(v))
}

// Blink flashes the front LED of the device
func (d *Device) Blink(ctx context.Context) error {
	return d.invoke(ctx, MethodIdentify, Uint16(identifyPattern))
}
