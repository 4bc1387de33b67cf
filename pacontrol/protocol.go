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

// Package pacontrol implements the OCA (AES70) dialect spoken by active studio
// monitors over UDP: the message framing, the PDU codec, typed parameters and
// a device session exposing the speaker controls.
package pacontrol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SyncByte starts every message
const SyncByte = 0x3B

// ProtocolVersion is the protocol version sent in every message
const ProtocolVersion = 1

// ServiceType is the DNS-SD service type advertised by the speakers
const ServiceType = "_oca._udp"

// Header sizes in bytes
const (
	MessageHeaderSize  = 10 // sync + version(2) + size(4) + type + count(2)
	CommandHeaderSize  = 17 // size(4) + handle(4) + target(4) + level(2) + index(2) + count
	ResponseHeaderSize = 10 // size(4) + handle(4) + status + count
)

// PDUType identifies the kind of PDUs carried by a message
type PDUType uint8

const (
	PDUTypeCommand   PDUType = 1
	PDUTypeResponse  PDUType = 3
	PDUTypeKeepalive PDUType = 4
)

func (t PDUType) String() string {
	switch t {
	case PDUTypeCommand:
		return "command"
	case PDUTypeResponse:
		return "response"
	case PDUTypeKeepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("pdu-type(%d)", t)
	}
}

// PDU is a protocol data unit that can be framed in a message
type PDU interface {
	PDUType() PDUType
	Encode() ([]byte, error)
}

// Message is a decoded message envelope. Payload holds the encoded PDUs.
type Message struct {
	ProtocolVersion uint16
	Size            uint32
	Type            PDUType
	Count           uint16
	Payload         []byte
}

// EncodeMessage frames one or more PDUs of the same type into a message.
func EncodeMessage(pdus ...PDU) ([]byte, error) {
	if len(pdus) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(pdus) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d PDUs in one message", ErrValueTooLong, len(pdus))
	}

	pduType := pdus[0].PDUType()
	buf := make([]byte, MessageHeaderSize, 64)
	for _, pdu := range pdus {
		if pdu.PDUType() != pduType {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedBatch, pduType, pdu.PDUType())
		}
		data, err := pdu.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", pdu.PDUType(), err)
		}
		buf = append(buf, data...)
	}

	buf[0] = SyncByte
	binary.BigEndian.PutUint16(buf[1:], ProtocolVersion)
	// the size excludes the sync byte
	binary.BigEndian.PutUint32(buf[3:], uint32(len(buf)-1))
	buf[7] = byte(pduType)
	binary.BigEndian.PutUint16(buf[8:], uint16(len(pdus)))
	return buf, nil
}

// DecodeMessage decodes a message envelope. The returned Payload starts at the
// first PDU and is bounded by the size field.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty message", ErrShortBuffer)
	}
	if data[0] != SyncByte {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadSync, data[0])
	}
	if len(data) < MessageHeaderSize {
		return nil, fmt.Errorf("%w: message header needs %d bytes, got %d", ErrShortBuffer, MessageHeaderSize, len(data))
	}

	msg := &Message{
		ProtocolVersion: binary.BigEndian.Uint16(data[1:]),
		Size:            binary.BigEndian.Uint32(data[3:]),
		Type:            PDUType(data[7]),
		Count:           binary.BigEndian.Uint16(data[8:]),
	}

	if msg.Size < MessageHeaderSize-1 {
		return nil, fmt.Errorf("%w: message size %d smaller than header", ErrFormat, msg.Size)
	}
	end := 1 + int64(msg.Size)
	if end > int64(len(data)) {
		return nil, fmt.Errorf("%w: message size %d exceeds %d received bytes", ErrShortBuffer, msg.Size, len(data)-1)
	}
	msg.Payload = data[MessageHeaderSize:end]
	return msg, nil
}

// Responses decodes the Response PDUs of the message, each with the given
// parameter types.
func (m *Message) Responses(types ...ParamType) ([]*Response, error) {
	if m.Type != PDUTypeResponse {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedPDU, PDUTypeResponse, m.Type)
	}
	r := NewReader(m.Payload)
	responses := make([]*Response, 0, m.Count)
	for i := 0; i < int(m.Count); i++ {
		resp, err := DecodeResponse(r, types)
		if err != nil {
			return nil, fmt.Errorf("response %d: %w", i, err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// Keepalives decodes the Keepalive PDUs of the message. Keepalive PDUs carry
// no length, so the payload is split evenly between them.
func (m *Message) Keepalives() ([]*Keepalive, error) {
	if m.Type != PDUTypeKeepalive {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedPDU, PDUTypeKeepalive, m.Type)
	}
	if m.Count == 0 || len(m.Payload)%int(m.Count) != 0 {
		return nil, fmt.Errorf("%w: %d keepalive bytes for %d PDUs", ErrFormat, len(m.Payload), m.Count)
	}
	size := len(m.Payload) / int(m.Count)
	r := NewReader(m.Payload)
	keepalives := make([]*Keepalive, 0, m.Count)
	for i := 0; i < int(m.Count); i++ {
		ka, err := DecodeKeepalive(r, size)
		if err != nil {
			return nil, err
		}
		keepalives = append(keepalives, ka)
	}
	return keepalives, nil
}

// Keepalive opens and keeps alive the control channel to a device.
//
// The codec is asymmetric: Encode always writes Timeout as a 2-byte value,
// while DecodeKeepalive accepts either a 4-byte value taken as-is or a 2-byte
// value multiplied by 1000.
type Keepalive struct {
	Timeout uint32
}

func (k *Keepalive) PDUType() PDUType { return PDUTypeKeepalive }

func (k *Keepalive) Encode() ([]byte, error) {
	if k.Timeout > math.MaxUint16 {
		return nil, fmt.Errorf("%w: keepalive timeout %d", ErrOutOfRange, k.Timeout)
	}
	return binary.BigEndian.AppendUint16(nil, uint16(k.Timeout)), nil
}

// DecodeKeepalive decodes a keepalive payload of size 2 or 4 bytes.
func DecodeKeepalive(r *Reader, size int) (*Keepalive, error) {
	switch size {
	case 4:
		v, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		return &Keepalive{Timeout: v}, nil
	case 2:
		v, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		return &Keepalive{Timeout: uint32(v) * 1000}, nil
	default:
		return nil, fmt.Errorf("%w: invalid keepalive length %d", ErrFormat, size)
	}
}

// Command invokes a method on an object of the device.
type Command struct {
	Handle      uint32
	Target      uint32
	MethodLevel uint16
	MethodIndex uint16
	Params      []Value
}

func (c *Command) PDUType() PDUType { return PDUTypeCommand }

func (c *Command) Encode() ([]byte, error) {
	if len(c.Params) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d parameters", ErrValueTooLong, len(c.Params))
	}

	buf := make([]byte, CommandHeaderSize, CommandHeaderSize+8*len(c.Params))
	var err error
	for i, p := range c.Params {
		if buf, err = p.AppendTo(buf); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
	}

	binary.BigEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[4:], c.Handle)
	binary.BigEndian.PutUint32(buf[8:], c.Target)
	binary.BigEndian.PutUint16(buf[12:], c.MethodLevel)
	binary.BigEndian.PutUint16(buf[14:], c.MethodIndex)
	buf[16] = byte(len(c.Params))
	return buf, nil
}

// DecodeCommand decodes a Command PDU whose parameters have the given types.
func DecodeCommand(r *Reader, types []ParamType) (*Command, error) {
	start := r.Offset()
	header, err := r.Bytes(CommandHeaderSize)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[0:])
	cmd := &Command{
		Handle:      binary.BigEndian.Uint32(header[4:]),
		Target:      binary.BigEndian.Uint32(header[8:]),
		MethodLevel: binary.BigEndian.Uint16(header[12:]),
		MethodIndex: binary.BigEndian.Uint16(header[14:]),
	}
	count := int(header[16])

	params, err := decodeParams(r, start, size, CommandHeaderSize, count, types)
	if err != nil {
		return nil, err
	}
	cmd.Params = params
	return cmd, nil
}

// Response carries the result of a Command. Params are decoded with the
// types the caller expects for the method that was invoked.
type Response struct {
	Handle     uint32
	Status     Status
	ParamCount uint8
	Params     []Value
}

func (p *Response) PDUType() PDUType { return PDUTypeResponse }

func (p *Response) Encode() ([]byte, error) {
	if len(p.Params) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d parameters", ErrValueTooLong, len(p.Params))
	}

	buf := make([]byte, ResponseHeaderSize, ResponseHeaderSize+8*len(p.Params))
	var err error
	for i, v := range p.Params {
		if buf, err = v.AppendTo(buf); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
	}

	binary.BigEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[4:], p.Handle)
	buf[8] = byte(p.Status)
	buf[9] = byte(len(p.Params))
	return buf, nil
}

// DecodeResponse decodes a Response PDU whose parameters have the given types.
func DecodeResponse(r *Reader, types []ParamType) (*Response, error) {
	start := r.Offset()
	header, err := r.Bytes(ResponseHeaderSize)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[0:])
	resp := &Response{
		Handle:     binary.BigEndian.Uint32(header[4:]),
		Status:     Status(header[8]),
		ParamCount: header[9],
	}

	params, err := decodeParams(r, start, size, ResponseHeaderSize, int(resp.ParamCount), types)
	if err != nil {
		return nil, err
	}
	resp.Params = params
	return resp, nil
}

// decodeParams decodes count parameters following a PDU header and leaves the
// reader at start+size.
func decodeParams(r *Reader, start int, size uint32, headerSize, count int, types []ParamType) ([]Value, error) {
	if size < uint32(headerSize) {
		return nil, fmt.Errorf("%w: PDU size %d smaller than its %d byte header", ErrFormat, size, headerSize)
	}
	if count != len(types) {
		return nil, fmt.Errorf("%w: PDU has %d parameters, expected %d", ErrParamCount, count, len(types))
	}
	body, err := r.Bytes(int(size) - headerSize)
	if err != nil {
		return nil, err
	}

	pr := NewReader(body)
	var params []Value
	for i, t := range types {
		v, err := t.decode(pr)
		if err != nil {
			return nil, fmt.Errorf("parameter %d (%s) at offset %d: %w", i, t.Tag(), start+headerSize+pr.Offset(), err)
		}
		params = append(params, v)
	}
	return params, nil
}
