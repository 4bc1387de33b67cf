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
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Type identifies a parameter data type. Type tags are never put on the
// wire: the receiver has to know the parameter types of a method in advance.
type Type uint8

const (
	TypeNone         Type = 0
	TypeBoolean      Type = 1
	TypeInt8         Type = 2
	TypeInt16        Type = 3
	TypeInt32        Type = 4
	TypeInt64        Type = 5
	TypeUint8        Type = 6
	TypeUint16       Type = 7
	TypeUint32       Type = 8
	TypeUint64       Type = 9
	TypeFloat32      Type = 10
	TypeFloat64      Type = 11
	TypeString       Type = 12
	TypeBitstring    Type = 13
	TypeBlob         Type = 14
	TypeBlobFixedLen Type = 15
	TypeBit          Type = 16
)

var typeNames = map[Type]string{
	TypeNone:         "None",
	TypeBoolean:      "Boolean",
	TypeInt8:         "Int8",
	TypeInt16:        "Int16",
	TypeInt32:        "Int32",
	TypeInt64:        "Int64",
	TypeUint8:        "Uint8",
	TypeUint16:       "Uint16",
	TypeUint32:       "Uint32",
	TypeUint64:       "Uint64",
	TypeFloat32:      "Float32",
	TypeFloat64:      "Float64",
	TypeString:       "String",
	TypeBitstring:    "Bitstring",
	TypeBlob:         "Blob",
	TypeBlobFixedLen: "BlobFixedLen",
	TypeBit:          "Bit",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", t)
}

// ParamType describes how to decode one parameter. It is implemented by Type
// and by the value returned from FixedLen.
type ParamType interface {
	Tag() Type
	decode(r *Reader) (Value, error)
}

// Tag implements ParamType.
func (t Type) Tag() Type { return t }

func (t Type) decode(r *Reader) (Value, error) {
	switch t {
	case TypeBoolean:
		v, err := r.Uint8()
		return Boolean(v != 0), err
	case TypeInt8:
		v, err := r.Uint8()
		return Int8(v), err
	case TypeInt16:
		v, err := r.Uint16()
		return Int16(v), err
	case TypeInt32:
		v, err := r.Uint32()
		return Int32(v), err
	case TypeInt64:
		v, err := r.Uint64()
		return Int64(v), err
	case TypeUint8:
		v, err := r.Uint8()
		return Uint8(v), err
	case TypeUint16:
		v, err := r.Uint16()
		return Uint16(v), err
	case TypeUint32:
		v, err := r.Uint32()
		return Uint32(v), err
	case TypeUint64:
		v, err := r.Uint64()
		return Uint64(v), err
	case TypeFloat32:
		v, err := r.Uint32()
		return Float32(math.Float32frombits(v)), err
	case TypeFloat64:
		v, err := r.Uint64()
		return Float64(math.Float64frombits(v)), err
	case TypeString:
		return decodeString(r)
	case TypeBitstring:
		return decodeBitstring(r)
	case TypeBlob:
		n, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		data, err := r.Bytes(int(n))
		if err != nil {
			return nil, err
		}
		return Blob(clone(data)), nil
	case TypeBit:
		v, err := r.Uint8()
		return Bit(v != 0), err
	case TypeBlobFixedLen:
		return nil, fmt.Errorf("%w: BlobFixedLen needs a length, use FixedLen", ErrPrecondition)
	default:
		return nil, fmt.Errorf("%w: cannot decode %s", ErrPrecondition, t)
	}
}

type fixedLenType int

// FixedLen returns the ParamType of a BlobFixedLen holding exactly n bytes.
func FixedLen(n int) ParamType { return fixedLenType(n) }

func (f fixedLenType) Tag() Type { return TypeBlobFixedLen }

func (f fixedLenType) decode(r *Reader) (Value, error) {
	data, err := r.Bytes(int(f))
	if err != nil {
		return nil, err
	}
	return BlobFixedLen(clone(data)), nil
}

// Value is a typed parameter value.
type Value interface {
	Type() Type
	// AppendTo appends the big-endian wire encoding of the value to b.
	AppendTo(b []byte) ([]byte, error)
}

type (
	Boolean      bool
	Int8         int8
	Int16        int16
	Int32        int32
	Int64        int64
	Uint8        uint8
	Uint16       uint16
	Uint32       uint32
	Uint64       uint64
	Float32      float32
	Float64      float64
	String       string
	Bitstring    []bool
	Blob         []byte
	BlobFixedLen []byte
	Bit          bool
)

func (Boolean) Type() Type      { return TypeBoolean }
func (Int8) Type() Type         { return TypeInt8 }
func (Int16) Type() Type        { return TypeInt16 }
func (Int32) Type() Type        { return TypeInt32 }
func (Int64) Type() Type        { return TypeInt64 }
func (Uint8) Type() Type        { return TypeUint8 }
func (Uint16) Type() Type       { return TypeUint16 }
func (Uint32) Type() Type       { return TypeUint32 }
func (Uint64) Type() Type       { return TypeUint64 }
func (Float32) Type() Type      { return TypeFloat32 }
func (Float64) Type() Type      { return TypeFloat64 }
func (String) Type() Type       { return TypeString }
func (Bitstring) Type() Type    { return TypeBitstring }
func (Blob) Type() Type         { return TypeBlob }
func (BlobFixedLen) Type() Type { return TypeBlobFixedLen }
func (Bit) Type() Type          { return TypeBit }

func (v Boolean) AppendTo(b []byte) ([]byte, error) { return append(b, boolByte(bool(v))), nil }
func (v Int8) AppendTo(b []byte) ([]byte, error)    { return append(b, byte(v)), nil }
func (v Int16) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint16(b, uint16(v)), nil
}
func (v Int32) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint32(b, uint32(v)), nil
}
func (v Int64) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint64(b, uint64(v)), nil
}
func (v Uint8) AppendTo(b []byte) ([]byte, error) { return append(b, byte(v)), nil }
func (v Uint16) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint16(b, uint16(v)), nil
}
func (v Uint32) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint32(b, uint32(v)), nil
}
func (v Uint64) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint64(b, uint64(v)), nil
}
func (v Float32) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v))), nil
}
func (v Float64) AppendTo(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint64(b, math.Float64bits(float64(v))), nil
}

// AppendTo writes the UTF-8 byte length as uint16 followed by the bytes.
func (v String) AppendTo(b []byte) ([]byte, error) {
	if len(v) > math.MaxUint16 {
		return b, fmt.Errorf("%w: string of %d bytes", ErrValueTooLong, len(v))
	}
	if !utf8.ValidString(string(v)) {
		return b, fmt.Errorf("%w: string is not valid UTF-8", ErrPrecondition)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
	return append(b, v...), nil
}

// AppendTo writes the number of bits as uint16 followed by the packed bits,
// most significant bit first.
func (v Bitstring) AppendTo(b []byte) ([]byte, error) {
	if len(v) > math.MaxUint16 {
		return b, fmt.Errorf("%w: bitstring of %d bits", ErrValueTooLong, len(v))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
	packed := make([]byte, (len(v)+7)/8)
	for i, bit := range v {
		if bit {
			packed[i/8] |= 0x80 >> (i % 8)
		}
	}
	return append(b, packed...), nil
}

func (v Blob) AppendTo(b []byte) ([]byte, error) {
	if len(v) > math.MaxUint16 {
		return b, fmt.Errorf("%w: blob of %d bytes", ErrValueTooLong, len(v))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
	return append(b, v...), nil
}

func (v BlobFixedLen) AppendTo(b []byte) ([]byte, error) { return append(b, v...), nil }
func (v Bit) AppendTo(b []byte) ([]byte, error)          { return append(b, boolByte(bool(v))), nil }

func decodeString(r *Reader) (Value, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	data, err := r.Bytes(int(n))
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	return String(data), nil
}

func decodeBitstring(r *Reader) (Value, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	data, err := r.Bytes((int(n) + 7) / 8)
	if err != nil {
		return nil, err
	}
	bits := make(Bitstring, n)
	for i := range bits {
		bits[i] = data[i/8]&(0x80>>(i%8)) != 0
	}
	return bits, nil
}

// EncodeValue returns the wire encoding of v.
func EncodeValue(v Value) ([]byte, error) {
	return v.AppendTo(nil)
}

// DecodeValue decodes one value of type t from the start of data and
// returns it with the number of bytes consumed.
func DecodeValue(t ParamType, data []byte) (Value, int, error) {
	r := NewReader(data)
	v, err := t.decode(r)
	if err != nil {
		return nil, 0, err
	}
	return v, r.Offset(), nil
}

// Reader is a cursor over a big-endian byte buffer.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a reader positioned at the start of data
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Offset returns the number of bytes consumed so far
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Bytes returns the next n bytes. The slice aliases the underlying buffer.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, r.Remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Skip advances the cursor by n bytes
func (r *Reader) Skip(n int) error {
	_, err := r.Bytes(n)
	return err
}

func (r *Reader) Uint8() (uint8, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
