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
	"errors"
	"fmt"
)

// Error kinds. Decoding, validation, transport and timeout errors wrap one of
// them. Session state errors and context errors are returned on their own.
var (
	ErrFormat       = errors.New("pacontrol: malformed data")
	ErrProtocol     = errors.New("pacontrol: protocol violation")
	ErrPrecondition = errors.New("pacontrol: invalid argument")
	ErrTransport    = errors.New("pacontrol: transport failure")
	ErrTimeout      = errors.New("pacontrol: request timeout")
)

// Sentinel errors
var (
	ErrShortBuffer   = fmt.Errorf("%w: unexpected end of data", ErrFormat)
	ErrInvalidUTF8   = fmt.Errorf("%w: invalid UTF-8 string", ErrFormat)
	ErrBadSync       = fmt.Errorf("%w: bad sync byte", ErrProtocol)
	ErrMixedBatch    = fmt.Errorf("%w: PDUs in one message must share a type", ErrProtocol)
	ErrParamCount    = fmt.Errorf("%w: parameter count mismatch", ErrProtocol)
	ErrUnexpectedPDU = fmt.Errorf("%w: unexpected PDU type", ErrProtocol)
	ErrEmptyBatch    = fmt.Errorf("%w: message needs at least one PDU", ErrPrecondition)
	ErrOutOfRange    = fmt.Errorf("%w: value out of range", ErrPrecondition)
	ErrValueTooLong  = fmt.Errorf("%w: value too long", ErrPrecondition)

	ErrNotConnected     = errors.New("pacontrol: not connected")
	ErrAlreadyConnected = errors.New("pacontrol: already connected")
	ErrConnectionClosed = errors.New("pacontrol: connection closed")
)

// Status is the result code carried by a Response PDU.
type Status uint8

const (
	StatusOK                   Status = 0
	StatusProtocolVersionError Status = 1
	StatusDeviceError          Status = 2
	StatusLocked               Status = 3
	StatusBadFormat            Status = 4
	StatusBadONo               Status = 5
	StatusParameterError       Status = 6
	StatusParameterOutOfRange  Status = 7
	StatusNotImplemented       Status = 8
	StatusInvalidRequest       Status = 9
	StatusProcessingFailed     Status = 10
	StatusBadMethod            Status = 11
	StatusPartiallySucceeded   Status = 12
	StatusTimeout              Status = 13
	StatusBufferOverflow       Status = 14
)

var statusNames = map[Status]string{
	StatusOK:                   "ok",
	StatusProtocolVersionError: "protocol-version-error",
	StatusDeviceError:          "device-error",
	StatusLocked:               "locked",
	StatusBadFormat:            "bad-format",
	StatusBadONo:               "bad-object-number",
	StatusParameterError:       "parameter-error",
	StatusParameterOutOfRange:  "parameter-out-of-range",
	StatusNotImplemented:       "not-implemented",
	StatusInvalidRequest:       "invalid-request",
	StatusProcessingFailed:     "processing-failed",
	StatusBadMethod:            "bad-method",
	StatusPartiallySucceeded:   "partially-succeeded",
	StatusTimeout:              "timeout",
	StatusBufferOverflow:       "buffer-overflow",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", s)
}

// StatusError is returned when a device answers a command with a non-OK status.
type StatusError struct {
	Handle uint32
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pacontrol: device rejected command: handle=%d, status=%s", e.Handle, e.Status)
}

func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsPrecondition returns true if the error was caused by an invalid argument
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

// IsProtocol returns true if the error indicates a protocol violation
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsFormat returns true if the error indicates malformed or truncated data
func IsFormat(err error) bool {
	return errors.Is(err, ErrFormat)
}

// IsStatus reports whether err carries a device status, and returns it.
func IsStatus(err error) (Status, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status, true
	}
	return 0, false
}
