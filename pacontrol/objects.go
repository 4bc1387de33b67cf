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
	"fmt"
	"strings"
)

// Method addresses one method of one object on the device
type Method struct {
	Name   string
	Target uint32
	Level  uint16
	Index  uint16
}

// Command builds a Command invoking the method with the given parameters
func (m Method) Command(handle uint32, params ...Value) *Command {
	return &Command{
		Handle:      handle,
		Target:      m.Target,
		MethodLevel: m.Level,
		MethodIndex: m.Index,
		Params:      params,
	}
}

func (m Method) String() string {
	return fmt.Sprintf("%s(%d/%d.%d)", m.Name, m.Target, m.Level, m.Index)
}

// Object and method addresses understood by the speakers.
var (
	MethodGetSerialNumber = Method{Name: "get-serial-number", Target: 1, Level: 3, Index: 3}
	MethodGetName         = Method{Name: "get-name", Target: 1, Level: 3, Index: 4}
	MethodGetDescription  = Method{Name: "get-description", Target: 50593843, Level: 5, Index: 1}
	MethodSetDescription  = Method{Name: "set-description", Target: 50593843, Level: 5, Index: 2}
	MethodIdentify        = Method{Name: "identify", Target: 50593804, Level: 5, Index: 2}
	MethodSetSleep        = Method{Name: "set-sleep", Target: 50528364, Level: 4, Index: 2}
	MethodSetMute         = Method{Name: "set-mute", Target: 33619989, Level: 4, Index: 2}
	MethodSetInput        = Method{Name: "set-input", Target: 16842763, Level: 4, Index: 2}
	MethodSetLevel        = Method{Name: "set-level", Target: 16842754, Level: 5, Index: 2}
	MethodSetBass         = Method{Name: "set-bass", Target: 50397285, Level: 5, Index: 2}
	MethodSetDesk         = Method{Name: "set-desk", Target: 50397286, Level: 5, Index: 2}
	MethodSetPresence     = Method{Name: "set-presence", Target: 50397287, Level: 5, Index: 2}
	MethodSetTreble       = Method{Name: "set-treble", Target: 50397288, Level: 5, Index: 2}
	MethodSetVoicing      = Method{Name: "set-voicing", Target: 50397289, Level: 4, Index: 2}
)

// Methods lists every known method
var Methods = []Method{
	MethodGetSerialNumber,
	MethodGetName,
	MethodGetDescription,
	MethodSetDescription,
	MethodIdentify,
	MethodSetSleep,
	MethodSetMute,
	MethodSetInput,
	MethodSetLevel,
	MethodSetBass,
	MethodSetDesk,
	MethodSetPresence,
	MethodSetTreble,
	MethodSetVoicing,
}

// Mute control values. The device uses 5 for muted and 1 for unmuted.
const (
	muteOn  = 5
	muteOff = 1
)

// identifyPattern is the parameter sent with the identify method
const identifyPattern = 0x0101

// Inclusive ranges of the tone controls. Level is in 0.5 dB steps.
var (
	LevelRange    = Range{Min: -40, Max: 12}
	BassRange     = Range{Min: -2, Max: 1}
	DeskRange     = Range{Min: -2, Max: 0}
	PresenceRange = Range{Min: -1, Max: 1}
	TrebleRange   = Range{Min: -1, Max: 1}
)

// Range is an inclusive integer range
type Range struct {
	Min int
	Max int
}

// Contains reports whether v lies in the range
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// Input selects the analog input of the speaker
type Input uint16

const (
	InputRCA Input = 0
	InputXLR Input = 1
)

func (i Input) String() string {
	switch i {
	case InputRCA:
		return "rca"
	case InputXLR:
		return "xlr"
	default:
		return fmt.Sprintf("input(%d)", i)
	}
}

// ParseInput parses an input name (rca, xlr)
func ParseInput(s string) (Input, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rca":
		return InputRCA, nil
	case "xlr":
		return InputXLR, nil
	}
	return 0, fmt.Errorf("%w: unknown input %q (want rca or xlr)", ErrOutOfRange, s)
}

// Voicing selects the sound profile of the speaker
type Voicing uint16

const (
	// VoicingPure is the flat, neutral response
	VoicingPure Voicing = 0
	// VoicingUNR is the Uniform Natural Response curve
	VoicingUNR Voicing = 1
	// VoicingExt enables the extended functionality of calibrated setups
	VoicingExt Voicing = 2
)

func (v Voicing) String() string {
	switch v {
	case VoicingPure:
		return "pure"
	case VoicingUNR:
		return "unr"
	case VoicingExt:
		return "ext"
	default:
		return fmt.Sprintf("voicing(%d)", v)
	}
}

// ParseVoicing parses a voicing name (pure, unr, ext)
func ParseVoicing(s string) (Voicing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pure":
		return VoicingPure, nil
	case "unr":
		return VoicingUNR, nil
	case "ext":
		return VoicingExt, nil
	}
	return 0, fmt.Errorf("%w: unknown voicing %q (want pure, unr or ext)", ErrOutOfRange, s)
}
