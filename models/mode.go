package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMode is returned when a mode name cannot be parsed
var ErrUnknownMode = errors.New("unknown operating mode")

// OperatingMode is the exclusive processing profile applied to all cameras
type OperatingMode int

const (
	ModeNone OperatingMode = iota
	ModeRaw
	ModeBlur
	ModePPE
	ModeNightIntrusion
	ModeFallDetection
)

// Modes lists every selectable mode in display order
var Modes = []OperatingMode{ModeRaw, ModeBlur, ModePPE, ModeNightIntrusion, ModeFallDetection}

func (m OperatingMode) String() string {
	switch m {
	case ModeRaw:
		return "Raw"
	case ModeBlur:
		return "Blur"
	case ModePPE:
		return "PPE"
	case ModeNightIntrusion:
		return "NightIntrusion"
	case ModeFallDetection:
		return "FallDetection"
	default:
		return "None"
	}
}

// WireName is the name used in set_mode commands and stream paths
func (m OperatingMode) WireName() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeBlur:
		return "blur"
	case ModePPE:
		return "detect"
	case ModeNightIntrusion:
		return "trespass"
	case ModeFallDetection:
		return "fall"
	default:
		return ""
	}
}

// ParseMode accepts either the display or the wire name, case insensitive
func ParseMode(s string) (OperatingMode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, m.String()) || strings.EqualFold(s, m.WireName()) {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// MarshalText encodes the mode by its display name
func (m OperatingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
