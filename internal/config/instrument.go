package config

import (
	"strings"

	"mosaicstack/internal/mosaic"
)

// Instrument is the closed set of cameras the registry understands.
type Instrument int

const (
	InstrumentHSC Instrument = iota + 1
	InstrumentSuprimeCam
)

// ParseInstrument maps a config or flag value to an Instrument.
func ParseInstrument(name string) (Instrument, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "hsc":
		return InstrumentHSC, nil
	case "suprimecam", "suprime-cam", "sc":
		return InstrumentSuprimeCam, nil
	default:
		return 0, mosaic.ConfigErrorf("stack.instrument", "unknown instrument %q", name)
	}
}

func (i Instrument) String() string {
	switch i {
	case InstrumentHSC:
		return "hsc"
	case InstrumentSuprimeCam:
		return "suprimecam"
	default:
		return "unknown"
	}
}

// NumCCDs is the number of detectors per visit.
func (i Instrument) NumCCDs() int {
	switch i {
	case InstrumentHSC:
		return 100
	case InstrumentSuprimeCam:
		return 10
	default:
		return 0
	}
}

// Mapper names the registry layout the instrument's files are registered
// under.
func (i Instrument) Mapper() string {
	switch i {
	case InstrumentHSC:
		return "hscsim"
	case InstrumentSuprimeCam:
		return "suprimecam"
	default:
		return ""
	}
}
