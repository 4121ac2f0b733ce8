package mosaic

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTileNotFound is returned by tile sources for coordinates with no stored tile.
var ErrTileNotFound = errors.New("tile not found")

// ConfigError reports invalid run parameters. It is always fatal and is
// raised before any work is dispatched.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "config error: " + e.Msg
	}
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Msg)
}

// ConfigErrorf builds a *ConfigError for field.
func ConfigErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IncompleteMosaicError names every grid coordinate that had no usable tile.
type IncompleteMosaicError struct {
	Missing []TileCoord
	Causes  map[TileCoord]error
}

func (e *IncompleteMosaicError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		parts[i] = c.String()
	}
	return fmt.Sprintf("incomplete mosaic: %d tile(s) missing: %s", len(e.Missing), strings.Join(parts, ", "))
}

// MeasurementError is the one failure the seeing measurement is allowed to
// absorb: the frame gets an undefined estimate and the batch continues.
type MeasurementError struct {
	Frame FrameID
	Err   error
}

func (e *MeasurementError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("measure %s: %v", e.Frame, e.Err)
}

func (e *MeasurementError) Unwrap() error { return e.Err }

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
