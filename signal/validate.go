package signal

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	FrameBits     = 64
	MaxLengthBits = 32
	MaxDecimals   = 6
)

var (
	ErrInvalidDefinition   = errors.New("invalid signal definition")
	ErrOverlappingBitRange = errors.New("overlapping bit range")
	ErrDuplicateSignal     = errors.New("duplicate signal name")
	ErrDuplicateModel      = errors.New("duplicate signal model")
	ErrUnknownSignal       = errors.New("unknown signal")
	ErrUnknownFamily       = errors.New("unknown ecu family")
)

// FieldError names the offending field of a rejected definition.
type FieldError struct {
	Signal string
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("signal %s: %s: %s", e.Signal, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidDefinition }

// Validate checks a single definition in isolation. All problems are
// reported together.
func Validate(d Definition) error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Signal: d.Name, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(d.Name) == "" {
		bad("signal_name", "must not be empty")
	}
	if d.CANID > 0x1FFFFFFF {
		bad("can_id", "0x%X exceeds 29-bit identifier space", d.CANID)
	}
	if d.StartBit < 0 || d.StartBit >= FrameBits {
		bad("start_bit", "%d outside 0..%d", d.StartBit, FrameBits-1)
	}
	if d.LengthBits < 1 || d.LengthBits > MaxLengthBits {
		bad("length_bits", "%d outside 1..%d", d.LengthBits, MaxLengthBits)
	}
	if d.StartBit+d.LengthBits > FrameBits {
		bad("length_bits", "start_bit %d + length_bits %d exceeds %d", d.StartBit, d.LengthBits, FrameBits)
	}
	if d.ByteOrder != BigEndian && d.ByteOrder != LittleEndian {
		bad("byte_order", "unrecognized value %d", d.ByteOrder)
	}
	switch d.DataType {
	case Unsigned, Signed, Boolean:
	case Float:
		if d.LengthBits != 32 {
			bad("data_type", "float requires length_bits 32, got %d", d.LengthBits)
		}
	default:
		bad("data_type", "unrecognized value %d", d.DataType)
	}
	if d.ScaleFactor == 0 || math.IsNaN(d.ScaleFactor) || math.IsInf(d.ScaleFactor, 0) {
		bad("scale_factor", "must be a finite non-zero number")
	}
	if math.IsNaN(d.Offset) || math.IsInf(d.Offset, 0) {
		bad("offset", "must be finite")
	}
	if math.IsNaN(d.Min) || math.IsNaN(d.Max) || d.Min > d.Max {
		bad("min_value", "min %g greater than max %g", d.Min, d.Max)
	}
	if d.Category != "" && !d.Category.Valid() {
		bad("category", "unknown category %q", d.Category)
	}
	if d.DecimalPlaces < 0 || d.DecimalPlaces > MaxDecimals {
		bad("decimal_places", "%d outside 0..%d", d.DecimalPlaces, MaxDecimals)
	}

	return errors.Join(errs...)
}

func overlapError(a, b Definition) error {
	return fmt.Errorf("%w: %s [%d,%d) and %s [%d,%d) on %s", ErrOverlappingBitRange,
		a.Name, a.StartBit, a.EndBit(), b.Name, b.StartBit, b.EndBit(), FormatCANID(a.CANID))
}
