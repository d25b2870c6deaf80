package codec

import (
	"errors"
	"fmt"
	"math"

	"go.einride.tech/can"

	"can-telemetry-core/signal"
)

var (
	ErrScaleFactorZero          = errors.New("scale factor is zero")
	ErrValueOutOfEncodableRange = errors.New("value out of encodable range")
	ErrUnsupportedBitWidth      = errors.New("unsupported bit width")
	ErrFrameOverflow            = errors.New("field exceeds frame")
	ErrFloatWidth               = errors.New("float signals require 32 bits")
	ErrShortFrame               = errors.New("frame shorter than signal")
	ErrMissingValue             = errors.New("no value for signal")
)

// SignalError ties a codec failure to the signal that caused it.
type SignalError struct {
	Signal string
	CANID  uint32
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal %s on %s: %v", e.Signal, signal.FormatCANID(e.CANID), e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }

func signalError(def signal.Definition, err error) *SignalError {
	return &SignalError{Signal: def.Name, CANID: def.CANID, Err: err}
}

// RawFromEngineering inverts scale and offset and returns the bit pattern to
// place in the frame, already reduced to LengthBits.
func RawFromEngineering(def signal.Definition, value float64) (uint64, error) {
	if err := checkLayout(def); err != nil {
		return 0, err
	}

	switch def.DataType {
	case signal.Boolean:
		if value != 0 && !math.IsNaN(value) {
			return 1, nil
		}
		return 0, nil
	case signal.Float:
		if def.LengthBits != 32 {
			return 0, ErrFloatWidth
		}
	}

	if def.ScaleFactor == 0 {
		return 0, ErrScaleFactorZero
	}
	scaled := (value - def.Offset) / def.ScaleFactor
	if math.IsNaN(scaled) || math.IsInf(scaled, 0) {
		return 0, fmt.Errorf("%w: %g", ErrValueOutOfEncodableRange, value)
	}

	switch def.DataType {
	case signal.Float:
		if math.Abs(scaled) > math.MaxFloat32 {
			return 0, fmt.Errorf("%w: %g overflows binary32", ErrValueOutOfEncodableRange, value)
		}
		return uint64(math.Float32bits(float32(scaled))), nil

	case signal.Signed:
		raw := math.Round(scaled)
		lo := -math.Ldexp(1, def.LengthBits-1)
		hi := math.Ldexp(1, def.LengthBits-1) - 1
		if raw < lo || raw > hi {
			return 0, fmt.Errorf("%w: raw %.0f outside [%.0f, %.0f]", ErrValueOutOfEncodableRange, raw, lo, hi)
		}
		return twos(int64(raw), def.LengthBits), nil

	case signal.Unsigned:
		raw := math.Round(scaled)
		hi := math.Ldexp(1, def.LengthBits) - 1
		if raw < 0 || raw > hi {
			return 0, fmt.Errorf("%w: raw %.0f outside [0, %.0f]", ErrValueOutOfEncodableRange, raw, hi)
		}
		return uint64(raw), nil
	}
	return 0, fmt.Errorf("%w: data type %v", signal.ErrInvalidDefinition, def.DataType)
}

// EngineeringFromRaw converts a raw bit pattern to the physical value,
// clamped to the declared range.
func EngineeringFromRaw(def signal.Definition, raw uint64) (float64, error) {
	if err := checkLayout(def); err != nil {
		return 0, err
	}
	raw &= mask(def.LengthBits)

	var v float64
	switch def.DataType {
	case signal.Boolean:
		if raw != 0 {
			return def.Clamp(1), nil
		}
		return def.Clamp(0), nil
	case signal.Unsigned:
		v = float64(raw)
	case signal.Signed:
		v = float64(signExtend(raw, def.LengthBits))
	case signal.Float:
		if def.LengthBits != 32 {
			return 0, ErrFloatWidth
		}
		v = float64(math.Float32frombits(uint32(raw)))
		if math.IsNaN(v) {
			return 0, fmt.Errorf("%w: NaN in frame", ErrValueOutOfEncodableRange)
		}
	default:
		return 0, fmt.Errorf("%w: data type %v", signal.ErrInvalidDefinition, def.DataType)
	}
	return def.Clamp(v*def.ScaleFactor + def.Offset), nil
}

// PlaceInFrame writes raw into the signal's bit range, leaving other bits
// untouched.
func PlaceInFrame(data *can.Data, def signal.Definition, raw uint64) error {
	if err := checkLayout(def); err != nil {
		return err
	}
	shift := fieldShift(def.ByteOrder, def.StartBit, def.LengthBits)
	payload := pack(data, def.ByteOrder)
	unpack(data, def.ByteOrder, setBits(payload, shift, def.LengthBits, raw))
	return nil
}

// ExtractFromFrame reads the signal's raw bits. Sign extension happens in
// EngineeringFromRaw.
func ExtractFromFrame(data can.Data, def signal.Definition) (uint64, error) {
	if err := checkLayout(def); err != nil {
		return 0, err
	}
	shift := fieldShift(def.ByteOrder, def.StartBit, def.LengthBits)
	return getBits(pack(&data, def.ByteOrder), shift, def.LengthBits), nil
}

// Encode places one engineering value into data.
func Encode(data *can.Data, def signal.Definition, value float64) error {
	raw, err := RawFromEngineering(def, value)
	if err != nil {
		return err
	}
	return PlaceInFrame(data, def, raw)
}

// Decode reads one engineering value from data.
func Decode(data can.Data, def signal.Definition) (float64, error) {
	raw, err := ExtractFromFrame(data, def)
	if err != nil {
		return 0, err
	}
	return EngineeringFromRaw(def, raw)
}

// Reason gives a short label for a codec error, for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrScaleFactorZero):
		return "scale_factor_zero"
	case errors.Is(err, ErrValueOutOfEncodableRange):
		return "out_of_range"
	case errors.Is(err, ErrUnsupportedBitWidth), errors.Is(err, ErrFloatWidth):
		return "unsupported_bit_width"
	case errors.Is(err, ErrFrameOverflow):
		return "frame_overflow"
	case errors.Is(err, ErrShortFrame):
		return "short_frame"
	case errors.Is(err, ErrMissingValue):
		return "missing_value"
	default:
		return "other"
	}
}
