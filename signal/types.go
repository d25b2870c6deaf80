package signal

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteOrder controls how a multi-byte raw value maps onto frame bytes.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

func (o ByteOrder) String() string {
	switch o {
	case BigEndian:
		return "big_endian"
	case LittleEndian:
		return "little_endian"
	default:
		return "unknown"
	}
}

// ParseByteOrder accepts the canonical names plus the usual motorola/intel aliases.
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "big_endian", "big", "motorola", "be":
		return BigEndian, nil
	case "little_endian", "little", "intel", "le":
		return LittleEndian, nil
	}
	return 0, fmt.Errorf("%w: unknown byte order %q", ErrInvalidDefinition, s)
}

// DataType selects how raw bits are interpreted.
type DataType int

const (
	Unsigned DataType = iota
	Signed
	Float
	Boolean
)

func (t DataType) String() string {
	switch t {
	case Unsigned:
		return "unsigned"
	case Signed:
		return "signed"
	case Float:
		return "float"
	case Boolean:
		return "boolean"
	default:
		return "unknown"
	}
}

func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unsigned", "uint":
		return Unsigned, nil
	case "signed", "int":
		return Signed, nil
	case "float", "float32":
		return Float, nil
	case "boolean", "bool":
		return Boolean, nil
	}
	return 0, fmt.Errorf("%w: unknown data type %q", ErrInvalidDefinition, s)
}

// Category groups signals for display.
type Category string

const (
	CategoryMotor       Category = "motor"
	CategoryCombustivel Category = "combustivel"
	CategoryEletrico    Category = "eletrico"
	CategoryPressoes    Category = "pressoes"
	CategoryVelocidade  Category = "velocidade"
)

var categories = []Category{
	CategoryMotor,
	CategoryCombustivel,
	CategoryEletrico,
	CategoryPressoes,
	CategoryVelocidade,
}

// Categories returns every known category in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

func (c Category) Valid() bool {
	for _, k := range categories {
		if c == k {
			return true
		}
	}
	return false
}

// Definition describes where one signal lives inside a CAN frame and how its
// raw bits map to an engineering value. Treat it as immutable once loaded.
type Definition struct {
	Name  string // unique within a signal set
	Model string // behavior model key, independent of Name

	CANID      uint32
	StartBit   int
	LengthBits int
	ByteOrder  ByteOrder
	DataType   DataType

	ScaleFactor float64
	Offset      float64
	Min         float64
	Max         float64

	Unit          string
	Description   string
	Category      Category
	DecimalPlaces int
	Active        bool
}

// EndBit is the exclusive end of the signal's bit range.
func (d Definition) EndBit() int {
	return d.StartBit + d.LengthBits
}

// FrameBits returns the physical frame bits the field occupies, bit 8*b+k
// standing for bit k (LSB first) of byte b. Little-endian start bits count
// LSB-first through the bytes, big-endian start bits MSB-first, so the two
// numberings only agree on whole bytes.
func (d Definition) FrameBits() uint64 {
	var bits uint64
	for i := d.StartBit; i < d.EndBit(); i++ {
		if i < 0 || i > 63 {
			continue
		}
		if d.ByteOrder == BigEndian {
			bits |= 1 << (i/8*8 + 7 - i%8)
		} else {
			bits |= 1 << i
		}
	}
	return bits
}

// Overlaps reports whether two definitions share bits of the same frame.
func (d Definition) Overlaps(o Definition) bool {
	if d.CANID != o.CANID {
		return false
	}
	return d.FrameBits()&o.FrameBits() != 0
}

// Clamp limits v to the declared physical range.
func (d Definition) Clamp(v float64) float64 {
	if v < d.Min {
		return d.Min
	}
	if v > d.Max {
		return d.Max
	}
	return v
}

// Range is Max - Min.
func (d Definition) Range() float64 {
	return d.Max - d.Min
}

// FormatValue renders v with the declared number of decimals.
func (d Definition) FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', d.DecimalPlaces, 64)
}

// ParseCANID accepts "0x200", "0X200", "200h" style hex labels or plain decimal.
func ParseCANID(s string) (uint32, error) {
	ss := strings.TrimSpace(s)
	base := 10
	switch {
	case strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X"):
		base = 16
		ss = ss[2:]
	case strings.HasSuffix(ss, "h") || strings.HasSuffix(ss, "H"):
		base = 16
		ss = ss[:len(ss)-1]
	}
	u, err := strconv.ParseUint(ss, base, 29)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid can id %q", ErrInvalidDefinition, s)
	}
	return uint32(u), nil
}

// FormatCANID renders an id the way the signal tables label it.
func FormatCANID(id uint32) string {
	return fmt.Sprintf("0x%03X", id)
}
