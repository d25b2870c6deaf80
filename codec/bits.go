package codec

import (
	"go.einride.tech/can"

	"can-telemetry-core/signal"
)

func mask(bitLen int) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLen) - 1
}

func getBits(payload uint64, shift, bitLen int) uint64 {
	return (payload >> shift) & mask(bitLen)
}

func setBits(payload uint64, shift, bitLen int, value uint64) uint64 {
	m := mask(bitLen)
	payload &^= m << shift
	payload |= (value & m) << shift
	return payload
}

// signExtend interprets the low bitLen bits of u as two's complement.
func signExtend(u uint64, bitLen int) int64 {
	u &= mask(bitLen)
	if bitLen >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << (bitLen - 1)
	if u&signBit == 0 {
		return int64(u)
	}
	return int64(u | ^mask(bitLen))
}

// twos encodes raw as a bitLen-wide two's complement pattern.
func twos(raw int64, bitLen int) uint64 {
	return uint64(raw) & mask(bitLen)
}

// fieldShift locates a field inside the packed 64-bit payload. Little-endian
// fields count bits from the least significant bit of byte 0; big-endian
// fields count MSB-first from the start of byte 0, so a byte-aligned 16-bit
// field at bit 0 keeps its high byte in byte 0.
func fieldShift(order signal.ByteOrder, startBit, bitLen int) int {
	if order == signal.BigEndian {
		return 64 - startBit - bitLen
	}
	return startBit
}

func pack(data *can.Data, order signal.ByteOrder) uint64 {
	if order == signal.BigEndian {
		return data.PackBigEndian()
	}
	return data.PackLittleEndian()
}

func unpack(data *can.Data, order signal.ByteOrder, payload uint64) {
	if order == signal.BigEndian {
		data.UnpackBigEndian(payload)
		return
	}
	data.UnpackLittleEndian(payload)
}

// checkLayout rejects fields the bit cursor cannot place inside 8 bytes.
func checkLayout(def signal.Definition) error {
	if def.LengthBits < 1 || def.LengthBits > 64 {
		return ErrUnsupportedBitWidth
	}
	if def.StartBit < 0 || def.StartBit+def.LengthBits > 64 {
		return ErrFrameOverflow
	}
	return nil
}

// lastByte is the index of the highest frame byte touched by the field. Both
// bit numberings map bit i to byte i/8.
func lastByte(def signal.Definition) int {
	return (def.StartBit + def.LengthBits - 1) / 8
}
