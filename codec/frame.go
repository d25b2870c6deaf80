package codec

import (
	"fmt"
	"sort"

	"go.einride.tech/can"

	"can-telemetry-core/signal"
)

const (
	FrameLength = 8
	maxStdID    = 0x7FF
)

// Assembly is the result of packing every signal of one CAN id.
type Assembly struct {
	Frame   can.Frame
	Signals []string       // names packed into Frame
	Skipped []*SignalError // signals left out of Frame
}

// NewFrame returns an all-zero 8-byte frame for id.
func NewFrame(id uint32) can.Frame {
	return can.Frame{
		ID:         id,
		Length:     FrameLength,
		IsExtended: id > maxStdID,
	}
}

// AssembleFrame packs every active definition on canID, reading values by
// signal name. A signal that cannot be encoded is reported in Skipped and
// the rest of the frame is still built.
func AssembleFrame(canID uint32, defs []signal.Definition, values map[string]float64) Assembly {
	out := Assembly{Frame: NewFrame(canID)}

	for _, def := range defs {
		if !def.Active || def.CANID != canID {
			continue
		}
		v, ok := values[def.Name]
		if !ok {
			out.Skipped = append(out.Skipped, signalError(def, ErrMissingValue))
			continue
		}
		if err := Encode(&out.Frame.Data, def, def.Clamp(v)); err != nil {
			out.Skipped = append(out.Skipped, signalError(def, err))
			continue
		}
		out.Signals = append(out.Signals, def.Name)
	}
	return out
}

// DisassembleFrame decodes every active definition matching frame.ID.
func DisassembleFrame(frame can.Frame, defs []signal.Definition) (map[string]float64, []*SignalError) {
	values := make(map[string]float64)
	var errs []*SignalError

	for _, def := range defs {
		if !def.Active || def.CANID != frame.ID {
			continue
		}
		if err := checkLayout(def); err != nil {
			errs = append(errs, signalError(def, err))
			continue
		}
		if lastByte(def) >= int(frame.Length) {
			errs = append(errs, signalError(def, fmt.Errorf("%w: needs byte %d, length %d", ErrShortFrame, lastByte(def), frame.Length)))
			continue
		}
		v, err := Decode(frame.Data, def)
		if err != nil {
			errs = append(errs, signalError(def, err))
			continue
		}
		values[def.Name] = v
	}
	return values, errs
}

// GroupByCANID splits the active definitions per CAN id. Ids come back in
// ascending order.
func GroupByCANID(defs []signal.Definition) ([]uint32, map[uint32][]signal.Definition) {
	groups := make(map[uint32][]signal.Definition)
	var ids []uint32
	for _, def := range defs {
		if !def.Active {
			continue
		}
		if _, ok := groups[def.CANID]; !ok {
			ids = append(ids, def.CANID)
		}
		groups[def.CANID] = append(groups[def.CANID], def)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, groups
}

// FormatData renders frame bytes the way the logs print them.
func FormatData(frame can.Frame) string {
	n := int(frame.Length)
	if n > FrameLength {
		n = FrameLength
	}
	return fmt.Sprintf("% X", frame.Data[:n])
}
