package signal

import (
	"fmt"
	"sort"
)

const (
	FamilyGeneric = "generic"
	FamilyTurbo   = "turbo"
)

var genericSignals = []Definition{
	{Name: "RPM", Model: "rpm", CANID: 0x200, StartBit: 0, LengthBits: 16, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 0.25, Min: 0, Max: 8000, Unit: "rpm", Description: "Engine speed", Category: CategoryMotor},
	{Name: "TPS", Model: "tps", CANID: 0x200, StartBit: 16, LengthBits: 8, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 0.5, Min: 0, Max: 100, Unit: "%", Description: "Throttle position", Category: CategoryMotor, DecimalPlaces: 1},
	{Name: "MAP", Model: "map", CANID: 0x200, StartBit: 24, LengthBits: 16, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 0.1, Min: 0, Max: 250, Unit: "kPa", Description: "Manifold absolute pressure", Category: CategoryPressoes, DecimalPlaces: 1},
	{Name: "ECT", Model: "ect", CANID: 0x200, StartBit: 40, LengthBits: 8, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 1, Offset: -40, Min: -40, Max: 150, Unit: "°C", Description: "Engine coolant temperature", Category: CategoryMotor},
	{Name: "Gear", Model: "gear", CANID: 0x200, StartBit: 48, LengthBits: 8, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 1, Min: 0, Max: 6, Description: "Selected gear", Category: CategoryVelocidade},

	{Name: "Speed", Model: "speed", CANID: 0x201, StartBit: 0, LengthBits: 16, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 0.1, Min: 0, Max: 300, Unit: "km/h", Description: "Vehicle speed", Category: CategoryVelocidade, DecimalPlaces: 1},
	{Name: "Oil Pressure", Model: "oil_pressure", CANID: 0x201, StartBit: 16, LengthBits: 8, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 0.1, Min: 0, Max: 10, Unit: "bar", Description: "Engine oil pressure", Category: CategoryPressoes, DecimalPlaces: 1},
	{Name: "Fuel Pressure", Model: "fuel_pressure", CANID: 0x201, StartBit: 24, LengthBits: 8, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 0.1, Min: 0, Max: 8, Unit: "bar", Description: "Fuel rail pressure", Category: CategoryPressoes, DecimalPlaces: 1},

	{Name: "Fuel Level", Model: "fuel_level", CANID: 0x202, StartBit: 0, LengthBits: 8, ByteOrder: BigEndian, DataType: Unsigned,
		ScaleFactor: 0.5, Min: 0, Max: 100, Unit: "%", Description: "Fuel tank level", Category: CategoryCombustivel, DecimalPlaces: 1},
	{Name: "Lambda", Model: "lambda", CANID: 0x202, StartBit: 8, LengthBits: 16, ByteOrder: LittleEndian, DataType: Unsigned,
		ScaleFactor: 0.001, Min: 0, Max: 2, Unit: "λ", Description: "Wideband lambda", Category: CategoryCombustivel, DecimalPlaces: 3},
	{Name: "Battery", Model: "battery", CANID: 0x202, StartBit: 24, LengthBits: 16, ByteOrder: LittleEndian, DataType: Unsigned,
		ScaleFactor: 0.01, Min: 0, Max: 16, Unit: "V", Description: "Battery voltage", Category: CategoryEletrico, DecimalPlaces: 2},
	{Name: "IAT", Model: "iat", CANID: 0x202, StartBit: 40, LengthBits: 8, ByteOrder: BigEndian, DataType: Signed,
		ScaleFactor: 1, Min: -40, Max: 120, Unit: "°C", Description: "Intake air temperature", Category: CategoryMotor},
}

var turboSignals = []Definition{
	{Name: "Boost Pressure", Model: "boost_pressure", CANID: 0x203, StartBit: 0, LengthBits: 16, ByteOrder: BigEndian, DataType: Signed,
		ScaleFactor: 0.01, Min: -1, Max: 3, Unit: "bar", Description: "Turbo boost pressure", Category: CategoryPressoes, DecimalPlaces: 2},
	{Name: "EGT", Model: "egt", CANID: 0x203, StartBit: 32, LengthBits: 32, ByteOrder: LittleEndian, DataType: Float,
		ScaleFactor: 1, Min: 0, Max: 1100, Unit: "°C", Description: "Exhaust gas temperature", Category: CategoryMotor},
}

var families = map[string][][]Definition{
	FamilyGeneric: {genericSignals},
	FamilyTurbo:   {genericSignals, turboSignals},
}

// Families lists the ECU families SeedDefaults knows about.
func Families() []string {
	out := make([]string, 0, len(families))
	for k := range families {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultSignals returns a fresh, active copy of a family's signal set.
func DefaultSignals(family string) ([]Definition, error) {
	sets, ok := families[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownFamily, family, Families())
	}
	var out []Definition
	for _, set := range sets {
		for _, d := range set {
			d.Active = true
			out = append(out, d)
		}
	}
	if family == FamilyTurbo {
		for i := range out {
			if out[i].Model == "map" {
				out[i].Max = 300
			}
		}
	}
	return out, nil
}
