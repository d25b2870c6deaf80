package signal

import (
	"errors"
	"strings"
	"testing"
)

func rpmDef() Definition {
	return Definition{
		Name: "RPM", Model: "rpm", CANID: 0x200, StartBit: 0, LengthBits: 16,
		ByteOrder: BigEndian, DataType: Unsigned, ScaleFactor: 0.25,
		Min: 0, Max: 8000, Unit: "rpm", Category: CategoryMotor, Active: true,
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(rpmDef()); err != nil {
		t.Fatalf("expected valid definition, got %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(d *Definition)
		field string
	}{
		{"zero length", func(d *Definition) { d.LengthBits = 0 }, "length_bits"},
		{"too long", func(d *Definition) { d.LengthBits = 33 }, "length_bits"},
		{"past frame end", func(d *Definition) { d.StartBit = 56; d.LengthBits = 16 }, "length_bits"},
		{"negative start", func(d *Definition) { d.StartBit = -1 }, "start_bit"},
		{"zero scale", func(d *Definition) { d.ScaleFactor = 0 }, "scale_factor"},
		{"min above max", func(d *Definition) { d.Min = 10; d.Max = 1 }, "min_value"},
		{"bad byte order", func(d *Definition) { d.ByteOrder = ByteOrder(7) }, "byte_order"},
		{"bad data type", func(d *Definition) { d.DataType = DataType(9) }, "data_type"},
		{"float not 32", func(d *Definition) { d.DataType = Float }, "data_type"},
		{"empty name", func(d *Definition) { d.Name = " " }, "signal_name"},
		{"bad category", func(d *Definition) { d.Category = "radio" }, "category"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := rpmDef()
			tt.mod(&d)
			err := Validate(d)
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected a FieldError, got %T", err)
			}
			if fe.Field != tt.field {
				t.Errorf("field: expected %s, got %s", tt.field, fe.Field)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	d := rpmDef()
	d.ScaleFactor = 0
	d.Min, d.Max = 5, 1
	err := Validate(d)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"scale_factor", "min_value"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefinition_Overlaps(t *testing.T) {
	a := rpmDef()
	b := rpmDef()
	b.Name, b.StartBit, b.LengthBits = "TPS", 16, 8
	if a.Overlaps(b) {
		t.Error("adjacent ranges should not overlap")
	}
	b.StartBit = 15
	if !a.Overlaps(b) {
		t.Error("expected overlap at bit 15")
	}
	b.CANID = 0x201
	if a.Overlaps(b) {
		t.Error("different CAN ids never overlap")
	}
}

func TestDefinition_OverlapsMixedByteOrder(t *testing.T) {
	field := func(name string, order ByteOrder, start, length int) Definition {
		return Definition{Name: name, CANID: 0x300, StartBit: start, LengthBits: length, ByteOrder: order}
	}
	tests := []struct {
		name    string
		a, b    Definition
		overlap bool
	}{
		// both land on the low nibble of byte 0
		{"low nibbles collide", field("A", LittleEndian, 0, 4), field("B", BigEndian, 4, 4), true},
		// BE bits 4..11 fill byte0[3:0] and byte1[7:4], LE bits 8..11 are byte1[3:0]
		{"disjoint across bytes", field("A", BigEndian, 4, 8), field("B", LittleEndian, 8, 4), false},
		{"whole byte agrees", field("A", LittleEndian, 8, 8), field("B", BigEndian, 8, 8), true},
		{"high and low nibble", field("A", LittleEndian, 4, 4), field("B", BigEndian, 4, 4), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.overlap {
				t.Errorf("a.Overlaps(b) = %v, want %v", got, tt.overlap)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.overlap {
				t.Errorf("b.Overlaps(a) = %v, want %v", got, tt.overlap)
			}
		})
	}
}

func TestDefinition_FrameBits(t *testing.T) {
	be := Definition{StartBit: 0, LengthBits: 16, ByteOrder: BigEndian}
	if got := be.FrameBits(); got != 0xFFFF {
		t.Errorf("BE 0..16: got 0x%X", got)
	}
	be.StartBit, be.LengthBits = 4, 4
	if got := be.FrameBits(); got != 0x0F {
		t.Errorf("BE 4..8: got 0x%X", got)
	}
	le := Definition{StartBit: 4, LengthBits: 4, ByteOrder: LittleEndian}
	if got := le.FrameBits(); got != 0xF0 {
		t.Errorf("LE 4..8: got 0x%X", got)
	}
}

func TestParseCANID(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0x200", 0x200, true},
		{"0X7e0", 0x7E0, true},
		{"512", 512, true},
		{"18FEF100h", 0x18FEF100, true},
		{" 0x201 ", 0x201, true},
		{"zz", 0, false},
		{"0x3FFFFFFF", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseCANID(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseCANID(%q) = 0x%X, %v; want 0x%X", tt.in, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseCANID(%q) expected error", tt.in)
		}
	}
	if FormatCANID(0x200) != "0x200" {
		t.Errorf("FormatCANID: got %s", FormatCANID(0x200))
	}
}

func TestParseEnums(t *testing.T) {
	if o, err := ParseByteOrder("Motorola"); err != nil || o != BigEndian {
		t.Errorf("motorola: got %v %v", o, err)
	}
	if o, err := ParseByteOrder("little_endian"); err != nil || o != LittleEndian {
		t.Errorf("little_endian: got %v %v", o, err)
	}
	if _, err := ParseByteOrder("middle"); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition, got %v", err)
	}
	if dt, err := ParseDataType("signed"); err != nil || dt != Signed {
		t.Errorf("signed: got %v %v", dt, err)
	}
	if _, err := ParseDataType("double"); err == nil {
		t.Error("expected error for double")
	}
}

// --- Registry ---

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(rpmDef()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	d, ok := r.Get("RPM")
	if !ok || d.CANID != 0x200 {
		t.Fatalf("Get: %+v %v", d, ok)
	}
	if err := r.Add(rpmDef()); !errors.Is(err, ErrDuplicateSignal) {
		t.Errorf("expected ErrDuplicateSignal, got %v", err)
	}
}

func TestRegistry_RejectsOverlap(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(rpmDef()); err != nil {
		t.Fatal(err)
	}
	o := rpmDef()
	o.Name, o.Model, o.StartBit, o.LengthBits = "TPS", "tps", 8, 8
	if err := r.Add(o); !errors.Is(err, ErrOverlappingBitRange) {
		t.Fatalf("expected ErrOverlappingBitRange, got %v", err)
	}

	// Inactive signals do not claim bits.
	o.Active = false
	if err := r.Add(o); err != nil {
		t.Fatalf("inactive overlap should be accepted: %v", err)
	}
	o.Active = true
	if err := r.Update(o); !errors.Is(err, ErrOverlappingBitRange) {
		t.Fatalf("activating an overlapping signal should fail, got %v", err)
	}
}

func TestRegistry_AssignsModelKey(t *testing.T) {
	r := NewRegistry()
	a := rpmDef()
	a.Name, a.Model = "Coolant Temp", ""
	b := rpmDef()
	b.Name, b.Model, b.CANID = "ECT", "", 0x300

	if err := r.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(b); err != nil {
		t.Fatal(err)
	}
	ga, _ := r.Get("Coolant Temp")
	gb, _ := r.Get("ECT")
	if ga.Model == "" || gb.Model == "" || ga.Model == gb.Model {
		t.Errorf("expected distinct generated keys, got %q and %q", ga.Model, gb.Model)
	}
}

func TestRegistry_DuplicateModel(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(rpmDef())
	o := rpmDef()
	o.Name, o.CANID = "RPM2", 0x300
	if err := r.Add(o); !errors.Is(err, ErrDuplicateModel) {
		t.Errorf("expected ErrDuplicateModel, got %v", err)
	}
}

func TestRegistry_RemoveIsSoft(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(rpmDef())
	if err := r.Remove("RPM"); err != nil {
		t.Fatal(err)
	}
	d, ok := r.Get("RPM")
	if !ok || d.Active {
		t.Errorf("expected inactive definition to remain, got %+v %v", d, ok)
	}
	if len(r.Active()) != 0 {
		t.Errorf("Active should be empty")
	}
	if err := r.Remove("nope"); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("expected ErrUnknownSignal, got %v", err)
	}
}

func TestRegistry_UpdateKeepsModel(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(rpmDef())
	d := rpmDef()
	d.Model = ""
	d.Max = 9000
	if err := r.Update(d); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("RPM")
	if got.Model != "rpm" || got.Max != 9000 {
		t.Errorf("unexpected update result %+v", got)
	}
	if err := r.Update(Definition{Name: "ghost"}); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("expected ErrUnknownSignal, got %v", err)
	}
}

func TestRegistry_LoadIsAllOrNothing(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(rpmDef())

	bad := rpmDef()
	bad.Name, bad.Model, bad.ScaleFactor = "Broken", "x", 0
	good := rpmDef()
	good.Name, good.Model, good.CANID = "Other", "y", 0x300

	if err := r.Load([]Definition{good, bad}); err == nil {
		t.Fatal("expected load error")
	}
	if _, ok := r.Get("Other"); ok {
		t.Error("partial load must not leak entries")
	}
	if _, ok := r.Get("RPM"); !ok {
		t.Error("previous content must survive a failed load")
	}
}

func TestRegistry_MixedByteOrderOverlap(t *testing.T) {
	nibble := func(name, model string, order ByteOrder, start, length int) Definition {
		d := rpmDef()
		d.Name, d.Model, d.CANID = name, model, 0x300
		d.StartBit, d.LengthBits, d.ByteOrder = start, length, order
		d.ScaleFactor, d.Max = 1, 15
		return d
	}

	r := NewRegistry()
	err := r.Load([]Definition{
		nibble("A", "a", LittleEndian, 0, 4),
		nibble("B", "b", BigEndian, 4, 4),
	})
	if !errors.Is(err, ErrOverlappingBitRange) {
		t.Errorf("expected ErrOverlappingBitRange, got %v", err)
	}

	r = NewRegistry()
	err = r.Load([]Definition{
		nibble("A", "a", BigEndian, 4, 8),
		nibble("B", "b", LittleEndian, 8, 4),
	})
	if err != nil {
		t.Errorf("disjoint fields rejected: %v", err)
	}
}

func TestRegistry_SeedDefaults(t *testing.T) {
	for _, family := range Families() {
		t.Run(family, func(t *testing.T) {
			r := NewRegistry()
			if err := r.SeedDefaults(family); err != nil {
				t.Fatalf("SeedDefaults(%s): %v", family, err)
			}
			if len(r.Active()) == 0 {
				t.Fatal("no active signals seeded")
			}
			if len(r.ListByCategory(CategoryMotor)) == 0 {
				t.Error("expected motor signals")
			}
		})
	}
	if err := NewRegistry().SeedDefaults("diesel"); !errors.Is(err, ErrUnknownFamily) {
		t.Errorf("expected ErrUnknownFamily, got %v", err)
	}
}

func TestRegistry_ActiveOrdering(t *testing.T) {
	r := NewRegistry()
	if err := r.SeedDefaults(FamilyGeneric); err != nil {
		t.Fatal(err)
	}
	active := r.Active()
	for i := 1; i < len(active); i++ {
		p, c := active[i-1], active[i]
		if p.CANID > c.CANID || (p.CANID == c.CANID && p.StartBit > c.StartBit) {
			t.Fatalf("Active not ordered at %d: %s before %s", i, p.Name, c.Name)
		}
	}
}

// --- CSV loader ---

const sampleCSV = `signal_name,model,can_id,start_bit,length_bits,byte_order,data_type,scale_factor,offset,min_value,max_value,unit,category,decimal_places,is_active
# engine frame
RPM,rpm,0x200,0,16,big_endian,unsigned,0.25,0,0,8000,rpm,motor,0,true
Battery,battery,0x202,24,16,intel,unsigned,0.01,0,0,16,V,eletrico,2,1
Spare,,512,56,8,big,signed,1,0,-10,10,,,,false
`

func TestLoadCSV(t *testing.T) {
	defs, err := LoadCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	if defs[0].CANID != 0x200 || defs[0].ScaleFactor != 0.25 || defs[0].ByteOrder != BigEndian {
		t.Errorf("RPM parsed wrong: %+v", defs[0])
	}
	if defs[1].ByteOrder != LittleEndian || defs[1].DecimalPlaces != 2 || defs[1].Category != CategoryEletrico {
		t.Errorf("Battery parsed wrong: %+v", defs[1])
	}
	if defs[2].CANID != 512 || defs[2].DataType != Signed || defs[2].Active {
		t.Errorf("Spare parsed wrong: %+v", defs[2])
	}

	r := NewRegistry()
	if err := r.Load(defs); err != nil {
		t.Fatalf("loaded definitions should validate: %v", err)
	}
}

func TestLoadCSV_MissingColumn(t *testing.T) {
	_, err := LoadCSV(strings.NewReader("signal_name,can_id\nRPM,0x200\n"))
	if err == nil || !strings.Contains(err.Error(), "missing required column") {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestLoadCSV_BadNumber(t *testing.T) {
	in := strings.Replace(sampleCSV, "0.25", "quarter", 1)
	_, err := LoadCSV(strings.NewReader(in))
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}
