package signal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var requiredColumns = []string{
	"signal_name", "can_id", "start_bit", "length_bits", "byte_order",
	"data_type", "scale_factor", "offset", "min_value", "max_value",
}

// LoadCSVFile reads a signal map from disk. See LoadCSV for the format.
func LoadCSVFile(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadCSV parses a signal map with one definition per row. The header must
// contain the required columns; model, unit, description, category,
// decimal_places and is_active are optional. Rows are parsed but not
// validated; hand the result to Registry.Load for that.
func LoadCSV(rd io.Reader) ([]Definition, error) {
	r := csv.NewReader(rd)
	r.TrimLeadingSpace = true
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, k := range requiredColumns {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("signal map missing required column: %q", k)
		}
	}

	var out []Definition
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := r.FieldPos(0)

		p := rowParser{rec: rec, idx: idx}
		d := Definition{
			Name:        p.str("signal_name"),
			Model:       p.str("model"),
			StartBit:    p.atoi("start_bit"),
			LengthBits:  p.atoi("length_bits"),
			ScaleFactor: p.atof("scale_factor"),
			Offset:      p.atof("offset"),
			Min:         p.atof("min_value"),
			Max:         p.atof("max_value"),
			Unit:        p.str("unit"),
			Description: p.str("description"),
			Category:    Category(strings.ToLower(p.str("category"))),
			Active:      true,
		}
		if s := p.str("decimal_places"); s != "" {
			d.DecimalPlaces = p.atoi("decimal_places")
		}
		if s := p.str("is_active"); s != "" {
			d.Active = parseBool(s)
		}
		if p.err == nil {
			d.CANID, p.err = ParseCANID(p.str("can_id"))
		}
		if p.err == nil {
			d.ByteOrder, p.err = ParseByteOrder(p.str("byte_order"))
		}
		if p.err == nil {
			d.DataType, p.err = ParseDataType(p.str("data_type"))
		}
		if p.err != nil {
			return nil, fmt.Errorf("line %d (%s): %w", line, d.Name, p.err)
		}
		out = append(out, d)
	}
	return out, nil
}

// rowParser keeps the first conversion error of a record.
type rowParser struct {
	rec []string
	idx map[string]int
	err error
}

func (p *rowParser) str(col string) string {
	i, ok := p.idx[col]
	if !ok || i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *rowParser) atoi(col string) int {
	s := p.str(col)
	v, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%w: %s %q is not an integer", ErrInvalidDefinition, col, s)
	}
	return v
}

func (p *rowParser) atof(col string) float64 {
	s := p.str(col)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%w: %s %q is not a number", ErrInvalidDefinition, col, s)
	}
	return v
}

func parseBool(s string) bool {
	ss := strings.TrimSpace(strings.ToLower(s))
	return ss == "true" || ss == "1" || ss == "yes"
}
