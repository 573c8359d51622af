package format

import (
	"fmt"
	"strings"
)

// DataFormat identifies a numeric encoding on the host or on the device.
type DataFormat uint8

const (
	Invalid DataFormat = iota
	Float32
	Tf32
	Float16
	Float16_b
	Bfp8
	Bfp8_b
	Bfp4
	Bfp4_b
	Bfp2
	Bfp2_b
	Int8
	Int32
	RawUInt8
	RawUInt16
	RawUInt32
)

// Exponent families. The "a" family uses a 5-bit exponent with bias 15,
// the "b" family uses the 8-bit IEEE single precision exponent, bias 127.
const (
	BiasA = 15
	BiasB = 127

	// UnaryExponent is the constant shared exponent stored for Int8 data.
	UnaryExponent = 127
)

type info struct {
	name     string
	bits     int // bits per element in the payload
	mantissa int // mantissa bits excluding sign, BFP only
	shared   bool
	familyA  bool
	float    bool
	raw      bool
}

var table = map[DataFormat]info{
	Float32:   {name: "Float32", bits: 32, float: true},
	Tf32:      {name: "Tf32", bits: 32, float: true},
	Float16:   {name: "Float16", bits: 16, float: true, familyA: true},
	Float16_b: {name: "Float16_b", bits: 16, float: true},
	Bfp8:      {name: "Bfp8", bits: 8, mantissa: 7, shared: true, familyA: true},
	Bfp8_b:    {name: "Bfp8_b", bits: 8, mantissa: 7, shared: true},
	Bfp4:      {name: "Bfp4", bits: 4, mantissa: 3, shared: true, familyA: true},
	Bfp4_b:    {name: "Bfp4_b", bits: 4, mantissa: 3, shared: true},
	Bfp2:      {name: "Bfp2", bits: 2, mantissa: 1, shared: true, familyA: true},
	Bfp2_b:    {name: "Bfp2_b", bits: 2, mantissa: 1, shared: true},
	Int8:      {name: "Int8", bits: 8, shared: true},
	Int32:     {name: "Int32", bits: 32},
	RawUInt8:  {name: "RawUInt8", bits: 8, raw: true},
	RawUInt16: {name: "RawUInt16", bits: 16, raw: true},
	RawUInt32: {name: "RawUInt32", bits: 32, raw: true},
}

func (f DataFormat) String() string {
	if i, ok := table[f]; ok {
		return i.name
	}
	return fmt.Sprintf("UNKNOWN_FORMAT_%d", uint8(f))
}

// Parse resolves a format name case-insensitively.
func Parse(s string) (DataFormat, error) {
	for f, i := range table {
		if strings.EqualFold(i.name, s) {
			return f, nil
		}
	}
	return Invalid, fmt.Errorf("unknown data format %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f DataFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *DataFormat) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Valid reports whether f is a known format.
func (f DataFormat) Valid() bool {
	_, ok := table[f]
	return ok
}

// Bits returns the payload bits per element.
func (f DataFormat) Bits() int { return table[f].bits }

// ItemSize returns the host element size in bytes. Sub-byte formats have no
// host representation and return 0.
func (f DataFormat) ItemSize() int {
	b := table[f].bits
	if b < 8 {
		return 0
	}
	return b / 8
}

// MantissaBits returns the per-element mantissa width of a BFP format.
func (f DataFormat) MantissaBits() int { return table[f].mantissa }

// SharedExponent reports whether rows of f carry one shared exponent byte.
func (f DataFormat) SharedExponent() bool { return table[f].shared }

// IsBfp reports whether f is a block-floating-point format.
func (f DataFormat) IsBfp() bool { return table[f].mantissa > 0 }

// FamilyA reports whether f uses the 5-bit exponent family.
func (f DataFormat) FamilyA() bool { return table[f].familyA }

// IsFloat reports whether f is a plain (non-shared exponent) float format.
func (f DataFormat) IsFloat() bool { return table[f].float }

// IsRaw reports whether f is an untyped passthrough format.
func (f DataFormat) IsRaw() bool { return table[f].raw }

// PayloadBytes returns the bytes occupied by n packed elements of f.
func (f DataFormat) PayloadBytes(n int) int {
	return (n*table[f].bits + 7) / 8
}
