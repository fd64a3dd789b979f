// Package senml implements Sensor Measurement Lists (RFC 8428) in JSON and CBOR representation.
package senml

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

// Record is a SenML record. CBOR labels follow RFC 8428 table 6.
type Record struct {
	BaseName    string   `json:"bn,omitempty" cbor:"-2,keyasint,omitempty"`
	BaseTime    float64  `json:"bt,omitempty" cbor:"-3,keyasint,omitempty"`
	BaseUnit    string   `json:"bu,omitempty" cbor:"-4,keyasint,omitempty"`
	BaseVersion int      `json:"bver,omitempty" cbor:"-1,keyasint,omitempty"`
	Name        string   `json:"n,omitempty" cbor:"0,keyasint,omitempty"`
	Unit        string   `json:"u,omitempty" cbor:"1,keyasint,omitempty"`
	Value       *float64 `json:"v,omitempty" cbor:"2,keyasint,omitempty"`
	StringValue *string  `json:"vs,omitempty" cbor:"3,keyasint,omitempty"`
	BoolValue   *bool    `json:"vb,omitempty" cbor:"4,keyasint,omitempty"`
	Sum         *float64 `json:"s,omitempty" cbor:"5,keyasint,omitempty"`
	Time        float64  `json:"t,omitempty" cbor:"6,keyasint,omitempty"`
	UpdateTime  float64  `json:"ut,omitempty" cbor:"7,keyasint,omitempty"`
	DataValue   []byte   `json:"vd,omitempty" cbor:"8,keyasint,omitempty"`
}

// Pack is a SenML pack, a list of records.
type Pack []Record

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func DecodeJSON(data []byte) (Pack, error) {
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, p.Validate()
}

func EncodeJSON(p Pack) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func DecodeCBOR(data []byte) (Pack, error) {
	var p Pack
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, p.Validate()
}

func EncodeCBOR(p Pack) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(p)
}

func (r Record) valueCount() int {
	n := 0
	if r.Value != nil {
		n++
	}
	if r.StringValue != nil {
		n++
	}
	if r.BoolValue != nil {
		n++
	}
	if r.DataValue != nil {
		n++
	}
	return n
}

// Validate checks that every record carries at most one value and the resolved names are not empty.
func (p Pack) Validate() error {
	baseName := ""
	for i, r := range p {
		if r.valueCount() > 1 {
			return fmt.Errorf("record[%v]: multiple values", i)
		}
		if r.BaseName != "" {
			baseName = r.BaseName
		}
		if baseName+r.Name == "" && (r.valueCount() > 0 || r.Sum != nil) {
			return fmt.Errorf("record[%v]: empty name", i)
		}
	}
	return nil
}

// Normalize resolves base fields into every record (RFC 8428 section 4.6).
func (p Pack) Normalize() Pack {
	var baseName, baseUnit string
	var baseTime float64
	out := make(Pack, 0, len(p))
	for _, r := range p {
		if r.BaseName != "" {
			baseName = r.BaseName
		}
		if r.BaseTime != 0 {
			baseTime = r.BaseTime
		}
		if r.BaseUnit != "" {
			baseUnit = r.BaseUnit
		}
		if r.valueCount() == 0 && r.Sum == nil {
			continue
		}
		n := Record{
			Name:        baseName + r.Name,
			Unit:        r.Unit,
			Value:       r.Value,
			StringValue: r.StringValue,
			BoolValue:   r.BoolValue,
			DataValue:   r.DataValue,
			Sum:         r.Sum,
			Time:        baseTime + r.Time,
			UpdateTime:  r.UpdateTime,
		}
		if n.Unit == "" {
			n.Unit = baseUnit
		}
		out = append(out, n)
	}
	return out
}
