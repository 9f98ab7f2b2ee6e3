package tables

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind names a column type.
type Kind string

// Supported column kinds.
const (
	KindImage  Kind = "image"  // image ids
	KindWell   Kind = "well"   // well ids
	KindLong   Kind = "long"   // 64-bit integers
	KindDouble Kind = "double" // 64-bit floats
)

// Column is a named, typed vector of values.
type Column interface {
	Name() string
	Kind() Kind
	Description() string
	Len() int

	emptyCopy() Column
	appendFrom(Column) Column
}

type int64Column struct {
	name, desc string
	kind       Kind
	values     []int64
}

func (c *int64Column) Name() string        { return c.name }
func (c *int64Column) Kind() Kind          { return c.kind }
func (c *int64Column) Description() string { return c.desc }
func (c *int64Column) Len() int            { return len(c.values) }

// Int64s returns the values of an image, well or long column.
func (c *int64Column) Int64s() []int64 { return append([]int64(nil), c.values...) }

func (c *int64Column) emptyCopy() Column {
	return &int64Column{name: c.name, desc: c.desc, kind: c.kind, values: []int64{}}
}

func (c *int64Column) appendFrom(src Column) Column {
	out := &int64Column{name: c.name, desc: c.desc, kind: c.kind, values: append([]int64(nil), c.values...)}
	out.values = append(out.values, src.(*int64Column).values...)
	return out
}

type float64Column struct {
	name, desc string
	values     []float64
}

func (c *float64Column) Name() string        { return c.name }
func (c *float64Column) Kind() Kind          { return KindDouble }
func (c *float64Column) Description() string { return c.desc }
func (c *float64Column) Len() int            { return len(c.values) }

// Float64s returns the values of a double column.
func (c *float64Column) Float64s() []float64 { return append([]float64(nil), c.values...) }

func (c *float64Column) emptyCopy() Column {
	return &float64Column{name: c.name, desc: c.desc, values: []float64{}}
}

func (c *float64Column) appendFrom(src Column) Column {
	out := &float64Column{name: c.name, desc: c.desc, values: append([]float64(nil), c.values...)}
	out.values = append(out.values, src.(*float64Column).values...)
	return out
}

// NewImageColumn builds a column of image ids.
func NewImageColumn(name, desc string, values []int64) Column {
	return &int64Column{name: name, desc: desc, kind: KindImage, values: append([]int64{}, values...)}
}

// NewWellColumn builds a column of well ids.
func NewWellColumn(name, desc string, values []int64) Column {
	return &int64Column{name: name, desc: desc, kind: KindWell, values: append([]int64{}, values...)}
}

// NewLongColumn builds a column of 64-bit integers.
func NewLongColumn(name, desc string, values []int64) Column {
	return &int64Column{name: name, desc: desc, kind: KindLong, values: append([]int64{}, values...)}
}

// NewDoubleColumn builds a column of 64-bit floats.
func NewDoubleColumn(name, desc string, values []float64) Column {
	return &float64Column{name: name, desc: desc, values: append([]float64{}, values...)}
}

// Int64Values returns the values of an integer-backed column.
func Int64Values(c Column) ([]int64, bool) {
	ic, ok := c.(*int64Column)
	if !ok {
		return nil, false
	}
	return ic.Int64s(), true
}

// Float64Values returns the values of a double column.
func Float64Values(c Column) ([]float64, bool) {
	fc, ok := c.(*float64Column)
	if !ok {
		return nil, false
	}
	return fc.Float64s(), true
}

type document struct {
	Name    string      `json:"name"`
	Columns []columnDoc `json:"columns"`
}

type columnDoc struct {
	Name        string          `json:"name"`
	Kind        Kind            `json:"kind"`
	Description string          `json:"description,omitempty"`
	Values      json.RawMessage `json:"values"`
}

// jsonFloat encodes NaN as null and ±Inf as the strings "Infinity" and
// "-Infinity", which JSON numbers cannot express.
type jsonFloat float64

const (
	jsonPosInf = `"Infinity"`
	jsonNegInf = `"-Infinity"`
)

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte("null"), nil
	case math.IsInf(v, 1):
		return []byte(jsonPosInf), nil
	case math.IsInf(v, -1):
		return []byte(jsonNegInf), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null":
		*f = jsonFloat(math.NaN())
		return nil
	case jsonPosInf:
		*f = jsonFloat(math.Inf(1))
		return nil
	case jsonNegInf:
		*f = jsonFloat(math.Inf(-1))
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

func docFor(c Column) columnDoc {
	doc := columnDoc{Name: c.Name(), Kind: c.Kind(), Description: c.Description()}
	switch col := c.(type) {
	case *int64Column:
		doc.Values, _ = json.Marshal(col.values)
	case *float64Column:
		vals := make([]jsonFloat, len(col.values))
		for i, v := range col.values {
			vals[i] = jsonFloat(v)
		}
		doc.Values, _ = json.Marshal(vals)
	}
	return doc
}

func (d columnDoc) column() (Column, error) {
	switch d.Kind {
	case KindImage, KindWell, KindLong:
		var vals []int64
		if err := json.Unmarshal(d.Values, &vals); err != nil {
			return nil, fmt.Errorf("column %s: %w", d.Name, err)
		}
		return &int64Column{name: d.Name, desc: d.Description, kind: d.Kind, values: append([]int64{}, vals...)}, nil
	case KindDouble:
		var vals []jsonFloat
		if err := json.Unmarshal(d.Values, &vals); err != nil {
			return nil, fmt.Errorf("column %s: %w", d.Name, err)
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return &float64Column{name: d.Name, desc: d.Description, values: out}, nil
	default:
		return nil, fmt.Errorf("column %s: unknown kind %q", d.Name, d.Kind)
	}
}
