// Package frame is a small column-oriented table used to aggregate the
// per-object measurements the engine exports. Columns are typed int64,
// float64 or string; missing numeric values are NaN and force float.
package frame

import (
	"errors"
	"fmt"
	"math"
)

// Kind is the element type of a series.
type Kind int

// Series kinds.
const (
	Int Kind = iota
	Float
	String
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int64"
	case Float:
		return "float64"
	default:
		return "string"
	}
}

// ErrNoColumn is returned when a named column does not exist.
var ErrNoColumn = errors.New("frame: no such column")

// Series is one named column. Only the slice matching Kind is populated.
type Series struct {
	Name    string
	Kind    Kind
	Ints    []int64
	Floats  []float64
	Strings []string
}

// Len returns the number of values.
func (s *Series) Len() int {
	switch s.Kind {
	case Int:
		return len(s.Ints)
	case Float:
		return len(s.Floats)
	default:
		return len(s.Strings)
	}
}

// Numeric reports whether the series holds numbers.
func (s *Series) Numeric() bool { return s.Kind != String }

// Float returns value i as float64; strings yield NaN.
func (s *Series) Float(i int) float64 {
	switch s.Kind {
	case Int:
		return float64(s.Ints[i])
	case Float:
		return s.Floats[i]
	default:
		return math.NaN()
	}
}

func (s *Series) clone() *Series {
	return &Series{
		Name:    s.Name,
		Kind:    s.Kind,
		Ints:    append([]int64(nil), s.Ints...),
		Floats:  append([]float64(nil), s.Floats...),
		Strings: append([]string(nil), s.Strings...),
	}
}

// asFloat converts an int series to float.
func (s *Series) asFloat() *Series {
	if s.Kind != Int {
		return s.clone()
	}
	out := &Series{Name: s.Name, Kind: Float, Floats: make([]float64, len(s.Ints))}
	for i, v := range s.Ints {
		out.Floats[i] = float64(v)
	}
	return out
}

// NewInt builds an int64 series.
func NewInt(name string, vals []int64) *Series {
	return &Series{Name: name, Kind: Int, Ints: append([]int64{}, vals...)}
}

// NewFloat builds a float64 series.
func NewFloat(name string, vals []float64) *Series {
	return &Series{Name: name, Kind: Float, Floats: append([]float64{}, vals...)}
}

// NewString builds a string series.
func NewString(name string, vals []string) *Series {
	return &Series{Name: name, Kind: String, Strings: append([]string{}, vals...)}
}

// Frame is an ordered set of equally long series.
type Frame struct {
	cols  []*Series
	index map[string]int
	rows  int
}

// New builds a frame. Names must be unique and lengths equal.
func New(cols ...*Series) (*Frame, error) {
	f := &Frame{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if _, dup := f.index[c.Name]; dup {
			return nil, fmt.Errorf("frame: duplicate column %q", c.Name)
		}
		if i == 0 {
			f.rows = c.Len()
		} else if c.Len() != f.rows {
			return nil, fmt.Errorf("frame: column %q has %d rows, want %d", c.Name, c.Len(), f.rows)
		}
		f.index[c.Name] = i
		f.cols = append(f.cols, c.clone())
	}
	return f, nil
}

// Len returns the row count.
func (f *Frame) Len() int { return f.rows }

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.cols))
	for i, c := range f.cols {
		out[i] = c.Name
	}
	return out
}

// Column returns a copy of the named series.
func (f *Frame) Column(name string) (*Series, error) {
	i, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoColumn, name)
	}
	return f.cols[i].clone(), nil
}

// Series returns copies of all columns in order.
func (f *Frame) Series() []*Series {
	out := make([]*Series, len(f.cols))
	for i, c := range f.cols {
		out[i] = c.clone()
	}
	return out
}

// SetConstInt sets column name to v on every row, replacing an existing
// column in place or appending a new one.
func (f *Frame) SetConstInt(name string, v int64) {
	vals := make([]int64, f.rows)
	for i := range vals {
		vals[i] = v
	}
	s := &Series{Name: name, Kind: Int, Ints: vals}
	if i, ok := f.index[name]; ok {
		f.cols[i] = s
		return
	}
	f.index[name] = len(f.cols)
	f.cols = append(f.cols, s)
}

// Drop returns a frame without the named columns. Unknown names are ignored.
func (f *Frame) Drop(names ...string) *Frame {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	var keep []*Series
	for _, c := range f.cols {
		if !skip[c.Name] {
			keep = append(keep, c)
		}
	}
	out, _ := New(keep...)
	return out
}

// Concat stacks frames row-wise. Columns are matched by name in order of
// first appearance. A numeric column absent from some frame is filled with
// NaN and becomes float; a string column absent from some frame is filled
// with "". Mixing strings with numbers yields a string column.
func Concat(frames ...*Frame) *Frame {
	var order []string
	kinds := map[string]Kind{}
	for _, f := range frames {
		for _, c := range f.cols {
			prev, seen := kinds[c.Name]
			if !seen {
				order = append(order, c.Name)
				kinds[c.Name] = c.Kind
				continue
			}
			kinds[c.Name] = widen(prev, c.Kind)
		}
	}
	for _, name := range order {
		if kinds[name] == Int {
			for _, f := range frames {
				if _, ok := f.index[name]; !ok && f.rows > 0 {
					kinds[name] = Float
					break
				}
			}
		}
	}
	out := &Frame{index: make(map[string]int, len(order))}
	for _, f := range frames {
		out.rows += f.rows
	}
	for i, name := range order {
		s := &Series{Name: name, Kind: kinds[name]}
		for _, f := range frames {
			j, ok := f.index[name]
			for r := 0; r < f.rows; r++ {
				switch s.Kind {
				case Int:
					s.Ints = append(s.Ints, f.cols[j].Ints[r])
				case Float:
					v := math.NaN()
					if ok {
						v = f.cols[j].Float(r)
					}
					s.Floats = append(s.Floats, v)
				default:
					v := ""
					if ok {
						v = f.cols[j].text(r)
					}
					s.Strings = append(s.Strings, v)
				}
			}
		}
		out.index[name] = i
		out.cols = append(out.cols, s)
	}
	return out
}

func widen(a, b Kind) Kind {
	if a == String || b == String {
		return String
	}
	if a == Float || b == Float {
		return Float
	}
	return Int
}
