package frame

import (
	"fmt"
	"math"
	"sort"
)

// GroupMean groups rows by the integer column key and averages every other
// numeric column. Groups are ordered by key; the key stays the first column.
// An integer column that is constant within every group keeps its integer
// values (ids and per-image counts); other numeric columns become float
// means that skip NaN. String columns are dropped.
func (f *Frame) GroupMean(key string) (*Frame, error) {
	ki, ok := f.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoColumn, key)
	}
	keyCol := f.cols[ki]
	if keyCol.Kind != Int {
		return nil, fmt.Errorf("frame: group key %s must be int64, is %s", key, keyCol.Kind)
	}
	groups := map[int64][]int{}
	var keys []int64
	for r, v := range keyCol.Ints {
		if _, seen := groups[v]; !seen {
			keys = append(keys, v)
		}
		groups[v] = append(groups[v], r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := []*Series{NewInt(key, keys)}
	for _, c := range f.cols {
		if c.Name == key || !c.Numeric() {
			continue
		}
		if c.Kind == Int && constantWithin(c, keys, groups) {
			vals := make([]int64, len(keys))
			for i, k := range keys {
				vals[i] = c.Ints[groups[k][0]]
			}
			out = append(out, NewInt(c.Name, vals))
			continue
		}
		vals := make([]float64, len(keys))
		for i, k := range keys {
			vals[i] = meanOf(c, groups[k])
		}
		out = append(out, NewFloat(c.Name, vals))
	}
	return New(out...)
}

func constantWithin(c *Series, keys []int64, groups map[int64][]int) bool {
	for _, k := range keys {
		rows := groups[k]
		for _, r := range rows[1:] {
			if c.Ints[r] != c.Ints[rows[0]] {
				return false
			}
		}
	}
	return true
}

func meanOf(c *Series, rows []int) float64 {
	sum, n := 0.0, 0
	for _, r := range rows {
		v := c.Float(r)
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// DescribeStats names the rows produced by Describe.
var DescribeStats = []string{"count", "mean", "std", "min", "25%", "50%", "75%", "max"}

// Describe summarises every numeric column: non-NaN count, mean, sample
// standard deviation, min, quartiles (linear interpolation) and max. The
// result has a leading "stat" column naming each row.
func (f *Frame) Describe() *Frame {
	out := []*Series{NewString("stat", DescribeStats)}
	for _, c := range f.cols {
		if !c.Numeric() {
			continue
		}
		var vals []float64
		for r := 0; r < f.rows; r++ {
			if v := c.Float(r); !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		out = append(out, NewFloat(c.Name, summarize(vals)))
	}
	fr, _ := New(out...)
	return fr
}

// Values returns the non-NaN values of a numeric column.
func (f *Frame) Values(name string) ([]float64, error) {
	i, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoColumn, name)
	}
	c := f.cols[i]
	var vals []float64
	for r := 0; r < f.rows; r++ {
		if v := c.Float(r); !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	return vals, nil
}

func summarize(vals []float64) []float64 {
	nan := math.NaN()
	n := len(vals)
	if n == 0 {
		return []float64{0, nan, nan, nan, nan, nan, nan, nan}
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)
	std := nan
	if n > 1 {
		ss := 0.0
		for _, v := range sorted {
			ss += (v - mean) * (v - mean)
		}
		std = math.Sqrt(ss / float64(n-1))
	}
	return []float64{float64(n), mean, std, sorted[0], quantile(sorted, 0.25), quantile(sorted, 0.5), quantile(sorted, 0.75), sorted[n-1]}
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
