package gbdt

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

// BinMapper discretizes one feature. Bin i holds values v with
// Upper[i-1] < v <= Upper[i]; the last bound is +Inf.
type BinMapper struct {
	Upper []float64
}

// NewBinMapper builds at most maxBin bins. Features with few distinct values
// get one bin per value, split at midpoints; others are cut at quantiles.
func NewBinMapper(values []float64, maxBin int) BinMapper {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	slices.Sort(sorted)
	distinct := slices.Compact(slices.Clone(sorted))

	var upper []float64
	if len(distinct) <= maxBin {
		for i := 0; i+1 < len(distinct); i++ {
			upper = append(upper, (distinct[i]+distinct[i+1])/2)
		}
	} else {
		n := len(sorted)
		for b := 1; b < maxBin; b++ {
			cut := sorted[b*n/maxBin]
			if cut >= sorted[n-1] {
				break
			}
			if len(upper) == 0 || cut > upper[len(upper)-1] {
				upper = append(upper, cut)
			}
		}
	}
	return BinMapper{Upper: append(upper, math.Inf(1))}
}

// NumBins returns the number of bins.
func (m BinMapper) NumBins() int {
	return len(m.Upper)
}

// Bin maps a raw value to its bin. NaN lands in the last bin.
func (m BinMapper) Bin(v float64) int {
	if math.IsNaN(v) {
		return len(m.Upper) - 1
	}
	i := sort.SearchFloat64s(m.Upper, v)
	if i >= len(m.Upper) {
		return len(m.Upper) - 1
	}
	return i
}

// Dataset is a column-major binned feature matrix with labels.
type Dataset struct {
	rows     int
	features int
	bins     [][]uint16
	mappers  []BinMapper
	labels   []float64
}

// NewDataset bins a row-major feature matrix.
func NewDataset(x [][]float64, y []float64, maxBin int) (*Dataset, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("have %d feature rows and %d labels", len(x), len(y))
	}
	if len(x) == 0 {
		return nil, fmt.Errorf("dataset has no rows")
	}
	if maxBin < 2 || maxBin > math.MaxUint16 {
		return nil, fmt.Errorf("max_bin out of range: %d", maxBin)
	}

	nf := len(x[0])
	for i, row := range x {
		if len(row) != nf {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), nf)
		}
	}

	d := &Dataset{
		rows:     len(x),
		features: nf,
		bins:     make([][]uint16, nf),
		mappers:  make([]BinMapper, nf),
		labels:   slices.Clone(y),
	}

	column := make([]float64, len(x))
	for f := 0; f < nf; f++ {
		for i, row := range x {
			column[i] = row[f]
		}
		m := NewBinMapper(column, maxBin)
		d.mappers[f] = m

		bins := make([]uint16, len(x))
		for i, v := range column {
			bins[i] = uint16(m.Bin(v))
		}
		d.bins[f] = bins
	}
	return d, nil
}

// Rows returns the number of rows.
func (d *Dataset) Rows() int {
	return d.rows
}

// Features returns the number of feature columns.
func (d *Dataset) Features() int {
	return d.features
}
