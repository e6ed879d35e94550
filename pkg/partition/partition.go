// Package partition maps flat, concatenated indices and arrays back onto
// the sources (trajectories, files, ranks) they were concatenated from.
package partition

import (
	"errors"
	"fmt"
)

// ErrDataInvalid is wrapped by every error returned from this package.
var ErrDataInvalid = errors.New("data invalid")

// Location addresses one observation inside one source.
type Location struct {
	Source int `json:"source"`
	Index  int `json:"index"`
}

// RangeError reports a flat index outside the concatenated range.
type RangeError struct {
	Index int
	Total int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("index %d out of range for %d concatenated observations", e.Index, e.Total)
}

func (e *RangeError) Unwrap() error { return ErrDataInvalid }

// LengthError reports a flat array whose length differs from the sum of
// the source lengths it should be split into.
type LengthError struct {
	Length  int
	Lengths []int
	Total   int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("list of length %d does not equal lengths to partition %v (sum %d)", e.Length, e.Lengths, e.Total)
}

func (e *LengthError) Unwrap() error { return ErrDataInvalid }

func total(lengths []int) (int, error) {
	sum := 0
	for i, n := range lengths {
		if n < 0 {
			return 0, fmt.Errorf("%w: source %d has negative length %d", ErrDataInvalid, i, n)
		}
		sum += n
	}
	return sum, nil
}

// Indices converts each flat index into a (source, local index) pair by
// subtracting source lengths in order until the owning source is found.
func Indices(flat []int, lengths []int) ([]Location, error) {
	sum, err := total(lengths)
	if err != nil {
		return nil, err
	}

	out := make([]Location, len(flat))
	for i, index := range flat {
		if index < 0 || index >= sum {
			return nil, &RangeError{Index: index, Total: sum}
		}
		source := 0
		for lengths[source] <= index {
			index -= lengths[source]
			source++
		}
		out[i] = Location{Source: source, Index: index}
	}
	return out, nil
}

// Offsets returns the flat index at which each source begins.
func Offsets(lengths []int) []int {
	offsets := make([]int, len(lengths))
	next := 0
	for i, n := range lengths {
		offsets[i] = next
		next += n
	}
	return offsets
}

// Masked is a rectangular (sources x longest source) array. Cells past the
// end of a short source hold the fill value and are marked invalid.
type Masked[T any] struct {
	Values  [][]T
	Valid   [][]bool
	Lengths []int
}

// At returns the cell and whether it holds real data.
func (m *Masked[T]) At(source, index int) (T, bool) {
	return m.Values[source][index], m.Valid[source][index]
}

// Rows returns each source's values with the padding dropped.
func (m *Masked[T]) Rows() [][]T {
	rows := make([][]T, len(m.Values))
	for i, row := range m.Values {
		rows[i] = row[:m.Lengths[i]]
	}
	return rows
}

// List reshapes flat into one row per source, padding short rows with fill.
func List[T any](flat []T, lengths []int, fill T) (*Masked[T], error) {
	sum, err := total(lengths)
	if err != nil {
		return nil, err
	}
	if sum != len(flat) {
		return nil, &LengthError{Length: len(flat), Lengths: append([]int(nil), lengths...), Total: sum}
	}

	width := 0
	for _, n := range lengths {
		width = max(width, n)
	}

	m := &Masked[T]{
		Values:  make([][]T, len(lengths)),
		Valid:   make([][]bool, len(lengths)),
		Lengths: append([]int(nil), lengths...),
	}
	start := 0
	for i, n := range lengths {
		row := make([]T, width)
		valid := make([]bool, width)
		copy(row, flat[start:start+n])
		for j := n; j < width; j++ {
			row[j] = fill
		}
		for j := 0; j < n; j++ {
			valid[j] = true
		}
		m.Values[i] = row
		m.Valid[i] = valid
		start += n
	}
	return m, nil
}
