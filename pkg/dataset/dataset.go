// Package dataset loads observation files into one concatenated dataset
// and splits it into contiguous per-rank blocks.
//
// A source file holds one observation per line. Values are separated by
// commas or whitespace; blank lines and lines starting with '#' are
// skipped. Files ending in .gz are decompressed on the fly.
package dataset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/partition"
	"golang.org/x/sync/errgroup"
)

// ParseError locates a malformed value
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{partition.ErrDataInvalid, e.Err} }

// LoadConcatenated reads every path and returns the number of observations
// each one held plus all observations concatenated in path order. The
// first pass counts each source's observations concurrently; the second
// parses every source into its own disjoint range of the output.
func LoadConcatenated(ctx context.Context, paths []string, workers int) ([]int, [][]float64, error) {
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("%w: no input paths", partition.ErrDataInvalid)
	}
	if workers < 1 {
		workers = 1
	}

	lengths := make([]int, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			n, err := Sound(gctx, path)
			if err != nil {
				return err
			}
			lengths[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	offsets := partition.Offsets(lengths)
	total := 0
	for _, n := range lengths {
		total += n
	}
	rows := make([][]float64, total)

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			dst := rows[offsets[i] : offsets[i]+lengths[i]]
			return readInto(gctx, path, dst)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if err := checkDimension(paths, lengths, rows); err != nil {
		return nil, nil, err
	}
	return lengths, rows, nil
}

// Sound counts the observations in path without parsing them
func Sound(ctx context.Context, path string) (int, error) {
	n := 0
	err := scan(ctx, path, func(int, string) error {
		n++
		return nil
	})
	return n, err
}

// readInto parses path into dst, which must have exactly the sounded length
func readInto(ctx context.Context, path string, dst [][]float64) error {
	next := 0
	err := scan(ctx, path, func(line int, text string) error {
		if next >= len(dst) {
			return fmt.Errorf("%s changed while loading: more than %d observations", path, len(dst))
		}
		row, err := parseRow(text)
		if err != nil {
			return &ParseError{Path: path, Line: line, Err: err}
		}
		dst[next] = row
		next++
		return nil
	})
	if err != nil {
		return err
	}
	if next != len(dst) {
		return fmt.Errorf("%s changed while loading: %d observations, expected %d", path, next, len(dst))
	}
	return nil
}

// scan calls fn for every observation line of path
func scan(ctx context.Context, path string, fn func(line int, text string) error) error {
	r, closer, err := open(path)
	if err != nil {
		return err
	}
	defer closer()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := fn(line, text); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ctx.Err()
}

func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, func() { f.Close() }, nil
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return zr, func() {
		zr.Close()
		f.Close()
	}, nil
}

func parseRow(text string) ([]float64, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	row := make([]float64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		row[i] = v
	}
	return row, nil
}

func checkDimension(paths []string, lengths []int, rows [][]float64) error {
	if len(rows) == 0 {
		return nil
	}
	want := len(rows[0])
	source, local := 0, 0
	for _, row := range rows {
		for local >= lengths[source] {
			source++
			local = 0
		}
		if len(row) != want {
			return fmt.Errorf("%w: %s observation %d has %d values, expected %d",
				partition.ErrDataInvalid, paths[source], local, len(row), want)
		}
		local++
	}
	return nil
}

// Shard returns the [start, end) block of n observations held by rank in a
// world of size ranks. The first n%size ranks hold one extra observation.
func Shard(n, size, rank int) (start, end int) {
	base, extra := n/size, n%size
	start = rank*base + min(rank, extra)
	end = start + base
	if rank < extra {
		end++
	}
	return start, end
}

// BlockLengths returns how many observations of each source fall inside
// [start, end). Sources outside the block report zero.
func BlockLengths(lengths []int, start, end int) []int {
	out := make([]int, len(lengths))
	offset := 0
	for i, n := range lengths {
		lo := max(start, offset)
		hi := min(end, offset+n)
		if hi > lo {
			out[i] = hi - lo
		}
		offset += n
	}
	return out
}

// BlockStarts returns, for each source, the source-local index of the
// first observation inside [start, end). Sources outside the block
// report zero, matching their zero length from BlockLengths.
func BlockStarts(lengths []int, start, end int) []int {
	out := make([]int, len(lengths))
	offset := 0
	for i, n := range lengths {
		if lo := max(start, offset); min(end, offset+n) > lo {
			out[i] = lo - offset
		}
		offset += n
	}
	return out
}
