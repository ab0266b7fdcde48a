package ioformat

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Format selects how the output buffer is rendered.
type Format string

const (
	Binary  Format = "binary"
	Text    Format = "text"
	JSON    Format = "json"
	Summary Format = "summary"
)

// ParseFormat accepts the output format names used on the command line.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case Binary, Text, JSON, Summary:
		return f, nil
	case "raw":
		return Binary, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", s)
	}
}

// OutputOptions controls WriteOutput.
type OutputOptions struct {
	Format  Format
	Element ElementType
	// Count limits the number of elements rendered when positive. Binary
	// output is cut to Count whole elements.
	Count int
}

// WriteOutput renders data to w. Trailing bytes that do not form a whole
// element are ignored by every format except binary without Count.
func WriteOutput(w io.Writer, data []byte, opts OutputOptions) error {
	elem := opts.Element
	if elem == "" {
		elem = Float32
	}
	if _, err := ParseElementType(string(elem)); err != nil {
		return err
	}

	n := elem.Count(data)
	if opts.Count > 0 && opts.Count < n {
		n = opts.Count
	}

	bw := bufio.NewWriter(w)
	var err error
	switch opts.Format {
	case Binary, "":
		if opts.Count > 0 {
			data = data[:n*elem.Size()]
		}
		_, err = bw.Write(data)
	case Text:
		err = writeText(bw, data, elem, n)
	case JSON:
		err = writeJSON(bw, data, elem, n)
	case Summary:
		err = writeSummary(bw, data, elem, n)
	default:
		return fmt.Errorf("unsupported output format: %s", opts.Format)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writeText(w *bufio.Writer, data []byte, elem ElementType, n int) error {
	for i := 0; i < n; i++ {
		if _, err := w.WriteString(elem.format(data, i)); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

// writeJSON emits a flat array. Non-finite floats have no JSON form and are
// written as null.
func writeJSON(w *bufio.Writer, data []byte, elem ElementType, n int) error {
	w.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			w.WriteByte(',')
		}
		v := elem.element(data, i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			w.WriteString("null")
			continue
		}
		w.WriteString(elem.format(data, i))
	}
	w.WriteByte(']')
	_, err := w.WriteString("\n")
	return err
}

// Stats summarizes a run's output.
type Stats struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

// Summarize computes Stats over the first n elements of data. StdDev is the
// sample standard deviation and is zero for fewer than two elements.
func Summarize(data []byte, elem ElementType, n int) Stats {
	if total := elem.Count(data); n > total || n < 0 {
		n = total
	}
	if n == 0 {
		return Stats{}
	}

	values := make([]float64, n)
	for i := range values {
		values[i] = elem.element(data, i)
	}

	s := Stats{
		Count: n,
		Min:   floats.Min(values),
		Max:   floats.Max(values),
		Mean:  stat.Mean(values, nil),
	}
	if n > 1 {
		s.StdDev = stat.StdDev(values, nil)
	}
	return s
}

func writeSummary(w *bufio.Writer, data []byte, elem ElementType, n int) error {
	s := Summarize(data, elem, n)
	fmt.Fprintf(w, "count:  %d\n", s.Count)
	if s.Count == 0 {
		return nil
	}
	fmt.Fprintf(w, "min:    %s\n", formatStat(s.Min))
	fmt.Fprintf(w, "max:    %s\n", formatStat(s.Max))
	fmt.Fprintf(w, "mean:   %s\n", formatStat(s.Mean))
	_, err := fmt.Fprintf(w, "stddev: %s\n", formatStat(s.StdDev))
	return err
}

func formatStat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}
