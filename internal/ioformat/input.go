package ioformat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LoadInput reads the kernel input from path. Text files (.txt, .csv) and
// JSON arrays (.json) are converted to elem-encoded bytes; any other file is
// taken as raw binary.
func LoadInput(path string, elem ElementType) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ParseText(f, elem)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ParseJSON(data, elem)
	default:
		return os.ReadFile(path)
	}
}

// ParseText encodes whitespace- or comma-separated numbers. Tokens that are
// not numbers of type elem are skipped.
func ParseText(r io.Reader, elem ElementType) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	scanner.Split(scanTokens)

	var out []byte
	for scanner.Scan() {
		next, err := elem.appendToken(out, scanner.Text())
		if err != nil {
			continue
		}
		out = next
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return out, nil
}

// scanTokens is bufio.ScanWords with commas treated as separators.
func scanTokens(data []byte, atEOF bool) (int, []byte, error) {
	isSep := func(b byte) bool {
		return b == ',' || b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
	}
	start := 0
	for start < len(data) && isSep(data[start]) {
		start++
	}
	for i := start; i < len(data); i++ {
		if isSep(data[i]) {
			return i + 1, data[start:i], nil
		}
	}
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// ParseJSON encodes a flat JSON array of numbers. Unlike text input, a value
// that does not fit elem is an error.
func ParseJSON(data []byte, elem ElementType) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var values []json.Number
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("input must be a JSON array of numbers: %w", err)
	}

	out := make([]byte, 0, len(values)*elem.Size())
	for i, v := range values {
		next, err := elem.appendToken(out, v.String())
		if err != nil {
			return nil, fmt.Errorf("element %d (%s) is not a valid %s: %w", i, v, elem, err)
		}
		out = next
	}
	return out, nil
}
