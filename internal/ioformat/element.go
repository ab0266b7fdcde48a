package ioformat

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ElementType is the numeric type the kernel's buffers hold. The execution
// engine never looks at it; it only governs how bytes are produced from input
// files and rendered on output.
type ElementType string

const (
	Float32 ElementType = "float32"
	Int32   ElementType = "int32"
	Uint32  ElementType = "uint32"
)

// ParseElementType accepts the element type names used on the command line.
func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "float", "f32":
		return Float32, nil
	case "int32", "int", "i32":
		return Int32, nil
	case "uint32", "uint", "u32":
		return Uint32, nil
	default:
		return "", fmt.Errorf("unsupported element type: %s", s)
	}
}

// Size returns the element width in bytes.
func (t ElementType) Size() int {
	return 4
}

// appendToken parses one numeric token and appends its little-endian
// encoding to dst.
func (t ElementType) appendToken(dst []byte, token string) ([]byte, error) {
	switch t {
	case Float32:
		v, err := strconv.ParseFloat(token, 32)
		if err != nil {
			return dst, err
		}
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v))), nil
	case Int32:
		v, err := strconv.ParseInt(token, 10, 32)
		if err != nil {
			return dst, err
		}
		return binary.LittleEndian.AppendUint32(dst, uint32(int32(v))), nil
	case Uint32:
		v, err := strconv.ParseUint(token, 10, 32)
		if err != nil {
			return dst, err
		}
		return binary.LittleEndian.AppendUint32(dst, uint32(v)), nil
	default:
		return dst, fmt.Errorf("unsupported element type: %s", t)
	}
}

// element decodes the i-th element of data.
func (t ElementType) element(data []byte, i int) float64 {
	bits := binary.LittleEndian.Uint32(data[i*4:])
	switch t {
	case Int32:
		return float64(int32(bits))
	case Uint32:
		return float64(bits)
	default:
		return float64(math.Float32frombits(bits))
	}
}

// format renders the i-th element of data.
func (t ElementType) format(data []byte, i int) string {
	bits := binary.LittleEndian.Uint32(data[i*4:])
	switch t {
	case Int32:
		return strconv.FormatInt(int64(int32(bits)), 10)
	case Uint32:
		return strconv.FormatUint(uint64(bits), 10)
	default:
		return strconv.FormatFloat(float64(math.Float32frombits(bits)), 'g', -1, 32)
	}
}

// Count returns how many whole elements data holds.
func (t ElementType) Count(data []byte) int {
	return len(data) / t.Size()
}

// Float32Bytes encodes values as little-endian float32.
func Float32Bytes(values []float32) []byte {
	out := make([]byte, 0, 4*len(values))
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// BytesToFloat32 decodes every whole little-endian float32 in data.
func BytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
