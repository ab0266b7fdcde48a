package ioformat

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseElementType(t *testing.T) {
	for in, want := range map[string]ElementType{
		"float32": Float32, "Float": Float32, "i32": Int32, "uint32": Uint32, " u32 ": Uint32,
	} {
		got, err := ParseElementType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseElementType("float64")
	assert.EqualError(t, err, "unsupported element type: float64")
}

func TestLoadInputText(t *testing.T) {
	data, err := LoadInput(filepath.Join("testdata", "values.txt"), Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4.5, 6}, BytesToFloat32(data))
}

func TestLoadInputCSVInt32(t *testing.T) {
	data, err := LoadInput(filepath.Join("testdata", "values.csv"), Int32)
	require.NoError(t, err)
	require.Len(t, data, 16)
	assert.Equal(t, []byte{0xfc, 0xff, 0xff, 0xff}, data[12:16])
}

func TestLoadInputJSON(t *testing.T) {
	data, err := LoadInput(filepath.Join("testdata", "values.json"), Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, BytesToFloat32(data))
}

func TestLoadInputJSONRejectsBadElement(t *testing.T) {
	_, err := ParseJSON([]byte(`[1, 2.5]`), Int32)
	assert.ErrorContains(t, err, "element 1 (2.5) is not a valid int32")

	_, err = ParseJSON([]byte(`{"a": 1}`), Float32)
	assert.ErrorContains(t, err, "input must be a JSON array of numbers")
}

func TestLoadInputRaw(t *testing.T) {
	data, err := LoadInput(filepath.Join("testdata", "values.bin"), Float32)
	require.NoError(t, err)
	assert.Equal(t, []byte("RAW\x00\x01"), data)
}

func TestLoadInputMissingFile(t *testing.T) {
	_, err := LoadInput(filepath.Join("testdata", "missing.txt"), Float32)
	assert.Error(t, err)
}

func TestParseTextSkipsUnparsable(t *testing.T) {
	data, err := ParseText(strings.NewReader("7 -1 x 4294967295 3.5"), Uint32)
	require.NoError(t, err)
	// -1 and 3.5 are not uint32 values.
	require.Len(t, data, 8)
	assert.Equal(t, []byte{7, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}, data)
}

func TestParseTextEmpty(t *testing.T) {
	data, err := ParseText(strings.NewReader(" ,\n,, "), Float32)
	require.NoError(t, err)
	assert.Empty(t, data)
}
