package propmap_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/smartobject/internal/core/propmap"
)

func TestOf(t *testing.T) {
	assert.Equal(t, propmap.KindNull, propmap.Of(nil).Kind())
	assert.Equal(t, propmap.Int(3), propmap.Of(uint8(3)))
	assert.Equal(t, propmap.Int(7), propmap.Of(json.Number("7")))
	assert.Equal(t, propmap.Float(1.5), propmap.Of(json.Number("1.5")))
	assert.Equal(t, propmap.String("x"), propmap.Of(propmap.String("x")))
	assert.Equal(t, propmap.KindOpaque, propmap.Of(struct{}{}).Kind())
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, propmap.Int(2).Equal(propmap.Float(2)))
	assert.False(t, propmap.Int(2).Equal(propmap.String("2")))
	assert.True(t, propmap.Bytes([]byte("ab")).Equal(propmap.Bytes([]byte("ab"))))
	assert.True(t, propmap.Null().Equal(propmap.Null()))
}

func TestValue_BytesAreCopied(t *testing.T) {
	raw := []byte("abc")
	v := propmap.Bytes(raw)
	raw[0] = 'x'
	got, ok := v.BytesVal()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
}

func TestValue_KeyAndString(t *testing.T) {
	assert.Equal(t, "42", propmap.Int(42).Key())
	assert.Equal(t, "abc", propmap.String("abc").Key())
	assert.Equal(t, `"abc"`, propmap.String("abc").String())
	assert.Equal(t, "null", propmap.Null().String())
}

func TestOf_LargeUnsigned(t *testing.T) {
	assert.Equal(t, propmap.Int(math.MaxInt64), propmap.Of(uint64(math.MaxInt64)))
	assert.Equal(t, propmap.KindOpaque, propmap.Of(uint64(math.MaxInt64)+1).Kind())
	assert.Equal(t, propmap.KindOpaque, propmap.Of(uint(math.MaxUint64)).Kind())
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "2.0", propmap.FormatFloat(2))
	assert.Equal(t, "-3.0", propmap.FormatFloat(-3))
	assert.Equal(t, "0.25", propmap.FormatFloat(0.25))
	assert.Equal(t, "1e+21", propmap.FormatFloat(1e21))
}

func TestValue_JSON(t *testing.T) {
	in := map[string]propmap.Value{
		"n": propmap.Int(9007199254740993),
		"f": propmap.Float(0.5),
		"w": propmap.Float(2),
		"s": propmap.String("hi"),
		"b": propmap.Bool(true),
		"z": propmap.Null(),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[string]propmap.Value
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
