package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakm/msgpackrpc/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := wire.New()

	msg := []interface{}{0, uint32(1), "echo", []interface{}{"hi"}}
	data, err := c.Encode(msg)
	require.NoError(t, err)

	out, err := c.Feed(data)
	require.NoError(t, err)
	require.Len(t, out, 1)

	arr, ok := out[0].([]interface{})
	require.True(t, ok)
	assert.Equal(t, "echo", arr[2])
}

func TestFeedAcrossPartialChunks(t *testing.T) {
	c := wire.New()

	msg := []interface{}{2, "notify", []interface{}{"NOTIFICATION"}}
	data, err := c.Encode(msg)
	require.NoError(t, err)
	require.True(t, len(data) > 2)

	mid := len(data) / 2
	out, err := c.Feed(data[:mid])
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = c.Feed(data[mid:])
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestFeedMultipleMessagesInOneChunk(t *testing.T) {
	c := wire.New()

	var all []byte
	for i := 0; i < 3; i++ {
		data, err := c.Encode([]interface{}{2, "ping", []interface{}{i}})
		require.NoError(t, err)
		all = append(all, data...)
	}

	out, err := c.Feed(all)
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func TestTupleArraysAreImmutableFlavored(t *testing.T) {
	c := wire.New(wire.WithTupleArrays())

	data, err := c.Encode([]interface{}{0, uint32(1), "sum", []interface{}{[]interface{}{1, 2, 3}}})
	require.NoError(t, err)

	out, err := c.Feed(data)
	require.NoError(t, err)
	require.Len(t, out, 1)

	arr := out[0].([]interface{})
	params := arr[3].([]interface{})
	nested, ok := params[0].(wire.Tuple)
	require.True(t, ok)
	assert.Equal(t, 3, nested.Len())
}
