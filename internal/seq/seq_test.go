package seq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterStartsAtZero(t *testing.T) {
	var c Counter
	assert.Equal(t, uint64(0), c.Value())
	assert.Equal(t, [8]byte{0, 0, 0, 0, 0, 0, 0, 0}, c.Bytes())
}

func TestCounterAdvanceIncrements(t *testing.T) {
	var c Counter
	require.NoError(t, c.Advance())
	require.NoError(t, c.Advance())
	assert.Equal(t, uint64(2), c.Value())
	assert.Equal(t, [8]byte{0, 0, 0, 0, 0, 0, 0, 2}, c.Bytes())
}

func TestCounterOverflow(t *testing.T) {
	c := Counter{n: ^uint64(0)}
	err := c.Advance()
	assert.True(t, errors.Is(err, ErrOverflow))
	assert.Equal(t, uint64(1<<64-1), c.Value(), "a failed Advance must not mutate the counter")
}

func TestCounterBytesBigEndian(t *testing.T) {
	c := Counter{n: 0x0102030405060708}
	assert.Equal(t, [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, c.Bytes())
}
