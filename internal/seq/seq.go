// Package seq implements the per-direction 64-bit record sequence counter
// used in the MAC computation for every protected record. Overflow is
// returned as an error rather than panicking, since a client must
// terminate cleanly through the termination controller rather than
// crash the host process.
package seq

import "errors"

// ErrOverflow is returned by Advance when the counter would wrap past
// 2^64-1. Fatal: the session must terminate, it cannot continue sending
// protected records.
var ErrOverflow = errors.New("tls: sequence number wraparound")

// Counter is a 64-bit big-endian sequence number that increments once per
// protected record emitted or received in its direction.
type Counter struct {
	n uint64
}

// Bytes returns the current counter value as an 8-byte big-endian array,
// suitable for use directly in a MAC/AEAD additional-data computation.
func (c *Counter) Bytes() [8]byte {
	var b [8]byte
	v := c.n
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// Value returns the current counter value without advancing it.
func (c *Counter) Value() uint64 { return c.n }

// Advance increments the counter after a record has been emitted or
// received. It returns ErrOverflow instead of wrapping.
func (c *Counter) Advance() error {
	if c.n == ^uint64(0) {
		return ErrOverflow
	}
	c.n++
	return nil
}
