// Package defrag implements the defragmenter and message reader: it
// coalesces consecutive same-type record payloads into a "current
// fragment" and slices protocol messages out of it by content type, so a
// handshake message (or alert, or application-data chunk) split across
// several records reassembles transparently before the caller ever sees
// it.
package defrag

import (
	"github.com/mistnet-io/iottls/internal/alert"
	"github.com/mistnet-io/iottls/internal/record"
)

// Fragment holds at most one pending (content-type, payload) pair.
type Fragment struct {
	typ     record.Type
	payload []byte
	has     bool
}

// Defragmenter accepts newly decoded records and slices them into
// protocol messages honoring each content type's framing rule.
type Defragmenter struct {
	frag Fragment
}

// New returns an empty Defragmenter.
func New() *Defragmenter { return &Defragmenter{} }

// Push appends a newly decoded record's payload to the current fragment.
// If a fragment of a different type is already pending, this is a
// decode_error: the peer interleaved content types mid-fragment.
func (d *Defragmenter) Push(rec record.Record) error {
	if d.frag.has && d.frag.typ != rec.Type {
		return alert.New(alert.DecodeError)
	}
	if !d.frag.has {
		d.frag.typ = rec.Type
		d.frag.has = true
	}
	d.frag.payload = append(d.frag.payload, rec.Payload...)
	return nil
}

// Pending reports whether a fragment of data is buffered awaiting a
// complete message.
func (d *Defragmenter) Pending() bool { return d.frag.has }

// PendingType returns the content type of the pending fragment, if any.
func (d *Defragmenter) PendingType() (record.Type, bool) {
	return d.frag.typ, d.frag.has
}

// Message is one protocol message sliced out of the fragment.
type Message struct {
	Type record.Type
	Body []byte
}

// Next slices the next complete message out of the current fragment, if
// one is available. It returns (msg, true, nil) on success, (zero, false,
// nil) if more bytes are needed for this content type, or a decode_error
// *alert.Error if the fragment's content type is not one of the four
// known types.
func (d *Defragmenter) Next() (Message, bool, error) {
	if !d.frag.has {
		return Message{}, false, nil
	}

	switch d.frag.typ {
	case record.TypeAlert:
		return d.slice(2)
	case record.TypeChangeCipherSpec:
		return d.slice(1)
	case record.TypeHandshake:
		if len(d.frag.payload) < 4 {
			return Message{}, false, nil
		}
		length := int(d.frag.payload[1])<<16 | int(d.frag.payload[2])<<8 | int(d.frag.payload[3])
		return d.slice(4 + length)
	case record.TypeApplicationData:
		// Opaque: the entire fragment payload is the message.
		body := d.frag.payload
		d.clear()
		return Message{Type: record.TypeApplicationData, Body: body}, true, nil
	default:
		return Message{}, false, alert.New(alert.DecodeError)
	}
}

func (d *Defragmenter) slice(n int) (Message, bool, error) {
	if len(d.frag.payload) < n {
		return Message{}, false, nil
	}
	body := append([]byte(nil), d.frag.payload[:n]...)
	typ := d.frag.typ
	if len(d.frag.payload) == n {
		d.clear()
	} else {
		d.frag.payload = d.frag.payload[n:]
	}
	return Message{Type: typ, Body: body}, true, nil
}

func (d *Defragmenter) clear() {
	d.frag = Fragment{}
}
