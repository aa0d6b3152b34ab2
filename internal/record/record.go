// Package record implements the TLS 1.2 record framer: read-side
// buffering and decoding honoring length limits, write-side framing with
// an optional active cipher. It is a push model rather than a blocking
// net.Conn-pull model: bytes arrive via Feed, records are drained via
// Next, so the single-actor event loop that owns this reader is never
// blocked inside the record layer waiting on a socket read.
package record

import (
	"github.com/mistnet-io/iottls/internal/alert"
	"github.com/mistnet-io/iottls/internal/cipherstate"
)

const (
	headerLen     = 5
	maxPlaintext  = 1 << 14 // 16384
	maxCiphertext = (1 << 14) + 2048
	versionMajor  = 0x03
	versionMinor  = 0x03
)

// Type is a TLS record content type.
type Type byte

const (
	TypeChangeCipherSpec Type = 20
	TypeAlert            Type = 21
	TypeHandshake        Type = 22
	TypeApplicationData  Type = 23
)

func (t Type) valid() bool {
	switch t {
	case TypeChangeCipherSpec, TypeAlert, TypeHandshake, TypeApplicationData:
		return true
	default:
		return false
	}
}

// Record is one decoded, and — if a decipher was active — decrypted,
// record.
type Record struct {
	Type    Type
	Payload []byte
}

// Reader accumulates inbound transport bytes and emits decoded records.
// After each parse pass its buffer holds strictly less than a header or
// less than a full body — never a complete undrained record.
type Reader struct {
	buf      []byte
	decipher *cipherstate.Decipher
}

// NewReader constructs an empty Reader. Decrypt protection is off until
// SetDecipher is called (mirrors how the handshake installs it only after
// ChangeCipherSpec).
func NewReader() *Reader {
	return &Reader{}
}

// SetDecipher installs (or clears, if d is nil) the active decrypt state.
func (r *Reader) SetDecipher(d *cipherstate.Decipher) {
	r.decipher = d
}

// Feed appends newly-arrived transport bytes to the inbound buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next attempts to decode one record from the buffered bytes. It returns
// (rec, true, nil) if a full record was available, (zero, false, nil) if
// more bytes are needed, or a protocol *alert.Error otherwise.
func (r *Reader) Next() (Record, bool, error) {
	if len(r.buf) < headerLen {
		return Record{}, false, nil
	}
	hdr := r.buf[:headerLen]
	typ := Type(hdr[0])
	major, minor := hdr[1], hdr[2]
	length := int(hdr[3])<<8 | int(hdr[4])

	if !typ.valid() {
		return Record{}, false, alert.New(alert.DecodeError)
	}
	if major != versionMajor || minor != versionMinor {
		return Record{}, false, alert.New(alert.DecodeError)
	}
	if length == 0 {
		return Record{}, false, alert.New(alert.DecodeError)
	}

	limit := maxPlaintext
	if r.decipher != nil {
		limit = maxCiphertext
	}
	if length > limit {
		return Record{}, false, alert.New(alert.RecordOverflow)
	}

	if len(r.buf) < headerLen+length {
		return Record{}, false, nil
	}

	payload := append([]byte(nil), r.buf[headerLen:headerLen+length]...)
	r.buf = r.buf[headerLen+length:]

	if r.decipher != nil {
		plain, err := r.decipher.Open(byte(typ), payload)
		if err != nil {
			return Record{}, false, alert.Wrap(alert.BadRecordMAC, err)
		}
		payload = plain
	}

	return Record{Type: typ, Payload: payload}, true, nil
}

// Writer frames outbound (type, payload) pairs and optionally encrypts
// them under an active cipher.
type Writer struct {
	cipher *cipherstate.Cipher
}

// NewWriter constructs an empty Writer. Encryption is off until
// SetCipher is called.
func NewWriter() *Writer {
	return &Writer{}
}

// SetCipher installs (or clears, if c is nil) the active encrypt state.
func (w *Writer) SetCipher(c *cipherstate.Cipher) {
	w.cipher = c
}

// Frame produces the wire bytes for one record: a 5-byte header followed
// by payload (or IV||ciphertext, if a cipher is active). len(payload)
// must be <= maxPlaintext.
func (w *Writer) Frame(typ Type, payload []byte) ([]byte, error) {
	if len(payload) > maxPlaintext {
		return nil, alert.New(alert.InternalError)
	}

	body := payload
	if w.cipher != nil {
		sealed, err := w.cipher.Seal(byte(typ), payload)
		if err != nil {
			return nil, alert.Wrap(alert.InternalError, err)
		}
		body = sealed
	}

	out := make([]byte, headerLen+len(body))
	out[0] = byte(typ)
	out[1] = versionMajor
	out[2] = versionMinor
	out[3] = byte(len(body) >> 8)
	out[4] = byte(len(body))
	copy(out[headerLen:], body)
	return out, nil
}
