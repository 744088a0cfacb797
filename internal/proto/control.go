// Package proto defines the rendezvous control-channel wire format.
//
// The channel is one-directional: the side that owns pending inbound
// connections writes raw bytes, the side that dials data connections reads
// them. Each byte's value is the number of new data connections to open.
// There is no framing, sequencing or acknowledgement.
package proto

import (
	"errors"
	"io"
)

// MaxUnitsPerByte is the largest request a single byte can carry.
const MaxUnitsPerByte = 255

// ErrEmptyRead is returned when the control channel yields no bytes.
var ErrEmptyRead = errors.New("control channel: received 0 bytes")

// EncodeRequest returns the bytes requesting n data connections.
func EncodeRequest(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, 0, n/MaxUnitsPerByte+1)
	for n > 0 {
		u := min(n, MaxUnitsPerByte)
		out = append(out, byte(u))
		n -= u
	}
	return out
}

// WriteRequest asks the peer for n data connections.
func WriteRequest(w io.Writer, n int) error {
	b := EncodeRequest(n)
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// Units converts received control bytes into a connection count. A zero
// byte counts as one connection.
func Units(p []byte) int {
	total := 0
	for _, b := range p {
		if b == 0 {
			total++
			continue
		}
		total += int(b)
	}
	return total
}

// ReadRequest performs one read from r and returns the number of requested
// connections. A read that yields no bytes is an error.
func ReadRequest(r io.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if n > 0 {
		return Units(buf[:n]), nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return 0, ErrEmptyRead
	}
	return 0, err
}
