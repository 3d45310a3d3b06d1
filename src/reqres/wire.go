package reqres

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxWireMessageSize is the largest framed message accepted off the wire.
// Larger frames are rejected before allocation.
const MaxWireMessageSize = 8 * 1024 * 1024

// WriteLengthDelimited writes data to w prefixed with its length as a 4 byte
// big-endian integer.
func WriteLengthDelimited(w io.Writer, data []byte) error {
	if len(data) > MaxWireMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}

// ReadLengthDelimited reads one length-prefixed message from r.
func ReadLengthDelimited(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxWireMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}
