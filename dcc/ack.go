package dcc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// AckSize is the width in bytes of a DCC acknowledgment frame.
const AckSize = 4

// WriteAck writes a single 4-byte big-endian acknowledgment frame carrying
// the cumulative byte count received so far, modulo 2^32.
func WriteAck(w io.Writer, ack uint32) error {
	var buf [AckSize]byte
	binary.BigEndian.PutUint32(buf[:], ack)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("dcc: write ack: %w", err)
	}
	return nil
}

// ReadAck reads a single 4-byte big-endian acknowledgment frame.
func ReadAck(r io.Reader) (uint32, error) {
	var buf [AckSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("dcc: read ack: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// NextAck advances ack by n bytes, wrapping modulo 2^32 as required for
// files larger than 4 GiB.
func NextAck(ack uint32, n int) uint32 {
	return ack + uint32(n) //nolint:gosec // wraparound is the documented wire behavior
}
