// Package relay carries metric updates from worker processes to the process
// that owns the Registry. Frames are a 4-byte big-endian length followed by
// an encoded metrics.Update.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// DefaultMaxFrameSize bounds a single encoded update.
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned for frames above the configured maximum.
var ErrFrameTooLarge = errors.New("relay: frame too large")

// readFrame reads one length-prefixed frame into buf, growing it if needed.
func readFrame(r io.Reader, buf []byte, maxSize int) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if cap(buf) < int(length) {
		buf = make([]byte, length)
	}
	buf = buf[:length]
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return buf, nil
}

// appendFrame appends the length prefix and payload to dst.
func appendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
