// Package wire implements the control-channel frame format and the typed
// value codec carried inside each frame, per the protocol described in
// §4.2 and §6 of the supervisor specification.
//
// Every frame is:
//
//	8 bytes magic (0xD2FEA02366B39A41, network byte order)
//	8 bytes total frame length, including this header (network byte order)
//	length-16 bytes of encoded Value
//
// File descriptors never travel in the byte stream: the ancillary data on
// the stream socket carries the real descriptors, and the receiver
// re-links each Value of kind FD to the descriptor it received (see
// control/conn.go's ReadFrame).
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Magic is the fixed sentinel that opens every frame.
const Magic uint64 = 0xD2FEA02366B39A41

// HeaderLen is the size, in bytes, of the magic+length header.
const HeaderLen = 16

// MaxFrameLen bounds a single frame to guard against a peer claiming an
// absurd length and stalling the reader forever.
const MaxFrameLen = 64 * 1024 * 1024

var (
	// ErrBadMagic means the frame's magic sentinel didn't match; the
	// connection is torn down with EBADRPC (§4.2, §7).
	ErrBadMagic = errors.New("wire: bad frame magic")
	// ErrBadLength means the frame declared a length that is too short
	// to hold a header, or absurdly large.
	ErrBadLength = errors.New("wire: bad frame length")
	// ErrShort is returned by ParseHeader when fewer than HeaderLen bytes
	// are available; the caller should treat it like EAGAIN and retry
	// once more data has arrived.
	ErrShort = errors.New("wire: short read")
)

// EncodeFrame wraps an already-encoded payload in a frame header.
func EncodeFrame(payload []byte) []byte {
	total := HeaderLen + len(payload)
	out := make([]byte, total)
	binary.BigEndian.PutUint64(out[0:8], Magic)
	binary.BigEndian.PutUint64(out[8:16], uint64(total))
	copy(out[16:], payload)
	return out
}

// ParseHeader validates and returns the declared total frame length from
// the first HeaderLen bytes of buf. It does not require the payload to be
// present yet.
func ParseHeader(buf []byte) (total int, err error) {
	if len(buf) < HeaderLen {
		return 0, ErrShort
	}
	magic := binary.BigEndian.Uint64(buf[0:8])
	if magic != Magic {
		return 0, ErrBadMagic
	}
	length := binary.BigEndian.Uint64(buf[8:16])
	if length < HeaderLen || length > MaxFrameLen {
		return 0, ErrBadLength
	}
	return int(length), nil
}

// TryReadFrame extracts one complete frame from the front of buf, if one
// is fully present. It returns the payload (header stripped), the number
// of bytes consumed from buf; if buf does not yet hold a complete frame it
// returns a nil payload, 0 consumed and a nil error (the caller should
// keep accumulating and call again).
func TryReadFrame(buf []byte) (payload []byte, consumed int, err error) {
	total, err := ParseHeader(buf)
	if err != nil {
		if errors.Is(err, ErrShort) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if len(buf) < total {
		return nil, 0, nil
	}
	return buf[HeaderLen:total], total, nil
}

// WriteFrame encodes v and writes a complete frame to w. It is a
// convenience for tests and for one-shot non-buffered writers; the
// control-channel send path (control/conn.go) uses EncodeFrame directly
// so it can attach descriptors, and sends the whole frame in one call.
func WriteFrame(w io.Writer, v Value) error {
	payload, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(EncodeFrame(payload))
	return err
}
