// Package framing implements the entropy key device's fixed 64-byte
// line framing: extracting well-formed frames from a byte stream and
// resynchronising after noise or a short read.
//
// A frame is exactly 64 bytes:
//
//	0      '*'                 start of frame, byte 0
//	1      ' '                 start of frame, byte 1
//	2-3    packet type + class
//	4-53   50 bytes of payload
//	54-61  8-byte PEM64 MAC
//	62     CR                  end of frame, byte 0
//	63     LF                  end of frame, byte 1
package framing

import (
	"errors"
	"io"
)

// Length is the fixed size of a frame in bytes.
const Length = 64

const (
	sof0 = '*'
	sof1 = ' '
	eof0 = '\r'
	eof1 = '\n'
)

// ErrPending is returned by Step when a full frame is not yet
// available and the caller should wait for more readiness before
// calling Step again.
var ErrPending = errors.New("framing: frame not yet available")

// Framer extracts frames from a single byte stream.  It holds no state
// beyond its own buffer and counters, and performs exactly one
// underlying Read per Step call, matching the protocol's
// coroutine-free, single-step-per-wakeup design.
type Framer struct {
	buf  [Length]byte
	used int

	// ByteLast is the stream offset of the most recent valid frame.
	ByteLast uint64
	// FramingErrors counts resynchronisations caused by a missing or
	// misplaced start/end of frame.
	FramingErrors uint32
	// FramesOK counts successfully extracted frames.
	FramesOK uint32

	bytesRead uint64
}

// New returns a new, empty Framer.
func New() *Framer {
	return &Framer{}
}

// Step attempts to read and extract a single frame from r.  It returns
// ErrPending if a full frame isn't available yet (the caller should
// retry once r has more data); any other non-nil error, including
// io.EOF, is fatal to the stream.
func (f *Framer) Step(r io.Reader) ([Length]byte, error) {
	if f.used == Length {
		// The previous call returned a frame and left the buffer full;
		// start the next frame from an empty buffer.
		f.used = 0
	}

	avail := Length - f.used
	n, err := r.Read(f.buf[f.used : f.used+avail])
	if n > 0 {
		f.used += n
		f.bytesRead += uint64(n)
	}
	if err != nil {
		return [Length]byte{}, err
	}
	if f.used != Length {
		return [Length]byte{}, ErrPending
	}

	sof := indexByte(f.buf[:], sof0)
	if sof < 0 {
		f.FramingErrors++
		f.used = 0
		return [Length]byte{}, ErrPending
	}
	if sof != 0 {
		f.FramingErrors++
		f.shiftTo(sof)
		return [Length]byte{}, ErrPending
	}

	if f.buf[1] != sof1 {
		return f.resyncAfter(0)
	}

	if f.buf[Length-2] != eof0 || f.buf[Length-1] != eof1 {
		return f.resyncAfter(0)
	}

	f.FramesOK++
	f.ByteLast = f.bytesRead - Length
	return f.buf, nil
}

// resyncAfter is called once a candidate SOF at offset 0 has been
// rejected (wrong second SOF byte, or missing EOF).  It searches for
// the next '*' starting after the rejected one and shifts it to the
// buffer start, mirroring the original framer's skipsof0 path.
func (f *Framer) resyncAfter(from int) ([Length]byte, error) {
	sof := indexByte(f.buf[from+1:], sof0)
	f.FramingErrors++
	if sof < 0 {
		f.used = 0
		return [Length]byte{}, ErrPending
	}
	f.shiftTo(from + 1 + sof)
	return [Length]byte{}, ErrPending
}

// shiftTo moves the tail of the buffer starting at offset to the
// buffer's start, keeping it as a basis for the next frame attempt.
func (f *Framer) shiftTo(offset int) {
	f.used = Length - offset
	copy(f.buf[:f.used], f.buf[offset:Length])
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
