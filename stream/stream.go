// Package stream opens the byte-oriented connection to an entropy key
// device, dispatching on what kind of file the device path names: a
// UNIX socket, a character device (put into raw mode at 115200 baud),
// or a plain file (treated as a pre-recorded capture, read/written from
// its end).
package stream

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Stream is an open, byte-counted connection to a device or file.
type Stream struct {
	URI string

	rw interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
	}
	closer func() error

	BytesRead    uint64
	BytesWritten uint64
}

// Open opens uri, dispatching on its file type.
func Open(uri string) (*Stream, error) {
	fi, err := os.Stat(uri)
	if err != nil {
		return nil, err
	}

	switch {
	case fi.Mode()&os.ModeSocket != 0:
		return openSocket(uri)
	case fi.Mode()&os.ModeCharDevice != 0:
		return openTTY(uri)
	default:
		return openFile(uri)
	}
}

func openSocket(uri string) (*Stream, error) {
	conn, err := net.Dial("unix", uri)
	if err != nil {
		return nil, err
	}
	return &Stream{URI: uri, rw: conn, closer: conn.Close}, nil
}

func openFile(uri string) (*Stream, error) {
	f, err := os.OpenFile(uri, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, err
	}
	return &Stream{URI: uri, rw: f, closer: f.Close}, nil
}

func openTTY(uri string) (*Stream, error) {
	f, err := os.OpenFile(uri, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}

	if err := setRawMode(int(f.Fd())); err != nil {
		// Matching the original daemon's behaviour, a failure to set TTY
		// attributes is not fatal: the error is discarded and the stream
		// is still returned.
		_ = err
	}

	return &Stream{URI: uri, rw: f, closer: f.Close}, nil
}

// setRawMode configures fd the way the entropy key expects: 8N1 at
// 115200 baud, no software or hardware flow control, no line
// discipline processing.
func setRawMode(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Cflag &^= unix.CSIZE | unix.CSTOPB | unix.PARENB | unix.CLOCAL |
		unix.CREAD | unix.PARODD | unix.CRTSCTS | unix.CBAUD
	t.Iflag &^= unix.BRKINT | unix.IGNPAR | unix.PARMRK | unix.INPCK |
		unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON |
		unix.IXOFF | unix.IXANY
	t.Iflag |= unix.IGNBRK
	t.Oflag &^= unix.OPOST | unix.OCRNL | unix.ONOCR | unix.ONLRET
	t.Lflag &^= unix.ISIG | unix.ICANON | unix.IEXTEN | unix.ECHO |
		unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.NOFLSH | unix.TOSTOP
	t.Cflag |= unix.CS8 | unix.HUPCL | unix.CREAD | unix.CLOCAL
	t.Cflag |= unix.B115200

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("stream: set tty attributes: %w", err)
	}
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}

// Read reads from the stream, tracking the total bytes read.
func (s *Stream) Read(buf []byte) (int, error) {
	n, err := s.rw.Read(buf)
	if n > 0 {
		s.BytesRead += uint64(n)
	}
	return n, err
}

// Write writes to the stream, tracking the total bytes written.
func (s *Stream) Write(buf []byte) (int, error) {
	n, err := s.rw.Write(buf)
	if n > 0 {
		s.BytesWritten += uint64(n)
	}
	return n, err
}

// Close releases the stream's underlying descriptor.
func (s *Stream) Close() error {
	return s.closer()
}
