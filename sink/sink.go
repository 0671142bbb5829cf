// Package sink implements the output destinations entropy can be
// delivered to once it has been decrypted off the wire: the kernel's
// entropy pool, a plain file, or a foldback function that hands the
// bytes to an external collaborator instead of consuming them here.
package sink

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rndAddEntropy is Linux's RNDADDENTROPY ioctl request number, from
// linux/random.h.
const rndAddEntropy = 0x40085203

// Sink accepts decoded entropy bytes.
type Sink interface {
	Write(p []byte) (int, error)
}

// File is a sink that appends to a plain file.
type File struct {
	f *os.File
}

// OpenFile opens (creating if necessary) path for append writes.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

// Write implements Sink.
func (s *File) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Close releases the underlying file.
func (s *File) Close() error {
	return s.f.Close()
}

// randPoolInfo mirrors linux/random.h's struct rand_pool_info, sized
// for a fixed maximum payload so it can be built without cgo.
type randPoolInfo struct {
	entropyCount int32
	bufSize      int32
	buf          [256]uint32
}

// Kernel is a sink that feeds entropy directly into the running
// kernel's random pool via RNDADDENTROPY, crediting bitsPerByte bits of
// entropy for every byte written.
type Kernel struct {
	f           *os.File
	bitsPerByte int
}

// OpenKernel opens the kernel random device at path (typically
// /dev/random) for entropy injection.
func OpenKernel(path string, bitsPerByte int) (*Kernel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Kernel{f: f, bitsPerByte: bitsPerByte}, nil
}

// Write implements Sink, crediting k.bitsPerByte*len(p) bits of entropy
// to the kernel pool for the bytes in p. Only the first 1024 bytes of p
// (the size of the request buffer) are passed to the kernel, and the
// returned count covers only those.
func (k *Kernel) Write(p []byte) (int, error) {
	if len(p) > len(randPoolInfo{}.buf)*4 {
		p = p[:len(randPoolInfo{}.buf)*4]
	}

	info := randPoolInfo{
		entropyCount: int32(len(p) * k.bitsPerByte),
		bufSize:      int32(len(p)),
	}
	for i, b := range p {
		info.buf[i/4] |= uint32(b) << uint((i%4)*8)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, k.f.Fd(), uintptr(rndAddEntropy), uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return 0, errno
	}
	return len(p), nil
}

// Close releases the kernel device descriptor.
func (k *Kernel) Close() error {
	return k.f.Close()
}

// Foldback is a sink that hands bytes to a caller-provided function
// instead of consuming them itself, mirroring the original daemon's
// ability to feed entropy back into its scripting host rather than a
// kernel or file sink.
type Foldback struct {
	fn func([]byte) (int, error)
}

// NewFoldback wraps fn as a Sink.
func NewFoldback(fn func([]byte) (int, error)) *Foldback {
	return &Foldback{fn: fn}
}

// Write implements Sink.
func (f *Foldback) Write(p []byte) (int, error) {
	return f.fn(p)
}
