// Package skein wraps a keyed, domain-separated message digest used
// throughout the entropy key protocol for packet MACs, session key
// derivation, session keystream generation, and long-term rekeying.
//
// The wire protocol names this primitive "Skein-256" and personalises
// each use with one of five fixed 96-byte ASCII strings so that a
// digest computed for one purpose can never be replayed as a digest for
// another.  Reimplementing Skein bit-for-bit is out of scope here: this
// package reproduces the primitive's required semantics -- a keyed
// digest, domain separation via personalisation, and an "armed" context
// that is a plain value (so a caller can stash it, copy it cheaply with
// an ordinary Go assignment, and finalise the copy many times with
// different trailing data) -- as an HMAC-SHA256 construction instead.
package skein

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Size is the digest length in bytes.
const Size = 32

// maxUpdate bounds the amount of data armed State accumulates between
// Prepare and Final.  The largest message the protocol feeds a prepared
// state is the 52 bytes a frame MAC covers; key derivation feeds a
// 32-byte value plus a 12-byte nonce.
const maxUpdate = 64

// State is an armed, personalised digest context.  It holds no pointers
// and no references into caller-owned memory, so copying a State by
// assignment produces an independent value, matching the protocol's
// requirement that primitive state be cheap, plain-memory-copyable.
type State struct {
	key [Size]byte
	buf [maxUpdate]byte
	n   int
}

// Prepare arms a State keyed on serial and secret, domain-separated by
// personalisation.  serial is typically a 12-byte device serial number,
// secret a 32-byte shared secret (the default session key or a
// long-term key), and personalisation one of the Personalisation*
// constants below.
func Prepare(serial, secret, personalisation []byte) State {
	mac := hmac.New(sha256.New, append(append([]byte{}, serial...), secret...))
	mac.Write(personalisation)
	var st State
	copy(st.key[:], mac.Sum(nil))
	return st
}

// Clone returns an independent copy of s.  Because State is a plain
// value type, this is equivalent to a bare assignment; the method
// exists to make the copy-before-finalising pattern explicit at call
// sites that finalise the same armed state multiple ways.
func (s State) Clone() State {
	return s
}

// Update appends data to the state's pending message.  It panics if the
// total pending data would exceed the protocol's known maximum, which
// indicates a programming error rather than a runtime condition a
// caller can recover from.
func (s *State) Update(data []byte) {
	if s.n+len(data) > len(s.buf) {
		panic("skein: Update exceeds maximum pending message size")
	}
	copy(s.buf[s.n:], data)
	s.n += len(data)
}

// Final finalises the state, consuming everything accumulated since
// Prepare, including data added before the value was copied.  It does
// not mutate s.
func (s State) Final() [Size]byte {
	mac := hmac.New(sha256.New, s.key[:])
	mac.Write(s.buf[:s.n])
	var out [Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// FinalPad finalises the state the same way Final does.  It is kept as
// a distinct name because the protocol's packet MAC and rekey MAC use
// a padded finalisation mode in the original Skein construction; this
// HMAC-based stand-in has no equivalent distinction; the two always
// agree.
func (s State) FinalPad() [Size]byte {
	return s.Final()
}

// TruncatedMAC extracts the 6-byte truncated MAC the protocol embeds in
// a frame: the digest's first three bytes followed by its last three.
func TruncatedMAC(digest [Size]byte) [6]byte {
	var out [6]byte
	copy(out[0:3], digest[0:3])
	copy(out[3:6], digest[29:32])
	return out
}

// Personalisation strings. Each is exactly 96 ASCII bytes, space-padded,
// and must never change: they are part of the wire-level key schedule,
// not documentation.
var (
	PersonalisationLongTermRekey          = []byte("20090609 support@simtec.co.uk EntropyKey/v1/LongTermReKeyingState                               ")
	PersonalisationSessionRekey           = []byte("20090609 support@simtec.co.uk EntropyKey/v1/ReKeyingState                                       ")
	PersonalisationMAC                    = []byte("20090609 support@simtec.co.uk EntropyKey/v1/MessageAuthenticationCodeState                      ")
	PersonalisationEntropyEncryption      = []byte("20090609 support@simtec.co.uk EntropyKey/v1/EntropyEncryptionState                              ")
	PersonalisationLongTermRekeyMAC       = []byte("20090609 support@simtec.co.uk EntropyKey/v1/MessageAuthenticationCodeStateForLongTermReKeying   ")
)
