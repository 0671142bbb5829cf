// Package connection implements the entropy key device connection
// state machine: an eight-state session over a framed, MAC-authenticated
// byte stream that negotiates a per-session key against a device's
// long-term key and then decrypts and forwards the entropy it streams.
//
// The state machine is driven one packet at a time by Step, which never
// blocks on its own and never starts a goroutine; the caller supplies
// readiness (via however it learns the underlying stream is readable)
// and the state machine does exactly one read-decode-dispatch cycle per
// call.
package connection

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"time"

	"github.com/dchest/siphash"
	"github.com/pion/logging"

	"github.com/BlameOmar/ekeyd/csrand"
	"github.com/BlameOmar/ekeyd/framing"
	"github.com/BlameOmar/ekeyd/internal/skein"
	"github.com/BlameOmar/ekeyd/packet"
	"github.com/BlameOmar/ekeyd/pem64"
	"github.com/BlameOmar/ekeyd/sink"
)

// State is a connection state machine state.
type State int

// The eight connection states.
const (
	StateInit State = iota
	StateClose
	StateUntrusted
	StateSession
	StateSessionSent
	StateKeyedFirst
	StateKeyedBad
	StateKeyed
	stateCount
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateClose:
		return "close"
	case StateUntrusted:
		return "untrusted"
	case StateSession:
		return "session"
	case StateSessionSent:
		return "session-sent"
	case StateKeyedFirst:
		return "keyed-first"
	case StateKeyedBad:
		return "keyed-bad"
	case StateKeyed:
		return "keyed"
	default:
		return "unknown"
	}
}

// Status is an operator-facing summary of a connection's health,
// coarser than State.
type Status int

// Status values.
const (
	StatusUnknown Status = iota
	StatusGoodSerial
	StatusUnknownSerial
	StatusBadKey
	StatusGoneBad
	StatusKeyed
	StatusKeyClosed
)

// maxRekeysBeforeReset bounds how many repeated KEYREQ packets are
// tolerated in StateKeyedBad before the connection is reset outright.
const maxRekeysBeforeReset = 50

// maxPacketsBeforeReset bounds how many repeated KEYREQ packets are
// tolerated in StateSessionSent before the connection is reset.
const maxPacketsBeforeReset = 5

// minShannonSize is the minimum sample size an INFO packet's Shannon
// estimate fields must report before they're trusted.
const minShannonSize = 100

// rekeyBoundary is the zero-indexed entropy sequence number that
// triggers an automatic session rekey.
const rekeyBoundary = 4095

var defaultSessionKey [32]byte

// KeyLookup resolves a device serial number to its long-term key.
type KeyLookup interface {
	Lookup(serial [12]byte) ([32]byte, bool)
}

// Stats holds a connection's running counters, named to match the
// fields the original daemon exposed to its scripting host.
// BytesRead, BytesWritten, ConnectionTime and FipsFrameRate are not
// updated by this package.
type Stats struct {
	BytesRead      uint64
	BytesWritten   uint64
	FrameByteLast  uint64
	FramingErrors  uint32
	FramesOK       uint32
	PacketErrors   uint32
	PacketOK       uint32
	TotalEntropy   uint64
	ConnectionPkts uint32

	ConnectionResets  uint32
	ConnectionNonces  uint32
	ConnectionRekeys  uint32
	ConnectionTime    time.Time
	KeyTemperatureK   uint32
	KeyVoltage        uint32
	FipsFrameRate     uint32
	KeyRawShannonL    uint32
	KeyRawShannonR    uint32
	KeyRawShannonX    uint32
	KeyDbsdShannonL   uint32
	KeyDbsdShannonR   uint32
	KeyRawBadness     byte
}

type handlerFunc func(c *Connection, pkt packet.Packet) State

var dispatch [stateCount][10]handlerFunc

func init() {
	for s := State(0); s < stateCount; s++ {
		h := resetHandler
		switch s {
		case StateClose, StateUntrusted, StateKeyedBad:
			h = nullHandler
		}
		for t := 0; t < 10; t++ {
			dispatch[s][t] = h
		}
	}

	dispatch[StateInit][packet.TypeSerial] = snumHandler

	dispatch[StateSession][packet.TypeInfo] = infoHandler
	dispatch[StateSession][packet.TypeKeyReq] = keyReqHandler

	dispatch[StateSessionSent][packet.TypeKeyReq] = keyReqCountHandler
	dispatch[StateSessionSent][packet.TypeInfo] = infoHandler
	dispatch[StateSessionSent][packet.TypeKey] = keyHandler

	dispatch[StateKeyedFirst][packet.TypeEntropy] = entropyHandler
	dispatch[StateKeyedFirst][packet.TypeInfo] = infoHandler
	dispatch[StateKeyedFirst][packet.TypeKeyRejected] = badKeyHandler

	dispatch[StateKeyedBad][packet.TypeKeyReq] = badKeyCountHandler

	dispatch[StateKeyed][packet.TypeEntropy] = entropyHandler
	dispatch[StateKeyed][packet.TypeInfo] = infoHandler
	dispatch[StateKeyed][packet.TypeKeyReq] = keyReqHandler
}

// Result is the outcome of a single Step call.
type Result int

// Step results.
const (
	// Pending means no complete frame was available; call Step again
	// once the stream is ready.
	Pending Result = iota
	// Processed means a packet was read and dispatched.
	Processed
	// Closed means the connection's underlying stream ended and the
	// state machine has moved to StateClose.
	Closed
)

// Connection is one entropy key device's protocol state machine.
type Connection struct {
	log logging.LeveledLogger

	stream  io.ReadWriter
	output  sink.Sink
	framer  *framing.Framer
	decoder *packet.Decoder
	lookup  KeyLookup

	state State

	snum    []byte
	snumSet bool
	corrTag uint64

	ltkey [32]byte

	sessionState   skein.State
	haveSessionKey bool

	nonce     []byte
	nonceLen  int
	conNonces uint32

	keyreqCounter uint32

	Stats Stats
}

// sipKey is a process-random key used only to derive a connection's log
// correlation tag; it never touches the wire protocol.
var sipKey = func() [16]byte {
	var k [16]byte
	if err := csrand.Bytes(k[:]); err != nil {
		// If crypto/rand fails the key stays all-zero: tags still
		// differ per serial, but are the same in every process.
	}
	return k
}()

// New creates a connection over stream, delivering decrypted entropy to
// output and resolving long-term keys via lookup. log may be nil.
func New(stream io.ReadWriter, output sink.Sink, lookup KeyLookup, log logging.LeveledLogger) *Connection {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("connection")
	}
	return &Connection{
		log:     log,
		stream:  stream,
		output:  output,
		framer:  framing.New(),
		decoder: packet.NewDecoder(),
		lookup:  lookup,
		state:   StateInit,
		Stats:   Stats{ConnectionTime: time.Unix(0, 0)},
	}
}

// State returns the connection's current state machine state.
func (c *Connection) State() State {
	return c.state
}

// Status summarises the connection's state machine state the way an
// operator tool would want to report it.
func (c *Connection) Status() Status {
	switch c.state {
	case StateInit:
		if c.snumSet {
			return StatusGoodSerial
		}
		return StatusUnknown
	case StateUntrusted:
		if c.snumSet && c.ltkeyMissing() {
			return StatusUnknownSerial
		}
		return StatusUnknownSerial
	case StateKeyedBad:
		return StatusBadKey
	case StateSession, StateSessionSent:
		return StatusGoodSerial
	case StateKeyedFirst, StateKeyed:
		if c.Stats.KeyRawBadness != 0 {
			return StatusGoneBad
		}
		return StatusKeyed
	case StateClose:
		return StatusKeyClosed
	default:
		return StatusUnknown
	}
}

func (c *Connection) ltkeyMissing() bool {
	var zero [32]byte
	return c.ltkey == zero
}

// logID returns the connection's log correlation tag, or "unknown" if
// no serial number has been established yet.
func (c *Connection) logID() string {
	if !c.snumSet {
		return "unknown"
	}
	return strconv.FormatUint(c.corrTag, 16)
}

// Step performs one read-decode-dispatch cycle.
func (c *Connection) Step() (Result, error) {
	if c.state == StateClose {
		return Closed, nil
	}

	frame, err := c.framer.Step(c.stream)
	if err == framing.ErrPending {
		c.Stats.FramingErrors = c.framer.FramingErrors
		c.Stats.FramesOK = c.framer.FramesOK
		return Pending, nil
	}
	if err == io.EOF {
		c.state = StateClose
		return Closed, nil
	}
	if err != nil {
		c.state = StateClose
		return Closed, err
	}
	c.Stats.FrameByteLast = c.framer.ByteLast
	c.Stats.FramesOK = c.framer.FramesOK

	pkt, err := c.decoder.Decode(frame)
	c.Stats.PacketOK = c.decoder.PacketsOK
	c.Stats.PacketErrors = c.decoder.PacketErrors
	if err != nil {
		// A malformed packet is dropped; the current state's default
		// action (reset or ignore) is applied.
		c.log.Warnf("%s: dropping malformed packet: %v", c.logID(), err)
		c.state = dispatch[c.state][packet.TypeNone](c, pkt)
		return Processed, err
	}

	c.Stats.ConnectionPkts++
	c.state = dispatch[c.state][pkt.Type](c, pkt)
	return Processed, nil
}

func nullHandler(c *Connection, pkt packet.Packet) State {
	return c.state
}

func resetHandler(c *Connection, pkt packet.Packet) State {
	if _, err := c.stream.Write([]byte{0x03}); err != nil {
		c.log.Errorf("%s: reset write failed: %v", c.logID(), err)
	}
	c.decoder.SetSessionKey(c.snum, defaultSessionKey[:])
	c.Stats.ConnectionResets++
	return StateInit
}

func badKeyHandler(c *Connection, pkt packet.Packet) State {
	resetHandler(c, pkt)
	c.keyreqCounter = 0
	return StateKeyedBad
}

func badKeyCountHandler(c *Connection, pkt packet.Packet) State {
	if c.keyreqCounter < maxRekeysBeforeReset {
		c.keyreqCounter++
		return c.state
	}
	c.log.Warnf("%s: retrying keying process", c.logID())
	return resetHandler(c, pkt)
}

func infoHandler(c *Connection, pkt packet.Packet) State {
	data := pkt.Data
	for len(data) > 0 {
		switch data[0] {
		case 'F':
			// The FIPS frame count is not recorded and FipsFrameRate is
			// not updated; parsing of this packet stops here.
			data = nil
		case 'S':
			fields, badness, rest, ok := parseShannonFields(data[1:])
			if !ok {
				data = nil
				break
			}
			if fields[0] >= minShannonSize {
				c.Stats.KeyRawShannonL = fields[1] * 100 / fields[0]
				c.Stats.KeyRawShannonR = fields[2] * 100 / fields[0]
				c.Stats.KeyRawShannonX = fields[3] * 100 / fields[0]
			}
			if fields[4] >= minShannonSize {
				c.Stats.KeyDbsdShannonL = fields[5] * 100 / fields[4]
			}
			if fields[6] >= minShannonSize {
				c.Stats.KeyDbsdShannonR = fields[7] * 100 / fields[6]
			}
			c.Stats.KeyRawBadness = badness
			_ = rest
			data = nil
		case 'T':
			v, rest := parseUint(data[1:])
			c.Stats.KeyTemperatureK = v
			data = rest
		case 'V':
			v, rest := parseUint(data[1:])
			c.Stats.KeyVoltage = v
			data = rest
		case ' ':
			data = data[1:]
		default:
			data = nil
		}
	}
	return c.state
}

// parseShannonFields parses the eight decimal fields of an 'S' info
// element plus its trailing badness byte. It bounds-checks every read,
// unlike the original C parser, which could read one byte past a
// truncated 'S' element.
func parseShannonFields(data []byte) (fields [8]uint32, badness byte, rest []byte, ok bool) {
	cur := data
	for i := 0; i < 8; i++ {
		if len(cur) == 0 || cur[0] != ' ' {
			return fields, 0, nil, false
		}
		cur = cur[1:]
		var v uint32
		v, cur = parseUint(cur)
		fields[i] = v
	}
	if len(cur) < 2 || cur[0] != ' ' {
		return fields, 0, nil, false
	}
	return fields, cur[1], cur[2:], true
}

func parseUint(data []byte) (uint32, []byte) {
	i := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	v, _ := strconv.ParseUint(string(data[:i]), 10, 32)
	return uint32(v), data[i:]
}

func keyReqHandler(c *Connection, pkt packet.Packet) State {
	if c.nonce == nil {
		c.nonceLen = 12
		c.nonce = make([]byte, c.nonceLen)
	}

	if err := csrand.Bytes(c.nonce[4:c.nonceLen]); err != nil {
		c.log.Errorf("%s: unable to prepare nonce for keying, key no longer trusted", c.logID())
		return StateUntrusted
	}
	binary.LittleEndian.PutUint32(c.nonce[0:4], c.conNonces)

	msg := make([]byte, 0, 18)
	msg = append(msg, 'K')
	msg = append(msg, []byte(pem64.Encode(c.nonce))...)
	msg = append(msg, '.')
	if _, err := c.stream.Write(msg); err != nil {
		c.log.Errorf("%s: keyreq write failed: %v", c.logID(), err)
	}

	c.conNonces++
	c.Stats.ConnectionNonces = c.conNonces
	c.keyreqCounter = 0
	return StateSessionSent
}

func keyReqCountHandler(c *Connection, pkt packet.Packet) State {
	if c.keyreqCounter < maxPacketsBeforeReset {
		c.keyreqCounter++
		c.log.Warnf("%s: repeated key request (ignored)", c.logID())
		return StateSessionSent
	}
	c.log.Warnf("%s: too many key requests in a row, resetting", c.logID())
	return resetHandler(c, pkt)
}

func keyHandler(c *Connection, pkt packet.Packet) State {
	nonceLen := int(pkt.SubcodeValue())
	if nonceLen != c.nonceLen {
		c.log.Errorf("%s: mismatched nonce", c.logID())
		return resetHandler(c, pkt)
	}
	if len(pkt.Data) < 32 {
		c.log.Errorf("%s: short key response", c.logID())
		return resetHandler(c, pkt)
	}

	rekeying := skein.Prepare(c.snum, c.ltkey[:], skein.PersonalisationSessionRekey)
	rekeying.Update(pkt.Data[:32])
	rekeying.Update(c.nonce[:c.nonceLen])
	sessionKey := rekeying.Final()

	c.decoder.SetSessionKey(c.snum, sessionKey[:])
	c.sessionState = skein.Prepare(c.snum, sessionKey[:], skein.PersonalisationEntropyEncryption)
	c.haveSessionKey = true

	c.Stats.ConnectionRekeys++
	return StateKeyedFirst
}

func entropyHandler(c *Connection, pkt packet.Packet) State {
	if !c.haveSessionKey || len(pkt.Data) < 32 {
		return StateKeyed
	}

	seqNum := pkt.SubcodeValue()

	st := c.sessionState.Clone()
	st.Update(pkt.Subcode[:])
	keystream := st.Final()

	out := make([]byte, 32)
	for i := 0; i < 32; i++ {
		out[i] = pkt.Data[i] ^ keystream[i]
	}

	if _, err := c.output.Write(out); err != nil {
		c.log.Errorf("%s: entropy sink write failed: %v", c.logID(), err)
	}
	c.Stats.TotalEntropy += uint64(len(out))

	if seqNum == rekeyBoundary {
		return keyReqHandler(c, pkt)
	}
	return StateKeyed
}

func snumHandler(c *Connection, pkt packet.Packet) State {
	if len(pkt.Data) < 12 {
		return resetHandler(c, pkt)
	}

	if !c.snumSet {
		c.snum = append([]byte{}, pkt.Data[:12]...)
		c.snumSet = true
		c.corrTag = siphash.Hash(
			binary.LittleEndian.Uint64(sipKey[0:8]),
			binary.LittleEndian.Uint64(sipKey[8:16]),
			c.snum,
		)
	} else if !bytes.Equal(c.snum, pkt.Data[:12]) {
		c.log.Errorf("%s: serial number did not match key", c.logID())
		return StateUntrusted
	}

	c.decoder.SetSessionKey(c.snum, defaultSessionKey[:])

	var serial [12]byte
	copy(serial[:], c.snum)
	key, ok := c.lookup.Lookup(serial)
	if !ok {
		c.log.Errorf("%s: private key unavailable", c.logID())
		return StateUntrusted
	}
	c.ltkey = key

	return StateSession
}
