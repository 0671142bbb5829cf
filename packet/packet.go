// Package packet decodes entropy key protocol frames into typed,
// MAC-verified packets.
//
// A frame's bytes 2-3 carry a one-character packet type and a
// one-character payload class ('>' ASCII, '!' binary).  Bytes 4-53 are
// the 50-byte payload; for binary packets the first two payload bytes
// are a PEM64-encoded 12-bit subcode and the remaining 48 characters
// PEM64-encode up to 36 bytes of data, while ASCII packets use the full
// 50 bytes as space-padded text.  Bytes 54-61 are an 8-character PEM64
// MAC computed with Skein over bytes 2-53.
package packet

import (
	"errors"

	"github.com/BlameOmar/ekeyd/framing"
	"github.com/BlameOmar/ekeyd/internal/skein"
	"github.com/BlameOmar/ekeyd/pem64"
)

// Type identifies the kind of a decoded packet.
type Type int

// Packet types, matching the single-character tags on the wire.
const (
	TypeNone Type = iota
	TypeKeyRejected
	TypeSerial
	TypeInfo
	TypeWarn
	TypeEntropy
	TypeKeyReq
	TypeKey
	TypeLTRekeyMAC
	TypeLTRekey
)

const (
	classASCII  = '>'
	classBinary = '!'
)

// ErrUnknownType is returned when a frame's type byte doesn't match any
// known packet type.
var ErrUnknownType = errors.New("packet: unknown packet type")

// ErrBadClass is returned when a frame's class byte is neither the
// ASCII nor the binary tag.
var ErrBadClass = errors.New("packet: unrecognised payload class")

// Packet is a decoded frame.
type Packet struct {
	Type    Type
	Subcode [2]byte
	Data    []byte
}

// SubcodeValue decodes the packet's 12-bit PEM64 subcode.
func (p Packet) SubcodeValue() uint16 {
	return pem64.Decode12(string(p.Subcode[:]))
}

// Decoder turns frames into packets, verifying each packet's MAC
// against whatever session key is currently armed.
type Decoder struct {
	mac   *skein.State
	armed bool

	PacketsOK    uint32
	PacketErrors uint32
}

// NewDecoder returns a Decoder with no session key armed.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// SetSessionKey arms the decoder's MAC with serial and sessionKey. It
// is a no-op if either is nil, mirroring the protocol's rule that the
// MAC state is only replaced once both a serial number and a key are
// known.
func (d *Decoder) SetSessionKey(serial, sessionKey []byte) {
	if serial == nil || sessionKey == nil {
		return
	}
	st := skein.Prepare(serial, sessionKey, skein.PersonalisationMAC)
	d.mac = &st
	d.armed = true
}

// Decode classifies and decodes a single frame.  It returns
// ErrUnknownType or ErrBadClass for malformed frames; a MAC failure is
// not an error, it is reported by rewriting the returned packet's Type
// to TypeKeyRejected, matching the protocol's own handling so the
// connection state machine can react to it as an ordinary transition.
func (d *Decoder) Decode(frame [framing.Length]byte) (Packet, error) {
	typ, err := classify(frame[2])
	if err != nil {
		return Packet{}, err
	}

	class := frame[3]
	if class != classASCII && class != classBinary {
		d.PacketErrors++
		return Packet{}, ErrBadClass
	}

	if !(d.mac == nil && typ == TypeSerial) {
		if !d.verifyMAC(frame) {
			d.PacketErrors++
			typ = TypeKeyRejected
		} else {
			d.PacketsOK++
		}
	} else {
		d.PacketsOK++
	}

	pkt := decodePayload(frame, class)
	pkt.Type = typ
	return pkt, nil
}

func classify(b byte) (Type, error) {
	switch b {
	case 'S':
		return TypeSerial, nil
	case 'I':
		return TypeInfo, nil
	case 'W':
		return TypeWarn, nil
	case 'E':
		return TypeEntropy, nil
	case 'k':
		return TypeKeyReq, nil
	case 'K':
		return TypeKey, nil
	case 'M':
		return TypeLTRekeyMAC, nil
	case 'L':
		return TypeLTRekey, nil
	default:
		return TypeNone, ErrUnknownType
	}
}

func (d *Decoder) verifyMAC(frame [framing.Length]byte) bool {
	if d.mac == nil {
		return false
	}
	pktMAC := pem64.Decode(string(frame[54:62]))
	if len(pktMAC) != 6 {
		return false
	}

	st := d.mac.Clone()
	st.Update(frame[2:54])
	digest := st.FinalPad()
	truncated := skein.TruncatedMAC(digest)

	return truncated[0] == pktMAC[0] && truncated[1] == pktMAC[1] && truncated[2] == pktMAC[2] &&
		truncated[3] == pktMAC[3] && truncated[4] == pktMAC[4] && truncated[5] == pktMAC[5]
}

func decodePayload(frame [framing.Length]byte, class byte) Packet {
	var pkt Packet
	if class == classBinary {
		pkt.Subcode[0] = frame[4]
		pkt.Subcode[1] = frame[5]
		pkt.Data = pem64.Decode(string(frame[6:54]))
		return pkt
	}

	end := 54
	for end > 4 && frame[end-1] == ' ' {
		end--
	}
	pkt.Data = append([]byte{}, frame[4:end]...)
	return pkt
}
