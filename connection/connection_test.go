package connection

import (
	"bytes"
	"testing"

	"github.com/pion/logging"

	"github.com/BlameOmar/ekeyd/internal/skein"
	"github.com/BlameOmar/ekeyd/packet"
	"github.com/BlameOmar/ekeyd/pem64"
)

type fakeLookup struct {
	serial [12]byte
	key    [32]byte
	found  bool
}

func (f fakeLookup) Lookup(serial [12]byte) ([32]byte, bool) {
	if serial != f.serial {
		return [32]byte{}, false
	}
	return f.key, f.found
}

type fakeSink struct {
	got []byte
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.got = append(s.got, p...)
	return len(p), nil
}

func newTestConnection(lookup KeyLookup) (*Connection, *bytes.Buffer, *fakeSink) {
	stream := &bytes.Buffer{}
	out := &fakeSink{}
	c := New(stream, out, lookup, logging.NewDefaultLoggerFactory().NewLogger("test"))
	return c, stream, out
}

func serialOf(s string) [12]byte {
	var out [12]byte
	copy(out[:], s)
	return out
}

func TestSnumHandlerAcceptsKnownSerial(t *testing.T) {
	serial := serialOf("abcdefghijkl")
	lookup := fakeLookup{serial: serial, key: [32]byte{1, 2, 3}, found: true}
	c, _, _ := newTestConnection(lookup)

	pkt := packet.Packet{Type: packet.TypeSerial, Data: serial[:]}
	next := snumHandler(c, pkt)

	if next != StateSession {
		t.Fatalf("state = %v, want StateSession", next)
	}
	if c.ltkey != lookup.key {
		t.Fatalf("ltkey not recorded")
	}
}

func TestSnumHandlerRejectsUnknownSerial(t *testing.T) {
	serial := serialOf("abcdefghijkl")
	lookup := fakeLookup{serial: serial, found: false}
	c, _, _ := newTestConnection(lookup)

	pkt := packet.Packet{Type: packet.TypeSerial, Data: serial[:]}
	next := snumHandler(c, pkt)

	if next != StateUntrusted {
		t.Fatalf("state = %v, want StateUntrusted", next)
	}
}

func TestSnumHandlerRejectsMismatchAfterFirst(t *testing.T) {
	serial := serialOf("abcdefghijkl")
	lookup := fakeLookup{serial: serial, key: [32]byte{1}, found: true}
	c, _, _ := newTestConnection(lookup)

	pkt := packet.Packet{Type: packet.TypeSerial, Data: serial[:]}
	if next := snumHandler(c, pkt); next != StateSession {
		t.Fatalf("first snum: state = %v, want StateSession", next)
	}

	other := serialOf("zzzzzzzzzzzz")
	pkt2 := packet.Packet{Type: packet.TypeSerial, Data: other[:]}
	next := snumHandler(c, pkt2)
	if next != StateUntrusted {
		t.Fatalf("mismatched snum: state = %v, want StateUntrusted", next)
	}
}

func TestSnumHandlerShortPayloadResets(t *testing.T) {
	c, stream, _ := newTestConnection(fakeLookup{})
	pkt := packet.Packet{Type: packet.TypeSerial, Data: []byte("short")}

	next := snumHandler(c, pkt)

	if next != StateInit {
		t.Fatalf("state = %v, want StateInit", next)
	}
	if stream.Len() != 1 || stream.Bytes()[0] != 0x03 {
		t.Fatalf("expected a single reset byte written, got %v", stream.Bytes())
	}
}

func TestKeyReqThenKeyHandlerDerivesSessionKey(t *testing.T) {
	serial := serialOf("abcdefghijkl")
	ltk := [32]byte{9, 9, 9}
	c, stream, _ := newTestConnection(fakeLookup{serial: serial, key: ltk, found: true})
	c.snum = append([]byte{}, serial[:]...)
	c.snumSet = true
	c.ltkey = ltk

	next := keyReqHandler(c, packet.Packet{})
	if next != StateSessionSent {
		t.Fatalf("state = %v, want StateSessionSent", next)
	}
	if stream.Len() == 0 || stream.Bytes()[0] != 'K' {
		t.Fatalf("expected a K-prefixed key request on the wire, got %v", stream.Bytes())
	}

	nonceLen := c.nonceLen
	deviceKeyMaterial := bytes.Repeat([]byte{0x42}, 32)
	keyPkt := packet.Packet{
		Type: packet.TypeKey,
		Data: deviceKeyMaterial,
	}
	sub := pem64.Encode12(uint16(nonceLen))
	copy(keyPkt.Subcode[:], sub)

	next = keyHandler(c, keyPkt)
	if next != StateKeyedFirst {
		t.Fatalf("state = %v, want StateKeyedFirst", next)
	}
	if !c.haveSessionKey {
		t.Fatalf("expected a session key to be armed")
	}
	if c.Stats.ConnectionRekeys != 1 {
		t.Fatalf("ConnectionRekeys = %d, want 1", c.Stats.ConnectionRekeys)
	}
}

func TestKeyHandlerRejectsMismatchedNonce(t *testing.T) {
	c, stream, _ := newTestConnection(fakeLookup{})
	c.nonce = make([]byte, 12)
	c.nonceLen = 12

	keyPkt := packet.Packet{Type: packet.TypeKey, Data: bytes.Repeat([]byte{1}, 32)}
	copy(keyPkt.Subcode[:], pem64.Encode12(7))

	next := keyHandler(c, keyPkt)
	if next != StateInit {
		t.Fatalf("state = %v, want StateInit (reset)", next)
	}
	if stream.Len() == 0 {
		t.Fatalf("expected a reset byte to be written")
	}
}

func TestEntropyHandlerDecryptsAndForwards(t *testing.T) {
	c, _, out := newTestConnection(fakeLookup{})
	c.snum = append([]byte{}, serialOf("abcdefghijkl")[:]...)
	sessionKey := bytes.Repeat([]byte{0x11}, 32)
	c.sessionState = skein.Prepare(c.snum, sessionKey, skein.PersonalisationEntropyEncryption)
	c.haveSessionKey = true

	st := c.sessionState.Clone()
	subcode := [2]byte{'A', 'A'}
	st.Update(subcode[:])
	keystream := st.Final()

	plaintext := bytes.Repeat([]byte{0xAB}, 32)
	cipher := make([]byte, 32)
	for i := range cipher {
		cipher[i] = plaintext[i] ^ keystream[i]
	}

	pkt := packet.Packet{Type: packet.TypeEntropy, Subcode: subcode, Data: cipher}
	next := entropyHandler(c, pkt)

	if next != StateKeyed {
		t.Fatalf("state = %v, want StateKeyed", next)
	}
	if !bytes.Equal(out.got, plaintext) {
		t.Fatalf("decrypted entropy = %x, want %x", out.got, plaintext)
	}
	if c.Stats.TotalEntropy != 32 {
		t.Fatalf("TotalEntropy = %d, want 32", c.Stats.TotalEntropy)
	}
}

func TestEntropyHandlerTriggersRekeyAtSequenceBoundary(t *testing.T) {
	c, stream, _ := newTestConnection(fakeLookup{})
	c.snum = append([]byte{}, serialOf("abcdefghijkl")[:]...)
	sessionKey := bytes.Repeat([]byte{0x22}, 32)
	c.sessionState = skein.Prepare(c.snum, sessionKey, skein.PersonalisationEntropyEncryption)
	c.haveSessionKey = true

	subcode := []byte(pem64.Encode12(rekeyBoundary))
	var sc [2]byte
	copy(sc[:], subcode)

	st := c.sessionState.Clone()
	st.Update(sc[:])
	keystream := st.Final()
	cipher := make([]byte, 32)
	for i := range cipher {
		cipher[i] = keystream[i]
	}

	pkt := packet.Packet{Type: packet.TypeEntropy, Subcode: sc, Data: cipher}
	next := entropyHandler(c, pkt)

	if next != StateSessionSent {
		t.Fatalf("state = %v, want StateSessionSent (rekey triggered)", next)
	}
	if stream.Len() == 0 || stream.Bytes()[0] != 'K' {
		t.Fatalf("expected an automatic key request on the wire, got %v", stream.Bytes())
	}
}

func TestKeyReqCountHandlerResetsAfterThreshold(t *testing.T) {
	c, stream, _ := newTestConnection(fakeLookup{})
	c.state = StateSessionSent

	var state State
	for i := 0; i < maxPacketsBeforeReset; i++ {
		state = keyReqCountHandler(c, packet.Packet{})
		if state != StateSessionSent {
			t.Fatalf("iteration %d: state = %v, want StateSessionSent", i, state)
		}
	}
	if stream.Len() != 0 {
		t.Fatalf("expected no reset written before threshold, got %v", stream.Bytes())
	}

	state = keyReqCountHandler(c, packet.Packet{})
	if state != StateInit {
		t.Fatalf("state after threshold = %v, want StateInit", state)
	}
	if stream.Len() == 0 || stream.Bytes()[len(stream.Bytes())-1] != 0x03 {
		t.Fatalf("expected a reset byte written after threshold, got %v", stream.Bytes())
	}
}

func TestBadKeyCountHandlerResetsAfterThreshold(t *testing.T) {
	c, stream, _ := newTestConnection(fakeLookup{})
	c.state = StateKeyedBad

	var state State
	for i := 0; i < maxRekeysBeforeReset; i++ {
		state = badKeyCountHandler(c, packet.Packet{})
		if state != StateKeyedBad {
			t.Fatalf("iteration %d: state = %v, want StateKeyedBad", i, state)
		}
	}
	if stream.Len() != 0 {
		t.Fatalf("expected no reset written before threshold, got %v", stream.Bytes())
	}

	state = badKeyCountHandler(c, packet.Packet{})
	if state != StateInit {
		t.Fatalf("state after threshold = %v, want StateInit", state)
	}
}

func TestInfoHandlerParsesTemperatureAndVoltage(t *testing.T) {
	c, _, _ := newTestConnection(fakeLookup{})
	pkt := packet.Packet{Type: packet.TypeInfo, Data: []byte("T293 V50")}

	next := infoHandler(c, pkt)

	if next != c.state {
		t.Fatalf("info handler should not change state")
	}
	if c.Stats.KeyTemperatureK != 293 {
		t.Fatalf("KeyTemperatureK = %d, want 293", c.Stats.KeyTemperatureK)
	}
	if c.Stats.KeyVoltage != 50 {
		t.Fatalf("KeyVoltage = %d, want 50", c.Stats.KeyVoltage)
	}
}

func TestStatusReflectsState(t *testing.T) {
	c, _, _ := newTestConnection(fakeLookup{})

	c.state = StateKeyed
	if got := c.Status(); got != StatusKeyed {
		t.Fatalf("Status() = %v, want StatusKeyed", got)
	}

	c.state = StateKeyedBad
	if got := c.Status(); got != StatusBadKey {
		t.Fatalf("Status() = %v, want StatusBadKey", got)
	}

	c.state = StateClose
	if got := c.Status(); got != StatusKeyClosed {
		t.Fatalf("Status() = %v, want StatusKeyClosed", got)
	}
}
