package packet

import (
	"bytes"
	"testing"

	"github.com/BlameOmar/ekeyd/framing"
	"github.com/BlameOmar/ekeyd/internal/skein"
	"github.com/BlameOmar/ekeyd/pem64"
)

func frameWith(typ, class byte, payload string) [framing.Length]byte {
	var f [framing.Length]byte
	f[0] = '*'
	f[1] = ' '
	f[2] = typ
	f[3] = class
	copy(f[4:54], payload)
	for i := 4 + len(payload); i < 54; i++ {
		f[i] = ' '
	}
	f[62] = '\r'
	f[63] = '\n'
	return f
}

func signFrame(f *[framing.Length]byte, serial, key []byte) {
	st := skein.Prepare(serial, key, skein.PersonalisationMAC)
	st.Update(f[2:54])
	digest := st.FinalPad()
	mac := skein.TruncatedMAC(digest)
	copy(f[54:62], pem64.Encode(mac[:]))
}

func TestDecodeUnarmedSerialPacketPasses(t *testing.T) {
	f := frameWith('S', '>', "123456789012")
	d := NewDecoder()
	pkt, err := d.Decode(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.Type != TypeSerial {
		t.Fatalf("got type %v, want TypeSerial", pkt.Type)
	}
	if d.PacketsOK != 1 {
		t.Fatalf("PacketsOK = %d, want 1", d.PacketsOK)
	}
}

func TestDecodeRejectsBadMAC(t *testing.T) {
	f := frameWith('I', '>', "hello")
	d := NewDecoder()
	d.SetSessionKey([]byte("123456789012"), bytes.Repeat([]byte{0}, 32))

	pkt, err := d.Decode(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.Type != TypeKeyRejected {
		t.Fatalf("got type %v, want TypeKeyRejected", pkt.Type)
	}
	if d.PacketErrors != 1 {
		t.Fatalf("PacketErrors = %d, want 1", d.PacketErrors)
	}
}

func TestDecodeAcceptsValidMAC(t *testing.T) {
	serial := []byte("123456789012")
	key := bytes.Repeat([]byte{0x42}, 32)

	f := frameWith('I', '>', "hello")
	signFrame(&f, serial, key)

	d := NewDecoder()
	d.SetSessionKey(serial, key)

	pkt, err := d.Decode(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.Type != TypeInfo {
		t.Fatalf("got type %v, want TypeInfo", pkt.Type)
	}
	if string(pkt.Data) != "hello" {
		t.Fatalf("got data %q", pkt.Data)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	f := frameWith('Z', '>', "")
	d := NewDecoder()
	if _, err := d.Decode(f); err != ErrUnknownType {
		t.Fatalf("got %v, want ErrUnknownType", err)
	}
}

func TestDecodeBadClass(t *testing.T) {
	f := frameWith('I', '?', "")
	d := NewDecoder()
	if _, err := d.Decode(f); err != ErrBadClass {
		t.Fatalf("got %v, want ErrBadClass", err)
	}
}

func TestDecodeBinaryPayload(t *testing.T) {
	serial := []byte("123456789012")
	key := bytes.Repeat([]byte{0x7}, 32)

	var f [framing.Length]byte
	f[0] = '*'
	f[1] = ' '
	f[2] = 'K'
	f[3] = '!'
	copy(f[4:6], pem64.Encode12(7))
	payload := bytes.Repeat([]byte{0xAB}, 32)
	enc := pem64.Encode(payload)
	copy(f[6:54], enc)
	for i := 6 + len(enc); i < 54; i++ {
		f[i] = ' '
	}
	f[62] = '\r'
	f[63] = '\n'
	signFrame(&f, serial, key)

	d := NewDecoder()
	d.SetSessionKey(serial, key)
	pkt, err := d.Decode(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.Type != TypeKey {
		t.Fatalf("got type %v, want TypeKey", pkt.Type)
	}
	if !bytes.Equal(pkt.Data, payload) {
		t.Fatalf("payload mismatch: got %v", pkt.Data)
	}
	if pkt.SubcodeValue() != 7 {
		t.Fatalf("subcode = %d, want 7", pkt.SubcodeValue())
	}
}
