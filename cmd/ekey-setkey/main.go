// Command ekey-setkey performs the long-term rekeying handshake with an
// entropy key device: it proves knowledge of the device's master key,
// lets the device derive a fresh long-term key from a host-supplied
// nonce, and records that key in a keyring file.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh/terminal"

	"github.com/BlameOmar/ekeyd/csrand"
	"github.com/BlameOmar/ekeyd/framing"
	"github.com/BlameOmar/ekeyd/internal/crc8"
	"github.com/BlameOmar/ekeyd/internal/skein"
	"github.com/BlameOmar/ekeyd/keyring"
	"github.com/BlameOmar/ekeyd/packet"
	"github.com/BlameOmar/ekeyd/pem64"
	"github.com/BlameOmar/ekeyd/stream"

	flag "github.com/spf13/pflag"
)

const devEkeyPrefix = "/dev/entropykey/"

const (
	exitCmdline      = 1
	exitLoadKeyring  = 2
	exitMasterKey    = 3
	exitEkeyErr      = 4
	exitWriteKeyring = 6
)

const retryLimit = 20
const retryDelay = 50 * time.Millisecond

var defaultSessionKey [32]byte

func main() {
	os.Exit(run())
}

func run() int {
	var keyringPath string
	var masterKeyArg string
	var serialArg string
	var noKeyring bool

	flag.StringVarP(&keyringPath, "keyring", "f", keyring.DefaultPath, "path to the keyring to update")
	flag.StringVarP(&masterKeyArg, "master", "m", "", "master key of the device being updated")
	flag.StringVarP(&serialArg, "serial", "s", "", "serial number of the device being updated")
	flag.BoolVarP(&noKeyring, "no-keyring", "n", false, "do not update the keyring with the result")
	flag.Parse()

	var serial []byte
	if serialArg != "" {
		serial = pem64.Decode(serialArg)
		if len(serial) != 12 {
			fmt.Fprintf(os.Stderr, "The serial number given is not the correct length. (%d/12)\n", len(serial))
			return exitCmdline
		}
	}

	var mkey []byte
	if masterKeyArg != "" {
		var err error
		mkey, err = extractMasterKey(masterKeyArg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitCmdline
		}
	}

	var devicePath string
	if flag.NArg() >= 1 {
		devicePath = flag.Arg(0)
	} else if serial != nil {
		devicePath = devEkeyPrefix + pem64.Encode(serial)
	} else {
		fmt.Fprintln(os.Stderr, "A device path must be given.")
		flag.Usage()
		return exitCmdline
	}

	var kr *keyring.Keyring
	if !noKeyring {
		var err error
		kr, err = keyring.Load(keyringPath)
		if err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Unable to read the keyring file %s (%s).\n", keyringPath, err)
				return exitLoadKeyring
			}
			kr = keyring.New()
		}
	}

	if mkey == nil {
		var err error
		mkey, err = promptMasterKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitMasterKey
		}
	}

	dev, err := stream.Open(devicePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to open %s as the entropy key device: %s\n", devicePath, err)
		return exitEkeyErr
	}
	defer dev.Close()

	framer := framing.New()
	decoder := packet.NewDecoder()

	resetDevice := func() {
		dev.Write([]byte{0x03})
		decoder.SetSessionKey(nil, nil)
	}
	resetDevice()

	var snum []byte
	ok := false
	for i := 0; i < retryLimit; i++ {
		pkt, perr := readPacket(framer, decoder, dev)
		if perr == errPending {
			time.Sleep(retryDelay)
			continue
		}
		if perr != nil {
			fmt.Fprintln(os.Stderr, "Unexpected error:", perr)
			return 2
		}
		if pkt.Type == packet.TypeSerial {
			snum = append([]byte{}, pkt.Data...)
			ok = true
			break
		}
		resetDevice()
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "Timeout obtaining serial number from key.")
		return 3
	}
	if len(snum) != 12 {
		fmt.Fprintln(os.Stderr, "Bad serial number from key.")
		return 4
	}

	if serial == nil {
		serial = snum
	} else if string(serial) != string(snum) {
		fmt.Fprintln(os.Stderr, "Serial number did not match the one specified.")
		return 4
	}

	decoder.SetSessionKey(serial, defaultSessionKey[:])

	nonce := make([]byte, 12)
	if err := csrand.Bytes(nonce); err != nil {
		fmt.Fprintln(os.Stderr, "Unable to generate nonce.")
		return 1
	}

	mac := calcMAC(serial, mkey, nonce)
	msg := append([]byte{'M'}, []byte(pem64.Encode(mac[:]))...)
	if _, err := dev.Write(msg); err != nil {
		fmt.Fprintln(os.Stderr, "Unexpected error:", err)
		return 2
	}

	ok = false
	for i := 0; i < retryLimit; i++ {
		pkt, perr := readPacket(framer, decoder, dev)
		if perr == errPending {
			time.Sleep(retryDelay)
			continue
		}
		if perr != nil {
			fmt.Fprintln(os.Stderr, "Unexpected error:", perr)
			return 2
		}
		if pkt.Type == packet.TypeLTRekeyMAC {
			ok = true
			break
		}
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "Timeout obtaining MAC acknowledgement packet.")
		return 3
	}

	ltreq := make([]byte, 0, 18)
	ltreq = append(ltreq, 'L')
	ltreq = append(ltreq, []byte(pem64.Encode(nonce))...)
	ltreq = append(ltreq, '.')
	if _, err := dev.Write(ltreq); err != nil {
		fmt.Fprintln(os.Stderr, "Unexpected error:", err)
		return 2
	}

	var devKeyMaterial []byte
	for {
		pkt, perr := readPacket(framer, decoder, dev)
		if perr == errPending {
			time.Sleep(retryDelay)
			continue
		}
		if perr == errBadMAC {
			fmt.Fprintln(os.Stderr, "Provided master key does not match the device's.")
			return 2
		}
		if perr != nil {
			fmt.Fprintln(os.Stderr, "Unexpected error:", perr)
			return 2
		}
		if pkt.Type == packet.TypeLTRekey {
			devKeyMaterial = pkt.Data
			break
		}
	}
	if len(devKeyMaterial) < 32 {
		fmt.Fprintln(os.Stderr, "Bad rekey response from key.")
		return 2
	}

	rekeying := skein.Prepare(serial, mkey, skein.PersonalisationLongTermRekey)
	rekeying.Update(devKeyMaterial[:32])
	rekeying.Update(nonce)
	sessionKey := rekeying.Final()

	if noKeyring {
		outputKey(os.Stdout, serial, sessionKey[:])
		return 0
	}

	var serialArr [12]byte
	copy(serialArr[:], serial)
	kr.Add(serialArr, sessionKey)
	if err := kr.Write(keyringPath); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to write the keyring file %s (%s).\n", keyringPath, err)
		return exitWriteKeyring
	}
	return 0
}

var errPending = fmt.Errorf("ekey-setkey: no frame available yet")
var errBadMAC = fmt.Errorf("ekey-setkey: packet rejected its MAC")

// readPacket performs one framer+decoder step, translating the
// package-level sentinel errors into this command's own so a
// rekey-rejected packet is distinguishable from a real I/O failure.
func readPacket(framer *framing.Framer, decoder *packet.Decoder, dev *stream.Stream) (packet.Packet, error) {
	frame, err := framer.Step(dev)
	if err == framing.ErrPending {
		return packet.Packet{}, errPending
	}
	if err != nil {
		return packet.Packet{}, err
	}

	pkt, err := decoder.Decode(frame)
	if err != nil {
		return packet.Packet{}, err
	}
	if pkt.Type == packet.TypeKeyRejected {
		return pkt, errBadMAC
	}
	return pkt, nil
}

// calcMAC computes the 6-byte truncated MAC the device expects to
// prove knowledge of its master key before it will accept a new nonce.
func calcMAC(serial, mkey, nonce []byte) [6]byte {
	st := skein.Prepare(serial, mkey, skein.PersonalisationLongTermRekeyMAC)
	st.Update(nonce)
	digest := st.FinalPad()
	return skein.TruncatedMAC(digest)
}

// extractMasterKey decodes a PEM64 master key, accepting either the
// bare 32 bytes or 33 bytes with a trailing CRC-8 check digit.
func extractMasterKey(s string) ([]byte, error) {
	decoded := pem64.Decode(s)
	switch len(decoded) {
	case 33:
		if crc8.Checksum(decoded[:32]) != decoded[32] {
			return nil, fmt.Errorf("the provided master key's check digit is incorrect")
		}
		return decoded[:32], nil
	case 32:
		return decoded, nil
	default:
		return nil, fmt.Errorf("the key given did not decode to the correct length (%d/32)", len(decoded))
	}
}

// promptMasterKey reads a master key interactively with echo
// suppressed. As in the original tool, embedded spaces (often typed by
// accident when copying a key) are stripped before decoding.
func promptMasterKey() ([]byte, error) {
	if !terminal.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("a master key must be given")
	}
	fmt.Print("Please enter a master key: ")
	raw, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, err
	}
	cleaned := strings.ReplaceAll(string(raw), " ", "")
	return extractMasterKey(cleaned)
}

// outputKey prints a derived long-term key in the same PEM64 form the
// keyring file stores it in, for -n/--no-keyring use.
func outputKey(w *os.File, serial []byte, key []byte) {
	fmt.Fprintf(w, "%s %s\n", pem64.Encode(serial), pem64.Encode(key))
}
