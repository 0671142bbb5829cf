// Package keyring manages the on-disk table mapping entropy key serial
// numbers to their long-term keys.
//
// The file format is one "PEMSerial PEMLongTermKey" line per entry, the
// same format ekey-setkey has always produced; lines that don't match
// are ignored, which lets the file carry a leading comment line.
// Updates are written atomically: a new file is built in the same
// directory, flushed, and renamed over the target, so a reader never
// observes a partially written keyring.
package keyring

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BlameOmar/ekeyd/pem64"
)

const header = "# Do not edit this directly, this file is managed by ekey-setkey\n"

// DefaultPath is the keyring location used when neither ekeyd nor
// ekey-setkey are told otherwise.
const DefaultPath = "/etc/entropykey/keyring"

var lineRe = regexp.MustCompile(`^\s*([A-Za-z0-9+/=]{1,16})\s+([A-Za-z0-9+/=]{1,44})`)

// Keyring is an in-memory table of serial -> long-term key, with a
// backing file it can be loaded from and atomically rewritten to.
type Keyring struct {
	entries map[[12]byte][32]byte
	order   [][12]byte
}

// New returns an empty Keyring.
func New() *Keyring {
	return &Keyring{entries: make(map[[12]byte][32]byte)}
}

// Load reads a keyring file into a new Keyring. Use Len on the result
// for the number of entries loaded.
func Load(fname string) (*Keyring, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kr := New()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := lineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		var snum [12]byte
		var ltkey [32]byte
		copy(snum[:], pem64.Decode(m[1]))
		copy(ltkey[:], pem64.Decode(m[2]))
		kr.Add(snum, ltkey)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return kr, nil
}

// Lookup returns the long-term key for serial, and whether it was
// found.
func (k *Keyring) Lookup(serial [12]byte) ([32]byte, bool) {
	key, ok := k.entries[serial]
	return key, ok
}

// Add inserts or replaces the long-term key for serial.
func (k *Keyring) Add(serial [12]byte, key [32]byte) {
	if _, exists := k.entries[serial]; !exists {
		k.order = append(k.order, serial)
	}
	k.entries[serial] = key
}

// Write atomically replaces fname's contents with the keyring's
// current entries: it writes to a temporary file in the same
// directory, flushes it to stable storage, sets its mode to 0600, and
// renames it over fname.
func (k *Keyring) Write(fname string) error {
	dir := filepath.Dir(fname)
	tmp, err := os.CreateTemp(dir, filepath.Base(fname)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(header); err != nil {
		tmp.Close()
		return err
	}
	for _, serial := range k.order {
		key := k.entries[serial]
		if _, err := fmt.Fprintf(tmp, "%s %s\n", pem64.Encode(serial[:]), pem64.Encode(key[:])); err != nil {
			tmp.Close()
			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	return os.Rename(tmpName, fname)
}

// Len returns the number of entries in the keyring.
func (k *Keyring) Len() int {
	return len(k.order)
}
