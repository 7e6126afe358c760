// Package keytab reads and writes Kerberos keytab files in the layout
// Windows servers generate (format version 5.2). The MIT specification and
// Windows-produced files disagree in places; where they do, this package
// follows the files seen in practice.
package keytab

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Format version bytes of the supported keytab layout.
const (
	FormatMajor = 5
	FormatMinor = 2
)

// ErrTruncated indicates that the byte stream ended in the middle of a
// fixed-width field or length-prefixed payload.
var ErrTruncated = errors.New("truncated keytab record")

// Principal is a Kerberos principal in the keytab wire layout. Unlike the
// CCache layout, the component count leads, strings are 16-bit
// length-prefixed and the name type trails the components.
type Principal struct {
	Components []string
	Realm      string
	NameType   uint32
}

// NameString returns the name components joined with "-".
func (p Principal) NameString() string {
	return strings.Join(p.Components, "-")
}

func (p Principal) String() string {
	return p.NameString() + "@" + p.Realm
}

// Entry is a single keytab entry holding a long-term key for a principal.
// KVNO8 is the 8-bit key version number of the classic entry layout.
type Entry struct {
	Principal Principal
	Timestamp uint32
	KVNO8     uint8
	EncType   uint16
	Key       []byte
}

// Keytab is an in-memory keytab file.
type Keytab struct {
	FormatMajor uint8
	FormatMinor uint8
	Entries     []Entry
}

// New returns an empty keytab with the supported format version.
func New() *Keytab {
	return &Keytab{FormatMajor: FormatMajor, FormatMinor: FormatMinor}
}

// Load reads and parses a keytab file.
func Load(path string) (*Keytab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab: %w", err)
	}

	keytab := &Keytab{}

	err = keytab.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return keytab, nil
}

// Save writes the keytab to a file.
func (kt *Keytab) Save(path string) error {
	data, err := kt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal keytab: %w", err)
	}

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf("write keytab: %w", err)
	}

	return nil
}

// Unmarshal parses a keytab file. Each entry is prefixed with a signed
// 32-bit size: zero or a clean end of stream terminates the sequence, a
// negative size marks a hole left by a deleted entry whose bytes are
// skipped without interpretation.
func (kt *Keytab) Unmarshal(b []byte) error {
	r := newReader(b)

	major, err := r.uint8()
	if err != nil {
		return fmt.Errorf("format version: %w", err)
	}

	minor, err := r.uint8()
	if err != nil {
		return fmt.Errorf("format version: %w", err)
	}

	if major != FormatMajor {
		return fmt.Errorf("unsupported keytab version: %d.%d", major, minor)
	}

	var entries []Entry

	for !r.atEOF() {
		size, err := r.int32()
		if err != nil {
			return fmt.Errorf("entry size: %w", err)
		}

		if size == 0 {
			break
		}

		if size < 0 {
			// A hole left by a deleted entry: the bytes must actually be
			// consumed, otherwise every following size field is misread.
			// Negate in 64-bit space, MinInt32 has no 32-bit negation.
			hole := -int64(size)

			_, err := r.bytes(int(hole))
			if err != nil {
				return fmt.Errorf("skip %d byte hole: %w", hole, err)
			}

			continue
		}

		entryBytes, err := r.bytes(int(size))
		if err != nil {
			return fmt.Errorf("entry %d: %w", len(entries), err)
		}

		entry, err := parseEntry(entryBytes)
		if err != nil {
			return fmt.Errorf("entry %d: %w", len(entries), err)
		}

		entries = append(entries, entry)
	}

	kt.FormatMajor = major
	kt.FormatMinor = minor
	kt.Entries = entries

	return nil
}

// Marshal returns the byte representation of the keytab. The version bytes
// are written as plain 8-bit integers and the entry sequence is terminated
// by the end of the stream, without holes or an explicit zero marker.
func (kt *Keytab) Marshal() ([]byte, error) {
	var bo binary.AppendByteOrder = binary.BigEndian

	major, minor := kt.FormatMajor, kt.FormatMinor
	if major == 0 {
		major, minor = FormatMajor, FormatMinor
	}

	buf := []byte{major, minor}

	for _, entry := range kt.Entries {
		entryBytes := entryBytes(bo, entry)

		buf = bo.AppendUint32(buf, uint32(len(entryBytes)))
		buf = append(buf, entryBytes...)
	}

	return buf, nil
}

// parseEntry decodes one entry from its size-delimited byte range. Trailing
// bytes beyond the key are ignored: some writers append a 32-bit key
// version extension there.
func parseEntry(b []byte) (Entry, error) {
	r := newReader(b)

	numComponents, err := r.uint16()
	if err != nil {
		return Entry{}, err
	}

	realm, err := r.str()
	if err != nil {
		return Entry{}, err
	}

	components := make([]string, 0, numComponents)

	for i := uint16(0); i < numComponents; i++ {
		component, err := r.str()
		if err != nil {
			return Entry{}, err
		}

		components = append(components, component)
	}

	nameType, err := r.uint32()
	if err != nil {
		return Entry{}, err
	}

	timestamp, err := r.uint32()
	if err != nil {
		return Entry{}, err
	}

	kvno, err := r.uint8()
	if err != nil {
		return Entry{}, err
	}

	encType, err := r.uint16()
	if err != nil {
		return Entry{}, err
	}

	keyLen, err := r.uint16()
	if err != nil {
		return Entry{}, err
	}

	key, err := r.bytes(int(keyLen))
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		Principal: Principal{Components: components, Realm: realm, NameType: nameType},
		Timestamp: timestamp,
		KVNO8:     kvno,
		EncType:   encType,
		Key:       key,
	}, nil
}

func entryBytes(bo binary.AppendByteOrder, entry Entry) (res []byte) {
	res = bo.AppendUint16(res, uint16(len(entry.Principal.Components)))

	res = bo.AppendUint16(res, uint16(len(entry.Principal.Realm)))
	res = append(res, []byte(entry.Principal.Realm)...)

	for _, component := range entry.Principal.Components {
		res = bo.AppendUint16(res, uint16(len(component)))
		res = append(res, []byte(component)...)
	}

	res = bo.AppendUint32(res, entry.Principal.NameType)

	res = bo.AppendUint32(res, entry.Timestamp)
	res = append(res, entry.KVNO8)
	res = bo.AppendUint16(res, entry.EncType)

	res = bo.AppendUint16(res, uint16(len(entry.Key)))
	res = append(res, entry.Key...)

	return res
}

// reader mirrors the CCache byte reader but for the keytab layout with its
// 16-bit length prefixes. The two formats only look alike; their codecs are
// deliberately kept independent.
type reader struct {
	br *bytes.Reader
}

func newReader(b []byte) *reader {
	return &reader{br: bytes.NewReader(b)}
}

func (r *reader) atEOF() bool {
	return r.br.Len() == 0
}

// bytes checks length fields against the remaining input before allocating:
// they are attacker controlled and may demand far more than the file holds.
func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || n > r.br.Len() {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, r.br.Len(), n)
	}

	buf := make([]byte, n)

	_, err := io.ReadFull(r.br, buf)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	return buf, nil
}

func (r *reader) uint8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) int32() (int32, error) {
	v, err := r.uint32()

	return int32(v), err
}

// str reads a 16-bit length-prefixed string, the keytab flavor of counted
// data.
func (r *reader) str() (string, error) {
	length, err := r.uint16()
	if err != nil {
		return "", err
	}

	b, err := r.bytes(int(length))
	if err != nil {
		return "", err
	}

	return string(b), nil
}
