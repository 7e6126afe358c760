package ccache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// FormatVersion is the only CCache file format version this package
// produces and accepts. Versions 1-3 use different header and principal
// layouts and do not occur in the wild anymore.
const FormatVersion = 0x0504

// HeaderTagDeltaTime is the only header tag defined for format version 4.
// It carries the KDC time offset as two 32-bit values.
const HeaderTagDeltaTime = 1

// ErrTruncated indicates that the byte stream ended in the middle of a
// fixed-width field or length-prefixed payload. A CCache file that fails
// this way is unusable as a whole.
var ErrTruncated = errors.New("truncated record")

// Header is a single tagged header field of a version 4 CCache file.
type Header struct {
	Tag  uint16
	Data []byte
}

// CCache is an in-memory MIT Kerberos credential cache. A fresh cache is
// created with New, populated via Unmarshal or the Add* operations and
// written out with Marshal or Save.
type CCache struct {
	Version          uint16
	Headers          []Header
	PrimaryPrincipal Principal
	Credentials      []*Credential
}

// New returns an empty CCache with the default DeltaTime header that MIT
// tools expect to find in a version 4 file.
func New() *CCache {
	return &CCache{
		Version: FormatVersion,
		Headers: []Header{
			{Tag: HeaderTagDeltaTime, Data: make([]byte, 8)},
		},
	}
}

// Load reads and parses a CCache file.
func Load(path string) (*CCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CCache: %w", err)
	}

	ccache := &CCache{}

	err = ccache.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return ccache, nil
}

// Save writes the CCache to a file.
func (c *CCache) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("marshal CCache: %w", err)
	}

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf("write CCache: %w", err)
	}

	return nil
}

// Unmarshal parses a version 4 CCache file. The credential list has no
// length prefix: it ends at a clean end of input at a credential boundary.
// Running out of bytes anywhere else is ErrTruncated and invalidates the
// whole file.
func (c *CCache) Unmarshal(b []byte) error {
	r := newReader(b)

	version, err := r.uint16()
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}

	if version != FormatVersion {
		return fmt.Errorf("unsupported CCache version: 0x%04x", version)
	}

	headerLen, err := r.uint16()
	if err != nil {
		return fmt.Errorf("header length: %w", err)
	}

	headerBlock, err := r.bytes(int(headerLen))
	if err != nil {
		return fmt.Errorf("header block: %w", err)
	}

	headers, err := parseHeaders(headerBlock)
	if err != nil {
		return err
	}

	primary, err := parsePrincipal(r)
	if err != nil {
		return fmt.Errorf("primary principal: %w", err)
	}

	var creds []*Credential

	for !r.atEOF() {
		cred, err := parseCredential(r)
		if err != nil {
			return fmt.Errorf("credential %d: %w", len(creds), err)
		}

		creds = append(creds, cred)
	}

	c.Version = version
	c.Headers = headers
	c.PrimaryPrincipal = primary
	c.Credentials = creds

	return nil
}

// Marshal returns the byte representation of the CCache such that it can be
// saved on-disk. Freshly parsed input marshals back byte-identically.
func (c *CCache) Marshal() ([]byte, error) {
	var bo binary.AppendByteOrder = binary.BigEndian

	version := c.Version
	if version == 0 {
		version = FormatVersion
	}

	buf := bo.AppendUint16(nil, version)

	var headerBlock []byte
	for _, header := range c.Headers {
		headerBlock = bo.AppendUint16(headerBlock, header.Tag)
		headerBlock = bo.AppendUint16(headerBlock, uint16(len(header.Data)))
		headerBlock = append(headerBlock, header.Data...)
	}

	buf = bo.AppendUint16(buf, uint16(len(headerBlock)))
	buf = append(buf, headerBlock...)

	buf = append(buf, principalBytes(bo, c.PrimaryPrincipal)...)

	for _, cred := range c.Credentials {
		buf = append(buf, credentialBytes(bo, cred)...)
	}

	return buf, nil
}

func parseHeaders(b []byte) ([]Header, error) {
	var headers []Header

	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("header field: %w", ErrTruncated)
		}

		tag := binary.BigEndian.Uint16(b)
		length := int(binary.BigEndian.Uint16(b[2:]))

		if len(b[4:]) < length {
			return nil, fmt.Errorf("header field data: %w", ErrTruncated)
		}

		data := make([]byte, length)
		copy(data, b[4:])

		headers = append(headers, Header{Tag: tag, Data: data})

		b = b[4+length:]
	}

	return headers, nil
}

// reader wraps the input bytes with the two primitives the CCache format
// needs: exact reads that fail with ErrTruncated, and an end-of-input probe
// that detects the end of the credential list at a record boundary.
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

// data reads a 32-bit length-prefixed byte string, the CCache flavor of
// counted data.
func (r *reader) data() ([]byte, error) {
	length, err := r.uint32()
	if err != nil {
		return nil, err
	}

	return r.bytes(int(length))
}

func (r *reader) str() (string, error) {
	data, err := r.data()
	if err != nil {
		return "", err
	}

	return string(data), nil
}
