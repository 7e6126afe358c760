// Package kirbi reads and writes single-ticket KRB-CRED blobs, the ticket
// interchange format produced by Mimikatz, Rubeus and similar tooling. The
// enc-part of these blobs uses the NULL encryption type, so the session key
// travels in the clear and no key material is needed to work with them.
package kirbi

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Kirbi wraps a KRB-CRED message whose enc-part has been decoded into
// Cred.DecryptedEncPart.
type Kirbi struct {
	Cred messages.KRBCred
}

// Parse decodes a kirbi blob, either raw DER or base64-wrapped DER as
// emitted by Rubeus. The NULL-encrypted enc-part is decoded as well; a
// blob whose enc-part does not decode is rejected as a whole.
func Parse(data []byte) (*Kirbi, error) {
	var cred messages.KRBCred

	err := cred.Unmarshal(data)
	if err != nil {
		decoded, b64Err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if b64Err != nil {
			return nil, fmt.Errorf("unmarshal KRB-CRED: %w", err)
		}

		err = cred.Unmarshal(decoded)
		if err != nil {
			return nil, fmt.Errorf("unmarshal base64 KRB-CRED: %w", err)
		}
	}

	var encPart messages.EncKrbCredPart

	err = encPart.Unmarshal(cred.EncPart.Cipher)
	if err != nil {
		return nil, fmt.Errorf("unmarshal KRB-CRED enc-part: %w", err)
	}

	cred.DecryptedEncPart = encPart

	return &Kirbi{Cred: cred}, nil
}

// Load reads and parses a kirbi file.
func Load(path string) (*Kirbi, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kirbi: %w", err)
	}

	k, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return k, nil
}

// New builds a single-ticket KRB-CRED envelope around the raw DER bytes of
// a ticket and its credential info.
func New(rawTicket []byte, info messages.KrbCredInfo) (*Kirbi, error) {
	var ticket messages.Ticket

	err := ticket.Unmarshal(rawTicket)
	if err != nil {
		return nil, fmt.Errorf("unmarshal ticket: %w", err)
	}

	encPart := messages.EncKrbCredPart{TicketInfo: []messages.KrbCredInfo{info}}

	encPartBytes, err := marshalEncKrbCredPart(encPart)
	if err != nil {
		return nil, err
	}

	return &Kirbi{Cred: messages.KRBCred{
		PVNO:    iana.PVNO,
		MsgType: msgtype.KRB_CRED,
		Tickets: []messages.Ticket{ticket},
		// Encryption type 0 is NULL: the cipher field holds the plain
		// DER-encoded EncKrbCredPart.
		EncPart:          types.EncryptedData{EType: 0, Cipher: encPartBytes},
		DecryptedEncPart: encPart,
	}}, nil
}

// Save writes the kirbi blob to a file.
func (k *Kirbi) Save(path string) error {
	data, err := k.Marshal()
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf("write kirbi: %w", err)
	}

	return nil
}

// gokrb5 unmarshals KRB-CRED but offers no encoder for it, so the write
// path mirrors the library's own marshal idiom: encode with the
// GeneralString-aware ASN.1 fork, then add the application tag.
type marshalKRBCred struct {
	PVNO    int                 `asn1:"explicit,tag:0"`
	MsgType int                 `asn1:"explicit,tag:1"`
	Tickets asn1.RawValue       `asn1:"explicit,tag:2"`
	EncPart types.EncryptedData `asn1:"explicit,tag:3"`
}

// Marshal encodes the KRB-CRED message to DER.
func (k *Kirbi) Marshal() ([]byte, error) {
	tickets, err := marshalTicketSequence(k.Cred.Tickets)
	if err != nil {
		return nil, err
	}

	b, err := asn1.Marshal(marshalKRBCred{
		PVNO:    k.Cred.PVNO,
		MsgType: k.Cred.MsgType,
		Tickets: tickets,
		EncPart: k.Cred.EncPart,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal KRB-CRED: %w", err)
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.KRBCred), nil
}

// Base64 encodes the KRB-CRED message to base64-wrapped DER.
func (k *Kirbi) Base64() (string, error) {
	data, err := k.Marshal()
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// TicketInfo returns the blob's single ticket-info entry.
func (k *Kirbi) TicketInfo() (messages.KrbCredInfo, error) {
	if len(k.Cred.DecryptedEncPart.TicketInfo) == 0 {
		return messages.KrbCredInfo{}, fmt.Errorf("KRB-CRED contains no ticket-info")
	}

	return k.Cred.DecryptedEncPart.TicketInfo[0], nil
}

// RawTicket returns the DER bytes of the blob's first ticket.
func (k *Kirbi) RawTicket() ([]byte, error) {
	if len(k.Cred.Tickets) == 0 {
		return nil, fmt.Errorf("KRB-CRED contains no tickets")
	}

	return k.Cred.Tickets[0].Marshal()
}

func marshalTicketSequence(tickets []messages.Ticket) (asn1.RawValue, error) {
	var inner []byte

	for i := range tickets {
		b, err := tickets[i].Marshal()
		if err != nil {
			return asn1.RawValue{}, fmt.Errorf("marshal ticket %d: %w", i, err)
		}

		inner = append(inner, b...)
	}

	seq := append([]byte{0x30}, asn1tools.MarshalLengthBytes(len(inner))...)

	return asn1.RawValue{FullBytes: append(seq, inner...)}, nil
}

func marshalEncKrbCredPart(encPart messages.EncKrbCredPart) ([]byte, error) {
	b, err := asn1.Marshal(encPart)
	if err != nil {
		return nil, fmt.Errorf("marshal EncKrbCredPart: %w", err)
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.EncKrbCredPart), nil
}

// Filename derives the conventional file name for a kirbi blob:
// "<client>@<server>_<first 8 hex chars of the ticket's SHA-1>". Any ".."
// in the result is replaced with "!" so that principal components cannot
// smuggle path traversal into a file name.
func Filename(client, server string, rawTicket []byte) string {
	sum := sha1.Sum(rawTicket)
	name := fmt.Sprintf("%s@%s_%s", client, server, hex.EncodeToString(sum[:4]))

	return strings.ReplaceAll(name, "..", "!")
}
