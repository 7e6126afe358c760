package ccache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RedTeamPentesting/krbfiles/kirbi"
	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// ErrMalformedTicket indicates that a credential's opaque ticket blob does
// not decode as a Kerberos ticket. Bulk operations treat this as a per-item
// condition and skip the credential, because configuration entries store
// non-ticket payloads in the ticket field by design.
var ErrMalformedTicket = errors.New("malformed ticket")

// TGT bundles a reconstructed AS-REP message with the session key belonging
// to the contained ticket.
type TGT struct {
	ASRep      messages.ASRep
	SessionKey types.EncryptionKey
}

// AddTGT creates a credential from a decrypted AS-REP message and appends
// it. With overridePrimary (the conventional choice for TGTs), the cache's
// primary principal is replaced by the ticket client.
func (c *CCache) AddTGT(asRep messages.ASRep, overridePrimary bool) error {
	if len(asRep.DecryptedEncPart.Key.KeyValue) == 0 {
		return fmt.Errorf("AS-REP encrypted part is not decrypted")
	}

	ticketBytes, err := asRep.Ticket.Marshal()
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}

	encPart := asRep.DecryptedEncPart

	c.append(&Credential{
		Client:      NewPrincipal(asRep.CName, asRep.CRealm),
		Server:      NewPrincipal(encPart.SName, encPart.SRealm),
		Key:         Keyblock{KeyType: uint16(encPart.Key.KeyType), Key: encPart.Key.KeyValue},
		Time:        newTimes(encPart.AuthTime, encPart.StartTime, encPart.EndTime, encPart.RenewTill),
		TicketFlags: flagsValue(encPart.Flags),
		Ticket:      ticketBytes,
	}, overridePrimary)

	return nil
}

// AddTGS creates a credential from a decrypted TGS-REP message and appends
// it. Service tickets conventionally leave the primary principal alone, so
// overridePrimary is usually false here.
func (c *CCache) AddTGS(tgsRep messages.TGSRep, overridePrimary bool) error {
	if len(tgsRep.DecryptedEncPart.Key.KeyValue) == 0 {
		return fmt.Errorf("TGS-REP encrypted part is not decrypted")
	}

	ticketBytes, err := tgsRep.Ticket.Marshal()
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}

	encPart := tgsRep.DecryptedEncPart

	c.append(&Credential{
		Client:      NewPrincipal(tgsRep.CName, tgsRep.CRealm),
		Server:      NewPrincipal(encPart.SName, encPart.SRealm),
		Key:         Keyblock{KeyType: uint16(encPart.Key.KeyType), Key: encPart.Key.KeyValue},
		Time:        newTimes(encPart.AuthTime, encPart.StartTime, encPart.EndTime, encPart.RenewTill),
		TicketFlags: flagsValue(encPart.Flags),
		Ticket:      ticketBytes,
	}, overridePrimary)

	return nil
}

// AddKirbi creates a credential from a KRB-CRED blob's single ticket-info
// entry and appends it. Server names whose trailing component duplicates
// the realm are normalized first: some tools emit such names and downstream
// consumers choke on them.
func (c *CCache) AddKirbi(k *kirbi.Kirbi, overridePrimary bool) error {
	info, err := k.TicketInfo()
	if err != nil {
		return err
	}

	ticketBytes, err := k.RawTicket()
	if err != nil {
		return err
	}

	sname := info.SName
	if len(sname.NameString) > 2 &&
		strings.EqualFold(sname.NameString[len(sname.NameString)-1], info.SRealm) {
		sname.NameString = sname.NameString[:len(sname.NameString)-1]
	}

	c.append(&Credential{
		Client:      NewPrincipal(info.PName, info.PRealm),
		Server:      NewPrincipal(sname, info.SRealm),
		Key:         Keyblock{KeyType: uint16(info.Key.KeyType), Key: info.Key.KeyValue},
		Time:        newTimes(info.AuthTime, info.StartTime, info.EndTime, info.RenewTill),
		TicketFlags: flagsValue(info.Flags),
		Ticket:      ticketBytes,
	}, overridePrimary)

	return nil
}

func (c *CCache) append(cred *Credential, overridePrimary bool) {
	if overridePrimary {
		c.PrimaryPrincipal = cred.Client
	}

	c.Credentials = append(c.Credentials, cred)
}

// TGT reconstructs an AS-REP message around the credential's ticket. It
// fails with ErrMalformedTicket when the ticket field does not hold a
// Kerberos ticket; bulk callers skip such credentials instead of aborting.
func (c *Credential) TGT() (TGT, error) {
	var ticket messages.Ticket

	err := ticket.Unmarshal(c.Ticket)
	if err != nil {
		return TGT{}, fmt.Errorf("%w: %v", ErrMalformedTicket, err)
	}

	return TGT{
		ASRep: messages.ASRep{
			KDCRepFields: messages.KDCRepFields{
				PVNO:    iana.PVNO,
				MsgType: msgtype.KRB_AS_REP,
				CRealm:  c.Server.Realm,
				CName:   c.Client.PrincipalName(),
				Ticket:  ticket,
				EncPart: types.EncryptedData{EType: 1},
			},
		},
		SessionKey: c.Key.EncryptionKey(),
	}, nil
}

// GetAllTGTs returns a TGT for every credential whose server principal
// names the krbtgt service. Credentials with non-ticket payloads are
// skipped.
func (c *CCache) GetAllTGTs() []TGT {
	var tgts []TGT

	for _, cred := range c.Credentials {
		if !strings.Contains(strings.ToLower(cred.Server.NameString()), "krbtgt") {
			continue
		}

		tgt, err := cred.TGT()
		if err != nil {
			continue
		}

		tgts = append(tgts, tgt)
	}

	return tgts
}

// ToKirbi wraps the credential's ticket in a single-ticket KRB-CRED
// envelope and returns it together with the conventional file name for the
// blob. AuthTime and RenewTill only appear in the envelope when present,
// StartTime and EndTime always do.
func (c *Credential) ToKirbi() (*kirbi.Kirbi, string, error) {
	info := messages.KrbCredInfo{
		Key:       c.Key.EncryptionKey(),
		PRealm:    c.Client.Realm,
		PName:     c.Client.PrincipalName(),
		Flags:     krbFlags(c.TicketFlags),
		StartTime: time.Unix(int64(c.Time.StartTime), 0).UTC(),
		EndTime:   time.Unix(int64(c.Time.EndTime), 0).UTC(),
		SRealm:    c.Server.Realm,
		SName:     c.Server.PrincipalName(),
	}

	if c.Time.AuthTime != 0 {
		info.AuthTime = time.Unix(int64(c.Time.AuthTime), 0).UTC()
	}

	if c.Time.RenewTill != 0 {
		info.RenewTill = time.Unix(int64(c.Time.RenewTill), 0).UTC()
	}

	k, err := kirbi.New(c.Ticket, info)
	if err != nil {
		return nil, "", err
	}

	return k, kirbi.Filename(c.Client.NameString(), c.Server.NameString(), c.Ticket), nil
}

// FromKirbi builds a CCache holding the single credential of a KRB-CRED
// blob.
func FromKirbi(data []byte) (*CCache, error) {
	k, err := kirbi.Parse(data)
	if err != nil {
		return nil, err
	}

	ccache := New()

	err = ccache.AddKirbi(k, true)
	if err != nil {
		return nil, err
	}

	return ccache, nil
}

// FromKirbiFile builds a CCache from a kirbi file.
func FromKirbiFile(path string) (*CCache, error) {
	k, err := kirbi.Load(path)
	if err != nil {
		return nil, err
	}

	ccache := New()

	err = ccache.AddKirbi(k, true)
	if err != nil {
		return nil, err
	}

	return ccache, nil
}

// FromKirbiDir builds a CCache from every *.kirbi file in a directory. A
// file that fails to decode aborts the whole batch.
func FromKirbiDir(dir string) (*CCache, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.kirbi"))
	if err != nil {
		return nil, fmt.Errorf("list kirbi files: %w", err)
	}

	ccache := New()

	for _, path := range matches {
		k, err := kirbi.Load(path)
		if err != nil {
			return nil, err
		}

		err = ccache.AddKirbi(k, true)
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", path, err)
		}
	}

	return ccache, nil
}

// ToKirbiDir writes one kirbi file per credential into the directory. The
// kirbi format holds a single ticket per file, so a populated cache
// produces one file per entry.
func (c *CCache) ToKirbiDir(dir string) error {
	for _, cred := range c.Credentials {
		k, name, err := cred.ToKirbi()
		if err != nil {
			return err
		}

		data, err := k.Marshal()
		if err != nil {
			return err
		}

		err = os.WriteFile(filepath.Join(dir, name+".kirbi"), data, 0o600)
		if err != nil {
			return fmt.Errorf("write kirbi: %w", err)
		}
	}

	return nil
}

// flagsValue packs the ASN.1 ticket flag bit string into the 32-bit wire
// representation.
func flagsValue(flags asn1.BitString) uint32 {
	var b [4]byte

	copy(b[:], flags.Bytes)

	return binary.BigEndian.Uint32(b[:])
}

func krbFlags(flags uint32) asn1.BitString {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, flags)

	return asn1.BitString{Bytes: b, BitLength: len(b) * 8}
}
