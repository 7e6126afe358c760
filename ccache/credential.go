package ccache

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"
)

// Principal is a Kerberos principal in the CCache wire layout: name type,
// explicit component count, realm, then the name components, all strings
// 32-bit length-prefixed.
type Principal struct {
	NameType   uint32
	Components []string
	Realm      string
}

// NewPrincipal converts a principal from the ASN.1 message representation.
func NewPrincipal(name types.PrincipalName, realm string) Principal {
	return Principal{
		NameType:   uint32(name.NameType),
		Components: name.NameString,
		Realm:      realm,
	}
}

// PrincipalName converts back to the ASN.1 message representation.
func (p Principal) PrincipalName() types.PrincipalName {
	return types.PrincipalName{
		NameType:   int32(p.NameType),
		NameString: p.Components,
	}
}

// NameString returns the name components joined with "-". This form is used
// for kirbi file names and for matching krbtgt service principals.
func (p Principal) NameString() string {
	return strings.Join(p.Components, "-")
}

func (p Principal) String() string {
	return p.NameString() + "@" + p.Realm
}

// Keyblock holds the session key of a credential. EType is part of the
// version 4 wire format but is 0 whenever the true encryption type is
// unknown, which is the common case for keys imported from ASN.1 structures.
type Keyblock struct {
	KeyType uint16
	EType   uint16
	Key     []byte
}

// EncryptionKey converts the Keyblock to the ASN.1 message representation.
func (k Keyblock) EncryptionKey() types.EncryptionKey {
	return types.EncryptionKey{
		KeyType:  int32(k.KeyType),
		KeyValue: k.Key,
	}
}

// Times holds the four credential timestamps as Kerberos epoch seconds.
// A value of 0 means the field is not present.
type Times struct {
	AuthTime  uint32
	StartTime uint32
	EndTime   uint32
	RenewTill uint32
}

func newTimes(authTime, startTime, endTime, renewTill time.Time) Times {
	return Times{
		AuthTime:  kerbTime(authTime),
		StartTime: kerbTime(startTime),
		EndTime:   kerbTime(endTime),
		RenewTill: kerbTime(renewTill),
	}
}

func kerbTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}

	return uint32(t.Unix())
}

// Address is a tagged host address.
type Address struct {
	AddrType uint16
	Data     []byte
}

// AuthData is a tagged authorization data element.
type AuthData struct {
	ADType uint16
	Data   []byte
}

// Credential is a single entry of a CCache file. The two ticket fields hold
// opaque ASN.1 blobs: they are only interpreted when converting to other
// formats or extracting hashes. Entries whose ticket field does not decode
// as a Kerberos ticket are configuration entries, not corruption.
type Credential struct {
	Client       Principal
	Server       Principal
	Key          Keyblock
	Time         Times
	IsSKey       uint8
	TicketFlags  uint32
	Addresses    []Address
	AuthData     []AuthData
	Ticket       []byte
	SecondTicket []byte
}

// Summary returns the client, server and lifetime fields in displayable
// form, with absent timestamps rendered as "N/A".
func (c *Credential) Summary() []string {
	return []string{
		c.Client.String(),
		c.Server.String(),
		displayTime(c.Time.StartTime),
		displayTime(c.Time.EndTime),
		displayTime(c.Time.RenewTill),
	}
}

func displayTime(v uint32) string {
	if v == 0 {
		return "N/A"
	}

	return time.Unix(int64(v), 0).UTC().Format(time.RFC3339)
}

func parsePrincipal(r *reader) (Principal, error) {
	nameType, err := r.uint32()
	if err != nil {
		return Principal{}, err
	}

	numComponents, err := r.uint32()
	if err != nil {
		return Principal{}, err
	}

	realm, err := r.str()
	if err != nil {
		return Principal{}, err
	}

	components := make([]string, 0, numComponents)

	for i := uint32(0); i < numComponents; i++ {
		component, err := r.str()
		if err != nil {
			return Principal{}, err
		}

		components = append(components, component)
	}

	return Principal{NameType: nameType, Components: components, Realm: realm}, nil
}

func principalBytes(bo binary.AppendByteOrder, p Principal) (res []byte) {
	res = bo.AppendUint32(res, p.NameType)
	res = bo.AppendUint32(res, uint32(len(p.Components)))

	res = bo.AppendUint32(res, uint32(len(p.Realm)))
	res = append(res, []byte(p.Realm)...)

	for _, component := range p.Components {
		res = bo.AppendUint32(res, uint32(len(component)))
		res = append(res, []byte(component)...)
	}

	return res
}

func parseKeyblock(r *reader) (Keyblock, error) {
	keyType, err := r.uint16()
	if err != nil {
		return Keyblock{}, err
	}

	eType, err := r.uint16()
	if err != nil {
		return Keyblock{}, err
	}

	keyLen, err := r.uint16()
	if err != nil {
		return Keyblock{}, err
	}

	key, err := r.bytes(int(keyLen))
	if err != nil {
		return Keyblock{}, err
	}

	return Keyblock{KeyType: keyType, EType: eType, Key: key}, nil
}

func parseTimes(r *reader) (t Times, err error) {
	fields := []*uint32{&t.AuthTime, &t.StartTime, &t.EndTime, &t.RenewTill}

	for _, field := range fields {
		*field, err = r.uint32()
		if err != nil {
			return Times{}, err
		}
	}

	return t, nil
}

func parseCredential(r *reader) (*Credential, error) {
	cred := &Credential{}

	var err error

	cred.Client, err = parsePrincipal(r)
	if err != nil {
		return nil, err
	}

	cred.Server, err = parsePrincipal(r)
	if err != nil {
		return nil, err
	}

	cred.Key, err = parseKeyblock(r)
	if err != nil {
		return nil, err
	}

	cred.Time, err = parseTimes(r)
	if err != nil {
		return nil, err
	}

	cred.IsSKey, err = r.uint8()
	if err != nil {
		return nil, err
	}

	cred.TicketFlags, err = r.uint32()
	if err != nil {
		return nil, err
	}

	numAddresses, err := r.uint32()
	if err != nil {
		return nil, err
	}

	for i := uint32(0); i < numAddresses; i++ {
		addrType, err := r.uint16()
		if err != nil {
			return nil, err
		}

		data, err := r.data()
		if err != nil {
			return nil, err
		}

		cred.Addresses = append(cred.Addresses, Address{AddrType: addrType, Data: data})
	}

	numAuthData, err := r.uint32()
	if err != nil {
		return nil, err
	}

	for i := uint32(0); i < numAuthData; i++ {
		adType, err := r.uint16()
		if err != nil {
			return nil, err
		}

		data, err := r.data()
		if err != nil {
			return nil, err
		}

		cred.AuthData = append(cred.AuthData, AuthData{ADType: adType, Data: data})
	}

	cred.Ticket, err = r.data()
	if err != nil {
		return nil, err
	}

	cred.SecondTicket, err = r.data()
	if err != nil {
		return nil, err
	}

	return cred, nil
}

func credentialBytes(bo binary.AppendByteOrder, cred *Credential) (res []byte) {
	res = append(res, principalBytes(bo, cred.Client)...)
	res = append(res, principalBytes(bo, cred.Server)...)

	res = bo.AppendUint16(res, cred.Key.KeyType)
	res = bo.AppendUint16(res, cred.Key.EType)
	res = bo.AppendUint16(res, uint16(len(cred.Key.Key)))
	res = append(res, cred.Key.Key...)

	res = bo.AppendUint32(res, cred.Time.AuthTime)
	res = bo.AppendUint32(res, cred.Time.StartTime)
	res = bo.AppendUint32(res, cred.Time.EndTime)
	res = bo.AppendUint32(res, cred.Time.RenewTill)

	res = append(res, cred.IsSKey)
	res = bo.AppendUint32(res, cred.TicketFlags)

	res = bo.AppendUint32(res, uint32(len(cred.Addresses)))

	for _, addr := range cred.Addresses {
		res = bo.AppendUint16(res, addr.AddrType)
		res = bo.AppendUint32(res, uint32(len(addr.Data)))
		res = append(res, addr.Data...)
	}

	res = bo.AppendUint32(res, uint32(len(cred.AuthData)))

	for _, data := range cred.AuthData {
		res = bo.AppendUint16(res, data.ADType)
		res = bo.AppendUint32(res, uint32(len(data.Data)))
		res = append(res, data.Data...)
	}

	res = bo.AppendUint32(res, uint32(len(cred.Ticket)))
	res = append(res, cred.Ticket...)

	res = bo.AppendUint32(res, uint32(len(cred.SecondTicket)))
	res = append(res, cred.SecondTicket...)

	return res
}
