package compat_test

import (
	"bytes"
	"slices"
	"testing"

	"github.com/RedTeamPentesting/krbfiles/ccache"
	"github.com/RedTeamPentesting/krbfiles/compat"
	"github.com/RedTeamPentesting/krbfiles/keytab"
)

func testCCache() *ccache.CCache {
	return &ccache.CCache{
		Version: ccache.FormatVersion,
		PrimaryPrincipal: ccache.Principal{
			NameType:   1,
			Components: []string{"user"},
			Realm:      "CORP.COM",
		},
		Credentials: []*ccache.Credential{
			{
				Client: ccache.Principal{
					NameType:   1,
					Components: []string{"user"},
					Realm:      "CORP.COM",
				},
				Server: ccache.Principal{
					NameType:   2,
					Components: []string{"krbtgt", "CORP.COM"},
					Realm:      "CORP.COM",
				},
				Key: ccache.Keyblock{KeyType: 18, Key: []byte{1, 3, 3, 7}},
				Time: ccache.Times{
					AuthTime:  1700000000,
					StartTime: 1700000000,
					EndTime:   1700036000,
				},
				IsSKey:      1,
				TicketFlags: 0x50e10000,
				Addresses: []ccache.Address{
					{AddrType: 2, Data: []byte{192, 0, 2, 1}},
				},
				AuthData: []ccache.AuthData{
					{ADType: 1, Data: []byte{4, 5, 6}},
				},
				Ticket: []byte{0xde, 0xad, 0xbe, 0xef},
			},
		},
	}
}

func TestGokrb5V8CCache(t *testing.T) {
	t.Parallel()

	converted := compat.Gokrb5V8CCache(testCCache())

	if converted.Version != 4 {
		t.Errorf("version %d instead of 4", converted.Version)
	}

	if converted.DefaultPrincipal.Realm != "CORP.COM" {
		t.Errorf("unexpected default principal realm: %q", converted.DefaultPrincipal.Realm)
	}

	if !slices.Equal(converted.DefaultPrincipal.PrincipalName.NameString, []string{"user"}) {
		t.Errorf("unexpected default principal name: %v",
			converted.DefaultPrincipal.PrincipalName.NameString)
	}

	if len(converted.Credentials) != 1 {
		t.Fatalf("found %d credentials instead of 1", len(converted.Credentials))
	}

	cred := converted.Credentials[0]

	if cred.Key.KeyType != 18 || !bytes.Equal(cred.Key.KeyValue, []byte{1, 3, 3, 7}) {
		t.Errorf("unexpected session key: %+v", cred.Key)
	}

	if !slices.Equal(cred.Server.PrincipalName.NameString, []string{"krbtgt", "CORP.COM"}) {
		t.Errorf("unexpected server name: %v", cred.Server.PrincipalName.NameString)
	}

	if cred.AuthTime.Unix() != 1700000000 {
		t.Errorf("unexpected auth time: %s", cred.AuthTime)
	}

	if !cred.RenewTill.IsZero() {
		t.Errorf("absent renew-till converted to %s", cred.RenewTill)
	}

	if !cred.IsSKey {
		t.Errorf("is-skey flag was lost")
	}

	if !bytes.Equal(cred.TicketFlags.Bytes, []byte{0x50, 0xe1, 0x00, 0x00}) {
		t.Errorf("unexpected ticket flags: %v", cred.TicketFlags.Bytes)
	}

	if len(cred.Addresses) != 1 || cred.Addresses[0].AddrType != 2 {
		t.Errorf("unexpected addresses: %+v", cred.Addresses)
	}

	if len(cred.AuthData) != 1 || cred.AuthData[0].ADType != 1 {
		t.Errorf("unexpected auth data: %+v", cred.AuthData)
	}

	if !bytes.Equal(cred.Ticket, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("ticket does not match")
	}
}

func TestGokrb5ForkV9CCache(t *testing.T) {
	t.Parallel()

	converted := compat.Gokrb5ForkV9CCache(testCCache())

	if converted.Version != 4 {
		t.Errorf("version %d instead of 4", converted.Version)
	}

	if converted.DefaultPrincipal.Realm != "CORP.COM" {
		t.Errorf("unexpected default principal realm: %q", converted.DefaultPrincipal.Realm)
	}

	if len(converted.Credentials) != 1 {
		t.Fatalf("found %d credentials instead of 1", len(converted.Credentials))
	}

	cred := converted.Credentials[0]

	if cred.Client.Realm != "CORP.COM" {
		t.Errorf("unexpected client realm: %q", cred.Client.Realm)
	}

	if !slices.Equal(cred.Server.PrincipalName.NameString, []string{"krbtgt", "CORP.COM"}) {
		t.Errorf("unexpected server name: %v", cred.Server.PrincipalName.NameString)
	}

	if cred.Key.KeyType != 18 || !bytes.Equal(cred.Key.KeyValue, []byte{1, 3, 3, 7}) {
		t.Errorf("unexpected session key: %+v", cred.Key)
	}

	if cred.EndTime.Unix() != 1700036000 {
		t.Errorf("unexpected end time: %s", cred.EndTime)
	}

	if !cred.IsSKey {
		t.Errorf("is-skey flag was lost")
	}
}

func TestGokrb5ForkV9Keytab(t *testing.T) {
	t.Parallel()

	kt := keytab.New()
	kt.Entries = []keytab.Entry{
		{
			Principal: keytab.Principal{
				Components: []string{"cifs", "fileserver"},
				Realm:      "CORP.COM",
				NameType:   2,
			},
			Timestamp: 1700000000,
			KVNO8:     3,
			EncType:   18,
			Key:       bytes.Repeat([]byte{0xbb}, 32),
		},
		{
			Principal: keytab.Principal{
				Components: []string{"user"},
				Realm:      "CORP.COM",
				NameType:   1,
			},
			EncType: 23,
			Key:     bytes.Repeat([]byte{0xaa}, 16),
		},
	}

	converted := compat.Gokrb5ForkV9Keytab(kt)

	if converted.Version != 2 {
		t.Errorf("version %d instead of 2", converted.Version)
	}

	if len(converted.Entries) != 2 {
		t.Fatalf("found %d entries instead of 2", len(converted.Entries))
	}

	entry := converted.Entries[0]

	if entry.Principal.NumComponents != 2 {
		t.Errorf("component count %d instead of 2", entry.Principal.NumComponents)
	}

	if !slices.Equal(entry.Principal.Components, []string{"cifs", "fileserver"}) {
		t.Errorf("unexpected components: %v", entry.Principal.Components)
	}

	if entry.Principal.Realm != "CORP.COM" || entry.Principal.NameType != 2 {
		t.Errorf("unexpected principal: %+v", entry.Principal)
	}

	if entry.Timestamp.Unix() != 1700000000 {
		t.Errorf("unexpected timestamp: %s", entry.Timestamp)
	}

	if entry.KVNO8 != 3 || entry.KVNO != 3 {
		t.Errorf("unexpected key version: kvno8=%d kvno=%d", entry.KVNO8, entry.KVNO)
	}

	if entry.Key.KeyType != 18 || !bytes.Equal(entry.Key.KeyValue, bytes.Repeat([]byte{0xbb}, 32)) {
		t.Errorf("unexpected key: %+v", entry.Key)
	}

	if !converted.Entries[1].Timestamp.IsZero() {
		t.Errorf("zero timestamp converted to %s", converted.Entries[1].Timestamp)
	}
}
