// Package compat holds compatibility functions for interoperability with
// other Kerberos libraries that consume credential containers.
package compat

import (
	"time"

	"github.com/RedTeamPentesting/krbfiles/ccache"
	"github.com/RedTeamPentesting/krbfiles/keytab"
	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/types"
	gokrb5ForkCredentials "github.com/oiweiwei/gokrb5.fork/v9/credentials"
	gokrb5ForkKeytab "github.com/oiweiwei/gokrb5.fork/v9/keytab"
	gokrb5ForkTypes "github.com/oiweiwei/gokrb5.fork/v9/types"
)

// Gokrb5V8CCache converts a CCache into the container type of
// jcmturner/gokrb5/v8 so that its client can authenticate with tickets
// managed by this library.
func Gokrb5V8CCache(c *ccache.CCache) *credentials.CCache {
	converted := &credentials.CCache{
		Version:     4,
		Credentials: make([]*credentials.Credential, 0, len(c.Credentials)),
	}

	converted.DefaultPrincipal.Realm = c.PrimaryPrincipal.Realm
	converted.DefaultPrincipal.PrincipalName = c.PrimaryPrincipal.PrincipalName()

	for _, cred := range c.Credentials {
		addrs := make([]types.HostAddress, 0, len(cred.Addresses))

		for _, addr := range cred.Addresses {
			addrs = append(addrs, types.HostAddress{
				AddrType: int32(addr.AddrType),
				Address:  addr.Data,
			})
		}

		adEntries := make([]types.AuthorizationDataEntry, 0, len(cred.AuthData))

		for _, adEntry := range cred.AuthData {
			adEntries = append(adEntries, types.AuthorizationDataEntry{
				ADType: int32(adEntry.ADType),
				ADData: adEntry.Data,
			})
		}

		convertedCred := &credentials.Credential{
			Key:          cred.Key.EncryptionKey(),
			AuthTime:     unixTime(cred.Time.AuthTime),
			StartTime:    unixTime(cred.Time.StartTime),
			EndTime:      unixTime(cred.Time.EndTime),
			RenewTill:    unixTime(cred.Time.RenewTill),
			IsSKey:       cred.IsSKey != 0,
			TicketFlags:  ticketFlagBits(cred.TicketFlags),
			Addresses:    addrs,
			AuthData:     adEntries,
			Ticket:       cred.Ticket,
			SecondTicket: cred.SecondTicket,
		}

		convertedCred.Client.Realm = cred.Client.Realm
		convertedCred.Client.PrincipalName = cred.Client.PrincipalName()
		convertedCred.Server.Realm = cred.Server.Realm
		convertedCred.Server.PrincipalName = cred.Server.PrincipalName()

		converted.Credentials = append(converted.Credentials, convertedCred)
	}

	return converted
}

// Gokrb5ForkV9CCache converts a CCache into the container type of the
// oiweiwei gokrb5 fork.
func Gokrb5ForkV9CCache(c *ccache.CCache) *gokrb5ForkCredentials.CCache {
	creds := make([]*gokrb5ForkCredentials.Credential, 0, len(c.Credentials))

	for _, cred := range c.Credentials {
		addrs := make([]gokrb5ForkTypes.HostAddress, 0, len(cred.Addresses))

		for _, addr := range cred.Addresses {
			addrs = append(addrs, gokrb5ForkTypes.HostAddress{
				AddrType: int32(addr.AddrType),
				Address:  addr.Data,
			})
		}

		adEntries := make([]gokrb5ForkTypes.AuthorizationDataEntry, 0, len(cred.AuthData))

		for _, adEntry := range cred.AuthData {
			adEntries = append(adEntries, gokrb5ForkTypes.AuthorizationDataEntry{
				ADType: int32(adEntry.ADType),
				ADData: adEntry.Data,
			})
		}

		creds = append(creds, &gokrb5ForkCredentials.Credential{
			Client:       gokrb5ForkV9Principal(cred.Client),
			Server:       gokrb5ForkV9Principal(cred.Server),
			Key:          gokrb5ForkTypes.EncryptionKey(cred.Key.EncryptionKey()),
			AuthTime:     unixTime(cred.Time.AuthTime),
			StartTime:    unixTime(cred.Time.StartTime),
			EndTime:      unixTime(cred.Time.EndTime),
			RenewTill:    unixTime(cred.Time.RenewTill),
			IsSKey:       cred.IsSKey != 0,
			TicketFlags:  ticketFlagBits(cred.TicketFlags),
			Addresses:    addrs,
			AuthData:     adEntries,
			Ticket:       cred.Ticket,
			SecondTicket: cred.SecondTicket,
		})
	}

	return &gokrb5ForkCredentials.CCache{
		Version:          4,
		DefaultPrincipal: gokrb5ForkV9Principal(c.PrimaryPrincipal),
		Credentials:      creds,
	}
}

func gokrb5ForkV9Principal(p ccache.Principal) gokrb5ForkCredentials.Principal {
	return gokrb5ForkCredentials.Principal{
		Realm:         p.Realm,
		PrincipalName: gokrb5ForkTypes.PrincipalName(p.PrincipalName()),
	}
}

// Gokrb5ForkV9Keytab converts a Keytab into the keytab type of the oiweiwei
// gokrb5 fork.
func Gokrb5ForkV9Keytab(kt *keytab.Keytab) *gokrb5ForkKeytab.Keytab {
	entries := make([]gokrb5ForkKeytab.Entry, 0, len(kt.Entries))

	for _, entry := range kt.Entries {
		entries = append(entries, gokrb5ForkKeytab.Entry{
			Principal: gokrb5ForkKeytab.Principal{
				NumComponents: int16(len(entry.Principal.Components)),
				Realm:         entry.Principal.Realm,
				Components:    entry.Principal.Components,
				NameType:      int32(entry.Principal.NameType),
			},
			Timestamp: unixTime(entry.Timestamp),
			KVNO8:     entry.KVNO8,
			KVNO:      uint32(entry.KVNO8),
			Key: gokrb5ForkTypes.EncryptionKey{
				KeyType:  int32(entry.EncType),
				KeyValue: entry.Key,
			},
		})
	}

	return &gokrb5ForkKeytab.Keytab{
		Version: 2,
		Entries: entries,
	}
}

func unixTime(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(int64(v), 0).UTC()
}

func ticketFlagBits(flags uint32) asn1.BitString {
	b := []byte{byte(flags >> 24), byte(flags >> 16), byte(flags >> 8), byte(flags)}

	return asn1.BitString{Bytes: b, BitLength: len(b) * 8}
}
