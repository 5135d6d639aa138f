// Package directory defines the persistent collaborators of the protocol
// engine: the credential gateway that vouches for user identities and the
// contact directory that stores each account's lists.
package directory

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var (
	ErrNotFound      = errors.New("no such record")
	ErrAlreadyExists = errors.New("record already exists")
)

// Category is a contact-list membership class.
type Category string

const (
	// Forward list: the contacts the owner sees presence for.
	Forward Category = "FL"

	// Allow list: contacts permitted to see the owner's presence.
	Allow Category = "AL"

	// Block list: contacts denied the owner's presence.
	Block Category = "BL"

	// Reverse list: accounts that have the owner on their forward list.
	Reverse Category = "RL"
)

// Categories is every list class, in the order SYN emits them.
var Categories = []Category{Forward, Allow, Block, Reverse}

// ParseCategory validates a wire-supplied list tag.
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case Forward, Allow, Block, Reverse:
		return Category(s), true
	default:
		return "", false
	}
}

// Account is the read-only identity record behind a handle.
type Account struct {
	Handle      string
	DisplayName string
}

// Contact is one entry of an owner's contact list.
type Contact struct {
	Handle      string
	DisplayName string
	Category    Category
}

// CredentialGateway verifies challenge responses against stored
// credentials. The engine never sees the credential itself.
type CredentialGateway interface {
	// LookupAccount resolves a handle, returning ErrNotFound for
	// unknown handles.
	LookupAccount(handle string) (*Account, error)

	// VerifyResponse checks a challenge response: the response must
	// equal the digest of the challenge concatenated with the
	// account's stored credential.
	VerifyResponse(handle, challenge, response string) (bool, error)
}

// ContactDirectory reads and writes contact relationships. The serial
// returned by mutations and ListSerial increases monotonically per owner
// so clients can detect a stale cached list.
type ContactDirectory interface {
	ListContacts(handle string, category Category) ([]Contact, error)

	// AddContact files contactHandle under the owner's category,
	// returning the owner's new list serial, or ErrAlreadyExists.
	AddContact(handle, contactHandle string, category Category, display string) (serial int64, err error)

	// RemoveContact returns the owner's new list serial, or
	// ErrNotFound when the entry is absent.
	RemoveContact(handle, contactHandle string, category Category) (serial int64, err error)

	// ListSerial returns the owner's current list version.
	ListSerial(handle string) (int64, error)
}

// ChallengeDigest computes the expected response for a challenge token:
// the lowercase hex MD5 of the token concatenated with the stored
// credential. MD5 is what the protocol's clients implement; it is a wire
// compatibility constraint, not an at-rest hashing choice.
func ChallengeDigest(challenge, credential string) string {
	sum := md5.Sum([]byte(challenge + credential))
	return hex.EncodeToString(sum[:])
}

// digestEqual compares two hex digests in constant time.
func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
