// Package tlstrust holds the primitives shared by the HSTS and HPKP stores.
package tlstrust

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// HashTypeSHA256 is the only pin hash type consulted when checking public keys.
const HashTypeSHA256 = "sha256"

var (
	// ErrInvalidPin is returned when a pin is not valid base64 or decodes to nothing.
	ErrInvalidPin = errors.New("invalid pin")

	// ErrUnsupportedHash is returned when a digest is requested for an unknown hash type.
	ErrUnsupportedHash = errors.New("unsupported hash type")
)

// Pin is a digest of a server's Subject Public Key Info.
type Pin struct {
	// HashType names the digest algorithm, e.g. "sha256".
	HashType string

	// Digest holds the raw digest bytes.
	Digest []byte

	// Encoded is the base64 form the pin was supplied in. It is written back
	// verbatim when the pin is persisted.
	Encoded string
}

// NewPin decodes a base64 pin of the given hash type.
func NewPin(hashType, encoded string) (Pin, error) {
	if hashType == "" {
		return Pin{}, fmt.Errorf("%w: empty hash type", ErrInvalidPin)
	}
	digest, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Pin{}, fmt.Errorf("%w: %q: %w", ErrInvalidPin, encoded, err)
	}
	if len(digest) == 0 {
		return Pin{}, fmt.Errorf("%w: empty digest", ErrInvalidPin)
	}
	return Pin{HashType: hashType, Digest: digest, Encoded: encoded}, nil
}

// Clone returns a deep copy of the pin.
func (p Pin) Clone() Pin {
	return Pin{HashType: p.HashType, Digest: bytes.Clone(p.Digest), Encoded: p.Encoded}
}

// String returns the pin in "<hash_type>/<base64>" form.
func (p Pin) String() string {
	return p.HashType + "/" + p.Encoded
}

// ComparePins orders pins by hash type, then digest length, then digest bytes.
// Two pins are duplicates when ComparePins returns 0.
func ComparePins(a, b Pin) int {
	if n := strings.Compare(a.HashType, b.HashType); n != 0 {
		return n
	}
	if len(a.Digest) != len(b.Digest) {
		if len(a.Digest) < len(b.Digest) {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Digest, b.Digest)
}

// SupportedHashType reports whether Digest can compute hashType.
func SupportedHashType(hashType string) bool {
	switch hashType {
	case HashTypeSHA256, "sha384", "sha512":
		return true
	}
	return false
}

// Digest computes the digest of data with the named hash type.
func Digest(hashType string, data []byte) ([]byte, error) {
	switch hashType {
	case HashTypeSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case "sha384":
		sum := sha512.Sum384(data)
		return sum[:], nil
	case "sha512":
		sum := sha512.Sum512(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, hashType)
	}
}

// SPKIPin returns the SHA-256 pin of a DER encoded public key.
func SPKIPin(pubkey []byte) Pin {
	sum := sha256.Sum256(pubkey)
	return Pin{
		HashType: HashTypeSHA256,
		Digest:   sum[:],
		Encoded:  base64.StdEncoding.EncodeToString(sum[:]),
	}
}

// PinFromCertificate returns the SHA-256 pin of the certificate's
// SubjectPublicKeyInfo exactly as encoded in the certificate.
func PinFromCertificate(cert *x509.Certificate) (Pin, error) {
	if cert == nil || len(cert.RawSubjectPublicKeyInfo) == 0 {
		return Pin{}, errors.New("certificate has no encoded public key info")
	}
	return SPKIPin(cert.RawSubjectPublicKeyInfo), nil
}
