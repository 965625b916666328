package auth

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

const (
	// CertificateVersion is the only certificate version understood.
	CertificateVersion uint16 = 0

	signedHeaderSize = 2 + 4 + 4

	// SignatureMessageSize is the size of the certificate part that a responder
	// sends as handshake payload: the signed header and the signature.
	SignatureMessageSize = signedHeaderSize + ed25519.SignatureSize
)

var (
	// ErrSignatureInvalid is returned when the certificate signature does not
	// verify under the authority public key.
	ErrSignatureInvalid = errors.New("certificate signature invalid")

	// ErrExpired is returned when the verification time is after the
	// certificate's validity window.
	ErrExpired = errors.New("certificate expired")

	// ErrNotYetValid is returned when the verification time is before the
	// certificate's validity window.
	ErrNotYetValid = errors.New("certificate not yet valid")

	// ErrSubjectMismatch is returned when the certificate's public key is not
	// the static key offered by the peer, or does not match a secret key.
	ErrSubjectMismatch = errors.New("certificate subject mismatch")

	// ErrMalformedCertificate is returned for certificates that cannot be
	// parsed.
	ErrMalformedCertificate = errors.New("malformed certificate")
)

// Certificate binds a static public key to a validity window, signed by an
// authority key.
type Certificate struct {
	Version            uint16
	ValidFrom          uint32 // Unix time, seconds.
	NotValidAfter      uint32 // Unix time, seconds.
	PublicKey          PublicKey
	AuthorityPublicKey AuthorityPublicKey
	Signature          []byte
}

// Authority is the immutable verification context handed to handshakes that
// must authenticate their peer.
type Authority struct {
	PublicKey AuthorityPublicKey

	// Now returns the verification time. If nil, time.Now is used.
	Now func() time.Time
}

// Verify checks cert for the offered subject key at the authority's current
// time.
func (a *Authority) Verify(cert *Certificate, subject PublicKey) error {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	return Verify(a.PublicKey, cert, subject, now())
}

func signedBytes(version uint16, validFrom, notValidAfter uint32, pubKey PublicKey) []byte {
	buf := make([]byte, signedHeaderSize, signedHeaderSize+len(pubKey))
	binary.LittleEndian.PutUint16(buf[0:], version)
	binary.LittleEndian.PutUint32(buf[2:], validFrom)
	binary.LittleEndian.PutUint32(buf[6:], notValidAfter)
	return append(buf, pubKey...)
}

// SignedBytes returns the exact bytes covered by the signature.
func (c *Certificate) SignedBytes() []byte {
	return signedBytes(c.Version, c.ValidFrom, c.NotValidAfter, c.PublicKey)
}

// Verify checks that cert was issued by authority for subject, and that now
// falls within its validity window. Verify has no side effects.
func Verify(authority AuthorityPublicKey, cert *Certificate, subject PublicKey, now time.Time) error {
	if cert == nil {
		return prefixError(ErrMalformedCertificate, "no certificate")
	}
	if !bytes.Equal(cert.PublicKey, subject) {
		return prefixError(ErrSubjectMismatch, "certificate for %s, peer offered %s", cert.PublicKey, subject)
	}
	if len(authority) != ed25519.PublicKeySize {
		return prefixError(ErrSignatureInvalid, "invalid authority key size %d", len(authority))
	}
	if len(cert.Signature) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(authority), cert.SignedBytes(), cert.Signature) {
		return prefixError(ErrSignatureInvalid, "not signed by authority %s", authority)
	}
	t := now.Unix()
	if t < int64(cert.ValidFrom) {
		return prefixError(ErrNotYetValid, "valid from %s", time.Unix(int64(cert.ValidFrom), 0).UTC())
	}
	if t > int64(cert.NotValidAfter) {
		return prefixError(ErrExpired, "not valid after %s", time.Unix(int64(cert.NotValidAfter), 0).UTC())
	}
	return nil
}

func unixSeconds(t time.Time) uint32 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

// Issue signs a certificate for subject valid between validFrom and
// notValidAfter.
func Issue(secret AuthoritySecretKey, subject PublicKey, validFrom, notValidAfter time.Time) (*Certificate, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, prefixError(ErrBadKey, "invalid authority secret key size %d", len(secret))
	}
	if len(subject) != KeySize {
		return nil, prefixError(ErrBadKey, "invalid subject key size %d", len(subject))
	}
	c := &Certificate{
		Version:            CertificateVersion,
		ValidFrom:          unixSeconds(validFrom),
		NotValidAfter:      unixSeconds(notValidAfter),
		PublicKey:          append(PublicKey{}, subject...),
		AuthorityPublicKey: secret.Public(),
	}
	c.Signature = ed25519.Sign(ed25519.PrivateKey(secret), c.SignedBytes())
	return c, nil
}

// ValidateSecretKey checks that key is the private half of the certificate's
// public key.
func (c *Certificate) ValidateSecretKey(key *noise.DHKey) error {
	if key == nil || len(key.Private) != KeySize {
		return prefixError(ErrBadKey, "invalid static secret key")
	}
	pub, err := curve25519.X25519(key.Private, curve25519.Basepoint)
	if err != nil {
		return prefixError(ErrBadKey, "deriving public key: %s", err)
	}
	if !bytes.Equal(pub, c.PublicKey) {
		return prefixError(ErrSubjectMismatch, "secret key does not belong to %s", c.PublicKey)
	}
	return nil
}

// SignatureMessage returns the handshake payload sent by a responder: the
// signed header fields followed by the signature. The subject key is not
// included, the initiator learns it from the handshake itself.
func (c *Certificate) SignatureMessage() []byte {
	buf := make([]byte, signedHeaderSize, SignatureMessageSize)
	binary.LittleEndian.PutUint16(buf[0:], c.Version)
	binary.LittleEndian.PutUint32(buf[2:], c.ValidFrom)
	binary.LittleEndian.PutUint32(buf[6:], c.NotValidAfter)
	return append(buf, c.Signature...)
}

// ParseSignatureMessage reconstructs a certificate from a responder's
// handshake payload, the static key it offered and the authority expected to
// have signed it.
func ParseSignatureMessage(b []byte, subject PublicKey, authority AuthorityPublicKey) (*Certificate, error) {
	if len(b) != SignatureMessageSize {
		return nil, prefixError(ErrMalformedCertificate, "signature message of %d bytes, expected %d", len(b), SignatureMessageSize)
	}
	version := binary.LittleEndian.Uint16(b[0:])
	if version != CertificateVersion {
		return nil, prefixError(ErrMalformedCertificate, "unsupported certificate version %d", version)
	}
	c := &Certificate{
		Version:            version,
		ValidFrom:          binary.LittleEndian.Uint32(b[2:]),
		NotValidAfter:      binary.LittleEndian.Uint32(b[6:]),
		PublicKey:          append(PublicKey{}, subject...),
		AuthorityPublicKey: authority,
		Signature:          append([]byte{}, b[signedHeaderSize:]...),
	}
	return c, nil
}
