package secure

import (
	"io"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/xerrors"

	"github.com/mjl-/stratumproxy/auth"
)

// Config holds optional parameters for a handshake.
type Config struct {
	// Rand is used as source of cryptographic randomness. If nil, Reader from
	// crypto/rand is used.
	Rand io.Reader

	// Prologue is mixed into the handshake hash, both sides must use the same
	// value. Usually empty.
	Prologue []byte
}

// Security is the immutable responder context: a static keypair and the
// certificate for its public key. It is shared by all accepted connections.
type Security struct {
	static           noise.DHKey
	certificate      *auth.Certificate
	signatureMessage []byte
}

// NewSecurity checks that key belongs to cert and returns a responder
// context.
func NewSecurity(cert *auth.Certificate, key *noise.DHKey) (*Security, error) {
	if cert == nil {
		return nil, auth.ErrMalformedCertificate
	}
	if err := cert.ValidateSecretKey(key); err != nil {
		return nil, xerrors.Errorf("static key for certificate: %w", err)
	}
	return &Security{
		static:           noise.DHKey{Private: append([]byte{}, key.Private...), Public: append([]byte{}, key.Public...)},
		certificate:      cert,
		signatureMessage: cert.SignatureMessage(),
	}, nil
}

// NewEphemeralSecurity generates a fresh static key and certifies it with
// secret, valid from now for validity. Used when the relay holds the
// authority key itself instead of a certificate file.
func NewEphemeralSecurity(secret auth.AuthoritySecretKey, validity time.Duration, random io.Reader) (*Security, error) {
	key, err := auth.GenerateStaticKey(random)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	cert, err := auth.Issue(secret, key.Public, now, now.Add(validity))
	if err != nil {
		return nil, xerrors.Errorf("issuing certificate: %w", err)
	}
	return NewSecurity(cert, key)
}

// PublicKey returns the static public key presented to initiators.
func (s *Security) PublicKey() auth.PublicKey {
	return auth.PublicKey(s.static.Public)
}

// Certificate returns the certificate presented to initiators.
func (s *Security) Certificate() *auth.Certificate {
	return s.certificate
}

// String returns the public key only.
func (s *Security) String() string {
	return "security(" + s.PublicKey().String() + ")"
}
