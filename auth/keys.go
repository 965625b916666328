package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/xerrors"
)

// KeySize is the size of static keys and of authority key seeds.
const KeySize = 32

var (
	// ErrBadKey indicates a key is not valid, either public or private. Possibly
	// invalid base64-raw-url-encoded data, or of the wrong size.
	ErrBadKey = errors.New("bad key")

	// ErrNoPrivateKey indicates no private key could be read.
	ErrNoPrivateKey = errors.New("no private key")
)

// PublicKey is a 32-byte Curve25519 static public key, the Noise identity of a
// responder.
type PublicKey []byte

// String returns a base64-raw-url-encoded version of the public key.
func (k PublicKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

// AuthorityPublicKey is the Ed25519 public key of the authority that signs
// certificates.
type AuthorityPublicKey ed25519.PublicKey

// String returns a base64-raw-url-encoded version of the public key.
func (k AuthorityPublicKey) String() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

// AuthoritySecretKey is the Ed25519 private key of the authority.
type AuthoritySecretKey ed25519.PrivateKey

// Public returns the public half of the authority key.
func (k AuthoritySecretKey) Public() AuthorityPublicKey {
	return AuthorityPublicKey(ed25519.PrivateKey(k).Public().(ed25519.PublicKey))
}

// EncodeKey returns b in the base64-raw-url encoding used for all keys.
func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// ParseStaticKey turns a 32-byte private key into a keypair, deriving the
// public key.
func ParseStaticKey(privBuf []byte) (*noise.DHKey, error) {
	var pubKey, privKey [KeySize]byte
	if len(privBuf) != len(privKey) {
		return nil, prefixError(ErrBadKey, "got %d bytes expected %d bytes", len(privBuf), len(privKey))
	}
	copy(privKey[:], privBuf)
	curve25519.ScalarBaseMult(&pubKey, &privKey)
	key := &noise.DHKey{Private: privKey[:], Public: pubKey[:]}
	return key, nil
}

// GenerateStaticKey creates a new static keypair. If random is nil, the
// crypto/rand reader is used.
func GenerateStaticKey(random io.Reader) (*noise.DHKey, error) {
	if random == nil {
		random = rand.Reader
	}
	key, err := noise.DH25519.GenerateKeypair(random)
	if err != nil {
		return nil, xerrors.Errorf("generating static key: %w", err)
	}
	return &key, nil
}

// ParsePublicKey parses a base64-raw-url-encoded static public key.
func ParsePublicKey(s string) (PublicKey, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, prefixError(ErrBadKey, "bad base64-raw-url for public key: %s", err)
	}
	if len(buf) != KeySize {
		return nil, prefixError(ErrBadKey, "invalid public key: got %d bytes, expect %d", len(buf), KeySize)
	}
	return PublicKey(buf), nil
}

// ParseAuthorityPublicKey parses a base64-raw-url-encoded Ed25519 public key.
func ParseAuthorityPublicKey(s string) (AuthorityPublicKey, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, prefixError(ErrBadKey, "bad base64-raw-url for authority public key: %s", err)
	}
	if len(buf) != ed25519.PublicKeySize {
		return nil, prefixError(ErrBadKey, "invalid authority public key: got %d bytes, expect %d", len(buf), ed25519.PublicKeySize)
	}
	return AuthorityPublicKey(buf), nil
}

// GenerateAuthorityKey creates a new authority keypair.
func GenerateAuthorityKey(random io.Reader) (AuthorityPublicKey, AuthoritySecretKey, error) {
	pub, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, nil, xerrors.Errorf("generating authority key: %w", err)
	}
	return AuthorityPublicKey(pub), AuthoritySecretKey(priv), nil
}

// ReadStaticKeyFile reads a static private key from a file holding the
// base64-raw-url-encoded key.
func ReadStaticKeyFile(name string) (*noise.DHKey, error) {
	var key *noise.DHKey
	err := readKeyFile(name, func(buf []byte) (err error) {
		key, err = ParseStaticKey(buf)
		return err
	})
	return key, err
}

// ReadAuthoritySecretKeyFile reads the 32-byte seed of an authority key.
func ReadAuthoritySecretKeyFile(name string) (AuthoritySecretKey, error) {
	var key AuthoritySecretKey
	err := readKeyFile(name, func(buf []byte) error {
		if len(buf) != ed25519.SeedSize {
			return prefixError(ErrBadKey, "got %d bytes expected %d bytes", len(buf), ed25519.SeedSize)
		}
		key = AuthoritySecretKey(ed25519.NewKeyFromSeed(buf))
		return nil
	})
	return key, err
}

// WriteStaticKeyFile writes the private part of key to a new file, readable
// only by the owner.
func WriteStaticKeyFile(name string, key *noise.DHKey) error {
	return writeKeyFile(name, key.Private)
}

// WriteAuthoritySecretKeyFile writes the seed of key to a new file, readable
// only by the owner.
func WriteAuthoritySecretKeyFile(name string, key AuthoritySecretKey) error {
	return writeKeyFile(name, ed25519.PrivateKey(key).Seed())
}

func writeKeyFile(name string, buf []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s\n", EncodeKey(buf))
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readKeyFile reads a key file into a buffer without making copies, calls fn
// with the decoded key, and clears the buffer afterwards.
func readKeyFile(name string, fn func([]byte) error) error {
	f, err := os.Open(name)
	if err != nil {
		return prefixError(ErrNoPrivateKey, "opening private key file: %s", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	perm := info.Mode() & os.ModePerm
	if perm&07 != 0 {
		return prefixError(ErrNoPrivateKey, "refusing to read private key from world-accessible %s", f.Name())
	}

	buf := make([]byte, 64)
	defer func() {
		for i := range buf {
			buf[i] = 0
		}
	}()
	have := 0
	for {
		n, err := f.Read(buf[have:])
		have += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if have == len(buf) {
			return prefixError(ErrBadKey, "too long for a private key")
		}
	}
	n, err := base64.RawURLEncoding.Decode(buf, buf[:have])
	if err != nil {
		return prefixError(ErrBadKey, "decoding base64-raw-url private key: %s", err)
	}
	return fn(buf[:n])
}
