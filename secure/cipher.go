package secure

import (
	"github.com/flynn/noise"
)

// noCopy makes "go vet" complain about copies of structs embedding it.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// CipherState is the transport cipher for one direction of a connection. Its
// nonce increases by one with every Encrypt or Decrypt and cannot be set or
// reused. A CipherState must not be copied, and must only be used by a
// single goroutine at a time.
type CipherState struct {
	_  noCopy
	cs *noise.CipherState
}

func newCipherState(cs *noise.CipherState) *CipherState {
	return &CipherState{cs: cs}
}

// Encrypt appends the encryption of plaintext to out, including the 16-byte
// authentication tag.
func (c *CipherState) Encrypt(out, plaintext []byte) ([]byte, error) {
	return c.cs.Encrypt(out, nil, plaintext)
}

// Decrypt appends the decryption of ciphertext to out. The nonce only
// advances for successfully authenticated messages.
func (c *CipherState) Decrypt(out, ciphertext []byte) ([]byte, error) {
	return c.cs.Decrypt(out, nil, ciphertext)
}

// Nonce returns the nonce that will be used for the next message.
func (c *CipherState) Nonce() uint64 {
	return c.cs.Nonce()
}

// Rekey replaces the key, as defined in the Noise specification. Both sides
// must rekey at the same point in the message stream.
func (c *CipherState) Rekey() {
	c.cs.Rekey()
}
