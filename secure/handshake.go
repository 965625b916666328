package secure

import (
	"errors"

	"github.com/flynn/noise"
	"golang.org/x/xerrors"

	"github.com/mjl-/stratumproxy/auth"
)

const (
	// authSize authenticator bytes are appended to encrypted data by ChaCha20-Poly1305.
	authSize = 16

	// MaxMessageSize is the maximum size of a single Noise message, excluding
	// its 2-byte length prefix.
	MaxMessageSize = noise.MaxMsgLen

	// maxDataSize is the maximum plaintext carried in a single transport message.
	maxDataSize = MaxMessageSize - authSize

	// initiatorMessageSize is the size of the first handshake message: an
	// ephemeral key.
	initiatorMessageSize = 32

	// ResponderMessageSize is the size of the second handshake message:
	// ephemeral key, encrypted static key and encrypted signature message.
	ResponderMessageSize = 32 + 32 + authSize + auth.SignatureMessageSize + authSize
)

var (
	// ErrAuthenticationRejected is returned by the initiator when the
	// responder's certificate does not verify. It wraps the error from package
	// auth.
	ErrAuthenticationRejected = errors.New("authentication rejected")

	// ErrProtocol is returned for protocol-level errors, like malformed
	// messages or failing decryption.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidState is returned when a handshake is stepped after it has
	// completed or failed.
	ErrInvalidState = errors.New("invalid handshake state")

	// ErrHandshakeTimeout is returned when the handshake did not complete in
	// time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrNoHandshake is returned for operations before having completed the handshake.
	ErrNoHandshake = errors.New("handshake not completed yet")

	// ErrConnClosed is returned when calling functions on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	errHandshakeDone = errors.New("handshake already completed")
)

// Role is the side of a handshake.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Outcome tells a caller of Step how to proceed.
type Outcome int

const (
	// Continue means more handshake messages must be exchanged.
	Continue Outcome = iota

	// Established means transport keys are available in the Result.
	Established

	// Failed means the handshake is aborted. The connection must be closed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Established:
		return "established"
	}
	return "failed"
}

// Result is the outcome of a single Step.
type Result struct {
	Outcome Outcome

	// Set when Established.
	Send *CipherState
	Recv *CipherState

	// Static key of the responder. The initiator learns it during the
	// handshake, for the responder it is its own key. Set when Established.
	ResponderStatic auth.PublicKey

	// Certificate of the responder. Only set for the initiator.
	Certificate *auth.Certificate

	// Set when Failed.
	Err error
}

// Handshake is the Noise NX state machine for one side of a connection. It
// does no I/O: Step consumes a received message and returns the message to
// send. A Handshake is used by a single goroutine.
type Handshake struct {
	role      Role
	state     *noise.HandshakeState
	authority *auth.Authority
	static    auth.PublicKey
	payload   []byte
	step      int
	done      bool
}

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// NewInitiator starts a handshake for the dialing side. The responder must
// present a certificate that verifies with authority.
func NewInitiator(authority *auth.Authority, config Config) (*Handshake, error) {
	if authority == nil || len(authority.PublicKey) == 0 {
		return nil, xerrors.Errorf("initiator requires an authority public key: %w", auth.ErrBadKey)
	}
	state, err := noise.NewHandshakeState(noise.Config{
		Random:      config.Rand,
		CipherSuite: cipherSuite(),
		Pattern:     noise.HandshakeNX,
		Initiator:   true,
		Prologue:    config.Prologue,
	})
	if err != nil {
		return nil, xerrors.Errorf("noise.NewHandshakeState: %w", err)
	}
	return &Handshake{role: Initiator, state: state, authority: authority}, nil
}

// NewResponder starts a handshake for the accepting side, presenting the
// static key and certificate of security.
func NewResponder(security *Security, config Config) (*Handshake, error) {
	if security == nil {
		return nil, auth.ErrNoPrivateKey
	}
	state, err := noise.NewHandshakeState(noise.Config{
		Random:        config.Rand,
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeNX,
		Initiator:     false,
		Prologue:      config.Prologue,
		StaticKeypair: security.static,
	})
	if err != nil {
		return nil, xerrors.Errorf("noise.NewHandshakeState: %w", err)
	}
	return &Handshake{role: Responder, state: state, static: security.PublicKey(), payload: security.signatureMessage}, nil
}

// Role returns the side this handshake is for.
func (h *Handshake) Role() Role {
	return h.role
}

// Step advances the handshake. The initiator starts with a nil message, the
// responder with the first message it received. When out is non-empty it
// must be sent to the peer, also when the outcome is Established.
//
// After an Established or Failed outcome, Step returns ErrInvalidState.
func (h *Handshake) Step(in []byte) (out []byte, r Result) {
	if h.done {
		return nil, failed(ErrInvalidState)
	}
	defer func() {
		if r.Outcome != Continue {
			h.done = true
			h.state = nil
		}
	}()

	switch {
	case h.role == Initiator && h.step == 0:
		if len(in) != 0 {
			return nil, failed(withDetail(ErrInvalidState, "initiator speaks first"))
		}
		msg, _, _, err := h.state.WriteMessage(nil, nil)
		if err != nil {
			return nil, failed(xerrors.Errorf("making noise handshake message: %w", err))
		}
		h.step++
		return msg, Result{Outcome: Continue}

	case h.role == Initiator && h.step == 1:
		if len(in) != ResponderMessageSize {
			return nil, failed(withDetail(ErrProtocol, "responder message of %d bytes, expected %d", len(in), ResponderMessageSize))
		}
		payload, cs1, cs2, err := h.state.ReadMessage(nil, in)
		if err != nil {
			return nil, failed(classify(ErrProtocol, err))
		}
		if cs1 == nil || cs2 == nil {
			return nil, failed(withDetail(ErrProtocol, "handshake did not complete"))
		}
		remote := auth.PublicKey(append([]byte{}, h.state.PeerStatic()...))
		cert, err := auth.ParseSignatureMessage(payload, remote, h.authority.PublicKey)
		if err == nil {
			err = h.authority.Verify(cert, remote)
		}
		if err != nil {
			return nil, failed(classify(ErrAuthenticationRejected, err))
		}
		return nil, Result{
			Outcome:         Established,
			Send:            newCipherState(cs1),
			Recv:            newCipherState(cs2),
			ResponderStatic: remote,
			Certificate:     cert,
		}

	case h.role == Responder && h.step == 0:
		if len(in) < initiatorMessageSize {
			return nil, failed(withDetail(ErrProtocol, "initiator message of %d bytes, expected at least %d", len(in), initiatorMessageSize))
		}
		if _, _, _, err := h.state.ReadMessage(nil, in); err != nil {
			return nil, failed(classify(ErrProtocol, err))
		}
		msg, cs1, cs2, err := h.state.WriteMessage(nil, h.payload)
		if err != nil {
			return nil, failed(xerrors.Errorf("making noise handshake message: %w", err))
		}
		if cs1 == nil || cs2 == nil {
			return nil, failed(withDetail(ErrProtocol, "handshake did not complete"))
		}
		return msg, Result{
			Outcome:         Established,
			Send:            newCipherState(cs2),
			Recv:            newCipherState(cs1),
			ResponderStatic: h.static,
		}
	}
	return nil, failed(ErrInvalidState)
}

func failed(err error) Result {
	return Result{Outcome: Failed, Err: err}
}
