/*
Package secure implements the encrypted transport of Stratum V2: a Noise
handshake authenticating the responder through a certificate signed by an
authority key, followed by length-prefixed encrypted messages.

The protocol variant is Noise_NX_25519_ChaChaPoly_BLAKE2s. The initiator (a
miner, or this relay dialing a pool) sends an ephemeral key. The responder
answers with its ephemeral key, its static key and, as encrypted payload, the
signature part of its certificate. The initiator reconstructs the certificate
from that payload and the static key it just learned, and verifies it against
the authority public key it was configured with. Only then are transport keys
used. A responder without certificate cannot complete a handshake, and an
initiator never sends application data to an unauthenticated responder.

The ephemeral key exchange provides forward secrecy. Static keys are
Curve25519, authority keys are Ed25519. Keys are handled in
base64-raw-url encoding, see package auth.

Framing

Every Noise message on the wire, during and after the handshake, is preceded by
its length as a 2-byte little endian integer. A Noise message is at most 65535
bytes. Writes larger than what fits in one message are split over multiple
messages. The plaintext stream carries Stratum V2 frames, see package frame.

Errors

Handshake failures are fatal to the connection: no retry is attempted and the
caller is expected to close the socket. Authentication failures are returned as
ErrAuthenticationRejected, wrapping the certificate error from package auth.
Use errors.Is to check for errors.
*/
package secure
