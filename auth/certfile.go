package auth

import (
	"encoding/base64"
	"encoding/json"
	"os"

	"golang.org/x/xerrors"
)

type certificateFile struct {
	Version            uint16 `json:"version"`
	ValidFrom          uint32 `json:"valid_from"`
	NotValidAfter      uint32 `json:"not_valid_after"`
	PublicKey          string `json:"public_key"`
	AuthorityPublicKey string `json:"authority_public_key"`
	Signature          string `json:"signature"`
}

// MarshalJSON encodes the certificate with base64-raw-url keys.
func (c *Certificate) MarshalJSON() ([]byte, error) {
	return json.Marshal(certificateFile{
		Version:            c.Version,
		ValidFrom:          c.ValidFrom,
		NotValidAfter:      c.NotValidAfter,
		PublicKey:          c.PublicKey.String(),
		AuthorityPublicKey: c.AuthorityPublicKey.String(),
		Signature:          EncodeKey(c.Signature),
	})
}

// UnmarshalJSON decodes a certificate as written by MarshalJSON.
func (c *Certificate) UnmarshalJSON(buf []byte) error {
	var f certificateFile
	if err := json.Unmarshal(buf, &f); err != nil {
		return prefixError(ErrMalformedCertificate, "%s", err)
	}
	pub, err := ParsePublicKey(f.PublicKey)
	if err != nil {
		return xerrors.Errorf("certificate public key: %w", err)
	}
	authority, err := ParseAuthorityPublicKey(f.AuthorityPublicKey)
	if err != nil {
		return xerrors.Errorf("certificate authority public key: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(f.Signature)
	if err != nil {
		return prefixError(ErrMalformedCertificate, "bad base64-raw-url for signature: %s", err)
	}
	*c = Certificate{
		Version:            f.Version,
		ValidFrom:          f.ValidFrom,
		NotValidAfter:      f.NotValidAfter,
		PublicKey:          pub,
		AuthorityPublicKey: authority,
		Signature:          sig,
	}
	return nil
}

// ReadCertificateFile reads a JSON certificate file.
func ReadCertificateFile(name string) (*Certificate, error) {
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, xerrors.Errorf("reading certificate: %w", err)
	}
	c := &Certificate{}
	if err := json.Unmarshal(buf, c); err != nil {
		return nil, err
	}
	return c, nil
}

// WriteCertificateFile writes c as JSON to a new file.
func WriteCertificateFile(name string, c *Certificate) error {
	buf, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(buf, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
