package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func check(t *testing.T, got, expect error, action string) {
	t.Helper()

	if got == expect {
		return
	}
	if expect == nil || !errors.Is(got, expect) {
		t.Fatalf("%s: got %v, expected %v", action, got, expect)
	}
}

func TestKeys(t *testing.T) {
	tcheck := func(got, exp error, action string) {
		t.Helper()
		check(t, got, exp, action)
	}

	key := "Wd6ylojy2ZSPos2L1mQFWFLlOKDtTJ2-3IS-TaHNh3c"
	buf, err := base64.RawURLEncoding.DecodeString(key)
	tcheck(err, nil, "decoding literal key")
	k, err := ParseStaticKey(buf)
	tcheck(err, nil, "literal private key")
	if len(k.Public) != KeySize {
		t.Fatalf("public key of %d bytes", len(k.Public))
	}

	_, err = ParseStaticKey(buf[:10])
	tcheck(err, ErrBadKey, "short literal private key")

	_, err = ParsePublicKey("Wd6ylojy2ZSPos2L1m")
	tcheck(err, ErrBadKey, "short public key")

	_, err = ParsePublicKey("not base64!")
	tcheck(err, ErrBadKey, "bad base64")

	pub, err := ParsePublicKey(PublicKey(k.Public).String())
	tcheck(err, nil, "public key round trip")
	if !bytes.Equal(pub, k.Public) {
		t.Fatalf("public key mismatch")
	}

	_, err = ParseAuthorityPublicKey(key + key)
	tcheck(err, ErrBadKey, "long authority key")

	dir := t.TempDir()

	static, err := GenerateStaticKey(rand.Reader)
	tcheck(err, nil, "generating static key")
	name := filepath.Join(dir, "static.key")
	tcheck(WriteStaticKeyFile(name, static), nil, "writing static key")
	read, err := ReadStaticKeyFile(name)
	tcheck(err, nil, "reading static key")
	if !bytes.Equal(read.Private, static.Private) || !bytes.Equal(read.Public, static.Public) {
		t.Fatalf("static key mismatch after reading file")
	}

	_, err = ReadStaticKeyFile(filepath.Join(dir, "missing"))
	tcheck(err, ErrNoPrivateKey, "missing key file")

	err = os.Chmod(name, 0644)
	tcheck(err, nil, "chmod")
	_, err = ReadStaticKeyFile(name)
	tcheck(err, ErrNoPrivateKey, "world readable key file")

	long := filepath.Join(dir, "long.key")
	err = os.WriteFile(long, bytes.Repeat([]byte("A"), 100), 0600)
	tcheck(err, nil, "writing long key")
	_, err = ReadStaticKeyFile(long)
	tcheck(err, ErrBadKey, "too long key file")

	apub, asec, err := GenerateAuthorityKey(rand.Reader)
	tcheck(err, nil, "generating authority key")
	aname := filepath.Join(dir, "authority.key")
	tcheck(WriteAuthoritySecretKeyFile(aname, asec), nil, "writing authority key")
	aread, err := ReadAuthoritySecretKeyFile(aname)
	tcheck(err, nil, "reading authority key")
	if !bytes.Equal(aread.Public(), apub) {
		t.Fatalf("authority key mismatch after reading file")
	}

	_, err = ReadAuthoritySecretKeyFile(name)
	tcheck(err, ErrNoPrivateKey, "static key file is still world readable")
}
