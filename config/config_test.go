package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	c, err := LoadFile("testdata/stratumproxy.toml")
	require.NoError(err)

	require.Equal(ProtocolV2, c.Relay.DownstreamProtocol)
	require.Equal(ProtocolV1, c.Relay.UpstreamProtocol)
	require.Equal(5000, c.Relay.HandshakeTimeout)
	require.Equal(DefaultConnectTimeout, c.Relay.ConnectTimeout)
	require.Equal(DefaultQueueSize, c.Relay.QueueSize)
	require.Equal(DefaultMaxFrameSize, c.Relay.MaxFrameSize)
	require.Equal(DefaultCertificateValidity, c.Noise.CertificateValidity)
	require.Equal([]string{"SetupConnection", "mining.authorize", "SubmitSharesStandard"}, c.Translation.SafetyRelevant)
	require.Equal("v2", c.ProxyProtocol.Pass)
	require.Equal("DEBUG", c.Logging.Level)
	require.Equal("127.0.0.1:6543", c.Metrics.Address)
	require.Equal("", c.Upstream.AuthorityPublicKey)
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	c, err := Load([]byte(`
[Relay]
ListenAddress = ":3336"
UpstreamAddress = "localhost:3333"
`))
	require.NoError(err)
	require.Nil(c.Noise)
	require.Equal(ProtocolAuto, c.Relay.DownstreamProtocol)
	require.Equal(ProtocolAuto, c.Relay.UpstreamProtocol)
	require.Equal(DefaultHandshakeTimeout, c.Relay.HandshakeTimeout)
	require.Equal(DefaultSafetyRelevant, c.Translation.SafetyRelevant)
	require.Equal(DefaultLogLevel, c.Logging.Level)
	require.False(c.ProxyProtocol.Accept)
}

func TestConfigInvalid(t *testing.T) {
	const relay = `
[Relay]
ListenAddress = ":3336"
UpstreamAddress = "localhost:3333"
`
	for _, tc := range []struct {
		name string
		body string
	}{
		{"no relay", `[Logging]`},
		{"no upstream", "[Relay]\nListenAddress = \":3336\"\n"},
		{"bad listen address", "[Relay]\nListenAddress = \"3336\"\nUpstreamAddress = \"localhost:3333\"\n"},
		{"bad protocol", relay + "DownstreamProtocol = \"v3\"\n"},
		{"unknown key", relay + "Bogus = 1\n"},
		{"half certificate", relay + "[Noise]\nCertificateFile = \"a.cert\"\n"},
		{"certificate and authority", relay + "[Noise]\nCertificateFile = \"a.cert\"\nSecretKeyFile = \"a.key\"\nAuthoritySecretKeyFile = \"authority.key\"\n"},
		{"empty noise", relay + "[Noise]\n"},
		{"unknown kind", relay + "[Translation]\nSafetyRelevant = [\"mining.bogus\"]\n"},
		{"optional without accept", relay + "[ProxyProtocol]\nOptional = true\n"},
		{"bad pass", relay + "[ProxyProtocol]\nPass = \"v3\"\n"},
		{"bad level", relay + "[Logging]\nLevel = \"LOUD\"\n"},
		{"not toml", "[Relay"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.body))
			require.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
		})
	}
}

func TestNearest(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	require.NoError(os.MkdirAll(sub, 0755))
	name := filepath.Join(dir, "a", DefaultFileName)
	require.NoError(os.WriteFile(name, []byte("[Relay]\n"), 0644))

	t.Chdir(sub)
	found, err := Nearest(DefaultFileName)
	require.NoError(err)
	got, err := filepath.EvalSymlinks(found)
	require.NoError(err)
	want, err := filepath.EvalSymlinks(name)
	require.NoError(err)
	require.Equal(want, got)

	_, err = Nearest("stratumproxy-missing.toml")
	require.True(errors.Is(err, os.ErrNotExist))
}
