// Package config provides the stratumproxy configuration.
package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"

	"github.com/mjl-/stratumproxy/log"
	"github.com/mjl-/stratumproxy/message"
)

const (
	DefaultLogLevel = "NOTICE"

	// Timeouts in milliseconds.
	DefaultConnectTimeout      = 10 * 1000
	DefaultHandshakeTimeout    = 10 * 1000
	DefaultCertificateValidity = 24 * 60 * 60 * 1000

	DefaultMaxFrameSize = 1 << 16
	DefaultQueueSize    = 64

	// Name of the configuration file looked up by Nearest.
	DefaultFileName = "stratumproxy.toml"
)

// Protocol generations for Relay.DownstreamProtocol and
// Relay.UpstreamProtocol.
const (
	ProtocolAuto = "auto"
	ProtocolV1   = "v1"
	ProtocolV2   = "v2"
)

// DefaultSafetyRelevant are the message kinds that are never silently
// dropped when translating between protocol generations.
var DefaultSafetyRelevant = []string{"SetupConnection", "OpenStandardMiningChannel", "mining.authorize"}

// ErrConfiguration is wrapped by all validation errors.
var ErrConfiguration = errors.New("invalid configuration")

func configError(format string, args ...interface{}) error {
	return xerrors.Errorf("config: "+format+": %w", append(args, ErrConfiguration)...)
}

// Relay is the listener and upstream configuration.
type Relay struct {
	// ListenAddress is the address miners connect to.
	ListenAddress string

	// UpstreamAddress is the address of the pool.
	UpstreamAddress string

	// DownstreamProtocol is "v1", "v2" or "auto". With auto the protocol is
	// detected from the first byte a miner sends.
	DownstreamProtocol string

	// UpstreamProtocol is "v1", "v2" or "auto", auto being the downstream
	// protocol.
	UpstreamProtocol string

	// MaxFrameSize is the largest frame accepted on either leg, in bytes.
	MaxFrameSize int

	// HandshakeTimeout bounds the Noise handshake, in milliseconds.
	HandshakeTimeout int

	// ConnectTimeout bounds connecting to the pool, in milliseconds.
	ConnectTimeout int

	// QueueSize is the number of frames buffered per leg and direction.
	QueueSize int

	// MaxConnections limits concurrent miner connections. Zero means no
	// limit.
	MaxConnections int
}

func (r *Relay) validate() error {
	if r.ListenAddress == "" {
		return configError("Relay: ListenAddress is not set")
	}
	if _, _, err := net.SplitHostPort(r.ListenAddress); err != nil {
		return configError("Relay: ListenAddress %q: %s", r.ListenAddress, err)
	}
	if r.UpstreamAddress == "" {
		return configError("Relay: UpstreamAddress is not set")
	}
	if _, _, err := net.SplitHostPort(r.UpstreamAddress); err != nil {
		return configError("Relay: UpstreamAddress %q: %s", r.UpstreamAddress, err)
	}
	for _, p := range []*string{&r.DownstreamProtocol, &r.UpstreamProtocol} {
		*p = strings.ToLower(*p)
		switch *p {
		case "":
			*p = ProtocolAuto
		case ProtocolAuto, ProtocolV1, ProtocolV2:
		default:
			return configError("Relay: protocol %q is invalid", *p)
		}
	}
	if r.MaxFrameSize <= 0 {
		r.MaxFrameSize = DefaultMaxFrameSize
	}
	if r.HandshakeTimeout <= 0 {
		r.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if r.ConnectTimeout <= 0 {
		r.ConnectTimeout = DefaultConnectTimeout
	}
	if r.QueueSize <= 0 {
		r.QueueSize = DefaultQueueSize
	}
	if r.MaxConnections < 0 {
		return configError("Relay: MaxConnections %d is negative", r.MaxConnections)
	}
	return nil
}

// Noise is the responder security for miner connections. Either
// CertificateFile and SecretKeyFile are set, or AuthoritySecretKeyFile, in
// which case a fresh static key is certified at startup.
type Noise struct {
	CertificateFile        string
	SecretKeyFile          string
	AuthoritySecretKeyFile string

	// CertificateValidity of a self-issued certificate, in milliseconds.
	CertificateValidity int
}

func (n *Noise) validate() error {
	haveCert := n.CertificateFile != "" || n.SecretKeyFile != ""
	switch {
	case haveCert && n.AuthoritySecretKeyFile != "":
		return configError("Noise: AuthoritySecretKeyFile cannot be combined with CertificateFile and SecretKeyFile")
	case haveCert && (n.CertificateFile == "" || n.SecretKeyFile == ""):
		return configError("Noise: CertificateFile and SecretKeyFile must both be set")
	case !haveCert && n.AuthoritySecretKeyFile == "":
		return configError("Noise: no certificate or authority key configured")
	}
	if n.CertificateValidity <= 0 {
		n.CertificateValidity = DefaultCertificateValidity
	}
	return nil
}

// Upstream holds the pool's security. With an authority key set, the
// connection to a Stratum V2 pool is encrypted and the pool's certificate
// verified.
type Upstream struct {
	AuthorityPublicKey string
}

// Translation configures protocol generation translation.
type Translation struct {
	// SafetyRelevant lists message kinds, by Stratum V2 message name or
	// Stratum V1 method, that tear down the connection when they cannot be
	// translated instead of being dropped.
	SafetyRelevant []string
}

func (t *Translation) validate() error {
	if t.SafetyRelevant == nil {
		t.SafetyRelevant = append([]string{}, DefaultSafetyRelevant...)
	}
	for _, name := range t.SafetyRelevant {
		if _, err := message.ParseKind(name); err != nil {
			return configError("Translation: SafetyRelevant: %s", err)
		}
	}
	return nil
}

// ProxyProtocol configures the PROXY protocol on the listener and towards
// the pool.
type ProxyProtocol struct {
	// Accept reads a PROXY header from miner connections.
	Accept bool

	// Optional also accepts connections without PROXY header.
	Optional bool

	// Pass sends a PROXY header of this version, "v1" or "v2", to the pool.
	Pass string
}

func (p *ProxyProtocol) validate() error {
	if p.Optional && !p.Accept {
		return configError("ProxyProtocol: Optional requires Accept")
	}
	p.Pass = strings.ToLower(p.Pass)
	switch p.Pass {
	case "", "v1", "v2":
	default:
		return configError("ProxyProtocol: Pass %q is invalid", p.Pass)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = DefaultLogLevel
	}
	l.Level = strings.ToUpper(l.Level)
	if err := log.ValidLevel(l.Level); err != nil {
		return configError("Logging: %s", err)
	}
	return nil
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	// Address to serve /metrics on. Empty disables the endpoint.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Relay         *Relay
	Noise         *Noise
	Upstream      *Upstream
	Translation   *Translation
	ProxyProtocol *ProxyProtocol
	Logging       *Logging
	Metrics       *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (c *Config) FixupAndValidate() error {
	if c.Relay == nil {
		return configError("no Relay block was present")
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}
	if c.Noise != nil {
		if err := c.Noise.validate(); err != nil {
			return err
		}
	}
	if c.Upstream == nil {
		c.Upstream = &Upstream{}
	}
	if c.Translation == nil {
		c.Translation = &Translation{}
	}
	if err := c.Translation.validate(); err != nil {
		return err
	}
	if c.ProxyProtocol == nil {
		c.ProxyProtocol = &ProxyProtocol{}
	}
	if err := c.ProxyProtocol.validate(); err != nil {
		return err
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, xerrors.Errorf("config: %s: %w", err, ErrConfiguration)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, configError("unknown keys %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Nearest locates the nearest file called name, starting at the current
// directory, walking up to the root. If no file was found, os.ErrNotExist is
// returned.
func Nearest(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, filepath.Dir(dir) {
		filename := filepath.Join(dir, name)
		info, err := os.Stat(filename)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		if err == nil && info.IsDir() {
			return filename, xerrors.Errorf("%s is a directory: %w", filename, ErrConfiguration)
		}
		return filename, err
	}
	return "", os.ErrNotExist
}
