// Package config holds the Options a caller supplies to dial and run a
// session, and the viper-backed loader that resolves them from an
// embedded YAML default, environment variables, and cobra flags, in that
// precedence order.
package config

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mistnet-io/iottls/internal/identity"
)

// Options carries everything needed to dial and run one session.
type Options struct {
	Host string `json:"host" yaml:"host" mapstructure:"host"`
	Port uint32 `json:"port" yaml:"port" mapstructure:"port"`

	CAPEM   string `json:"caPem" yaml:"caPem" mapstructure:"caPem"`
	CertPEM string `json:"certPem" yaml:"certPem" mapstructure:"certPem"`
	KeyPEM  string `json:"keyPem" yaml:"keyPem" mapstructure:"keyPem"`

	ValidityCheck string `json:"validityCheck" yaml:"validityCheck" mapstructure:"validityCheck"`

	DialTimeout time.Duration `json:"dialTimeout" yaml:"dialTimeout" mapstructure:"dialTimeout"`
	Debug       bool          `json:"debug" yaml:"debug" mapstructure:"debug"`

	// Socket, when non-nil, is used instead of dialing Host:Port — a
	// test-only escape hatch for net.Pipe() fixtures.
	Socket net.Conn `json:"-" yaml:"-" mapstructure:"-"`
}

// defaultOptions is the embedded YAML document Load reads before any
// environment or flag overrides are layered on top.
var defaultOptions = `
host: ""
port: 8883
caPem: ""
certPem: ""
keyPem: ""
validityCheck: current
dialTimeout: 10s
debug: false
`

// Load resolves Options from the embedded defaults, IOTTLS_-prefixed
// environment variables, and any cobra flags already bound on flags
// (pass nil when there are none), in that precedence order.
func Load(flags *pflag.FlagSet) (Options, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(defaultOptions)); err != nil {
		return Options{}, fmt.Errorf("config: read defaults: %w", err)
	}

	v.SetEnvPrefix("IOTTLS")
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Options{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return opts, nil
}

// ValidityMode translates the ValidityCheck string field into the
// identity package's typed enum, defaulting to ValidityCurrent for an
// empty or unrecognized value.
func (o Options) ValidityMode() identity.ValidityMode {
	switch o.ValidityCheck {
	case "skip":
		return identity.ValiditySkip
	case "fixed":
		return identity.ValidityFixed
	default:
		return identity.ValidityCurrent
	}
}

// Addr returns the "host:port" dial target.
func (o Options) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}
