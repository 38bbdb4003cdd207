// Package config loads the proxy's service descriptors from a TOML file.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultIMAPPort  = 143
	defaultIMAPSPort = 993
)

// Config is the top-level configuration file: a list of independently
// configured proxy services.
type Config struct {
	Services []Service `toml:"services"`
}

// Service describes one proxy instance: how it accepts client
// connections (Bind) and how it connects to the upstream server (Connect).
type Service struct {
	Name    string  `toml:"name"`
	Bind    Bind    `toml:"bind"`
	Connect Connect `toml:"connect"`
}

// EncryptionKind discriminates the Insecure/Tls variants of Bind and Connect.
type EncryptionKind string

const (
	Insecure EncryptionKind = "Insecure"
	TLS      EncryptionKind = "Tls"
)

// Bind is the policy for accepting client connections.
type Bind struct {
	Encryption EncryptionKind `toml:"encryption"`
	Host       string         `toml:"host"`
	Port       uint16         `toml:"port"`
	Identity   *Identity      `toml:"identity,omitempty"`
}

// AddrPort returns the "host:port" pair this Bind listens on.
func (b Bind) AddrPort() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// String renders a Bind the way the proxy logs it on startup.
func (b Bind) String() string {
	if b.Encryption == TLS {
		return fmt.Sprintf("imaps://%s:%d (TLS)", b.Host, b.Port)
	}
	return fmt.Sprintf("imap://%s:%d (insecure)", b.Host, b.Port)
}

// Connect is the policy for establishing the upstream connection.
type Connect struct {
	Encryption EncryptionKind `toml:"encryption"`
	Host       string         `toml:"host"`
	Port       uint16         `toml:"port"`
}

// AddrPort returns the "host:port" pair the proxy dials upstream.
func (c Connect) AddrPort() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String renders a Connect the way the proxy logs it on startup.
func (c Connect) String() string {
	if c.Encryption == TLS {
		return fmt.Sprintf("imaps://%s:%d (TLS)", c.Host, c.Port)
	}
	return fmt.Sprintf("imap://%s:%d (insecure)", c.Host, c.Port)
}

// IdentityKind discriminates Identity variants. CertificateChainAndLeafKey
// is the only one the spec defines.
type IdentityKind string

const CertificateChainAndLeafKey IdentityKind = "CertificateChainAndLeafKey"

// Identity names the filesystem paths of the TLS credentials a Bind{Tls}
// presents to clients.
type Identity struct {
	Type                 IdentityKind `toml:"type"`
	CertificateChainPath string       `toml:"certificate_chain_path"`
	LeafKeyPath          string       `toml:"leaf_key_path"`
}

// Load reads and parses the TOML config file at path, applying default
// ports and validating every service's Bind/Connect/Identity shape.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i := range cfg.Services {
		applyDefaults(&cfg.Services[i])
		if err := validate(&cfg.Services[i]); err != nil {
			return nil, fmt.Errorf("config: service %q: %w", cfg.Services[i].Name, err)
		}
	}

	return &cfg, nil
}

func applyDefaults(svc *Service) {
	if svc.Bind.Port == 0 {
		if svc.Bind.Encryption == TLS {
			svc.Bind.Port = defaultIMAPSPort
		} else {
			svc.Bind.Port = defaultIMAPPort
		}
	}
	if svc.Connect.Port == 0 {
		if svc.Connect.Encryption == TLS {
			svc.Connect.Port = defaultIMAPSPort
		} else {
			svc.Connect.Port = defaultIMAPPort
		}
	}
}

func validate(svc *Service) error {
	if svc.Name == "" {
		return fmt.Errorf("missing name")
	}

	switch svc.Bind.Encryption {
	case Insecure:
		if svc.Bind.Identity != nil {
			return fmt.Errorf("bind: identity is only valid for encryption = %q", TLS)
		}
	case TLS:
		if svc.Bind.Identity == nil {
			return fmt.Errorf("bind: encryption = %q requires an identity", TLS)
		}
		if svc.Bind.Identity.Type != CertificateChainAndLeafKey {
			return fmt.Errorf("bind: unsupported identity type %q", svc.Bind.Identity.Type)
		}
		if svc.Bind.Identity.CertificateChainPath == "" || svc.Bind.Identity.LeafKeyPath == "" {
			return fmt.Errorf("bind: identity requires certificate_chain_path and leaf_key_path")
		}
	default:
		return fmt.Errorf("bind: unknown encryption %q", svc.Bind.Encryption)
	}

	switch svc.Connect.Encryption {
	case Insecure, TLS:
	default:
		return fmt.Errorf("connect: unknown encryption %q", svc.Connect.Encryption)
	}

	if svc.Bind.Host == "" {
		return fmt.Errorf("bind: missing host")
	}
	if svc.Connect.Host == "" {
		return fmt.Errorf("connect: missing host")
	}

	return nil
}
