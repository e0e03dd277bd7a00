// Copyright (c) 2021 - 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package attestedtls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/Fraunhofer-AISEC/svidtls/identity"
	"github.com/Fraunhofer-AISEC/svidtls/internal"
	"github.com/sirupsen/logrus"
	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

var log = logrus.WithField("service", "atls")

const (
	SvidFile   = "svid.0.pem"
	KeyFile    = "svid.0.key"
	BundleFile = "bundle.0.pem"

	handshakeTimeoutDefault = 10 * time.Second
	maxGreetingDefault      = 1024

	// In TLS 1.3 the client finishes its handshake before the server has
	// verified the client certificate. With TLS 1.2 a rejected initiator
	// fails within its handshake and never sends application data
	tlsVersion = tls.VersionTLS12
)

// CredentialPaths are the locations of the credential triplet written by
// the SPIRE agent (spire-agent api fetch x509 -write <dir>)
type CredentialPaths struct {
	Cert   string `json:"cert"`
	Key    string `json:"key"`
	Bundle string `json:"bundle"`

	// Trust domain of the bundle. Defaults to the trust domain of the SVID
	TrustDomain string `json:"trustDomain,omitempty"`
}

// DefaultCredentialPaths returns the credential triplet file names in dir
func DefaultCredentialPaths(dir string) CredentialPaths {
	return CredentialPaths{
		Cert:   filepath.Join(dir, SvidFile),
		Key:    filepath.Join(dir, KeyFile),
		Bundle: filepath.Join(dir, BundleFile),
	}
}

// Credentials are the own certificate chain with its key and the trust
// bundle peers are verified against. Read-only after creation
type Credentials struct {
	Certificate tls.Certificate
	Chain       []*x509.Certificate
	Roots       []*x509.Certificate
	Id          identity.ID
	HasId       bool
}

// NewCredentials creates credentials from a certificate chain with leaf
// certificate first, its private key and the trust bundle
func NewCredentials(chain []*x509.Certificate, key crypto.Signer, roots []*x509.Certificate) (*Credentials, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrNoCredentials)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: no private key", ErrNoCredentials)
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: empty trust bundle", ErrNoCredentials)
	}

	raw := make([][]byte, 0, len(chain))
	for _, c := range chain {
		raw = append(raw, c.Raw)
	}

	id, ok := identity.FromCert(chain[0])

	return &Credentials{
		Certificate: tls.Certificate{
			Certificate: raw,
			PrivateKey:  key,
			Leaf:        chain[0],
		},
		Chain: chain,
		Roots: roots,
		Id:    id,
		HasId: ok,
	}, nil
}

// LoadCredentials reads the PEM encoded SVID, its key and the trust bundle
func LoadCredentials(paths CredentialPaths) (*Credentials, error) {

	log.Debugf("Loading SVID %v, key %v, bundle %v", paths.Cert, paths.Key, paths.Bundle)

	var chain []*x509.Certificate
	var key crypto.Signer
	var td spiffeid.TrustDomain

	svid, err := x509svid.Load(paths.Cert, paths.Key)
	if err == nil {
		chain = svid.Certificates
		key = svid.PrivateKey
		td = svid.ID.TrustDomain()
		log.Debugf("Loaded SVID %v", svid.ID)
	} else {
		// Certificates without a SPIFFE ID are still usable for the session
		log.Debugf("Failed to load %v as SVID, loading as plain key pair: %v", paths.Cert, err)
		kp, err := tls.LoadX509KeyPair(paths.Cert, paths.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair %v, %v: %w", paths.Cert, paths.Key, err)
		}
		signer, ok := kp.PrivateKey.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("private key %v of type %T is not a signer", paths.Key, kp.PrivateKey)
		}
		chain, err = internal.ReadCerts(paths.Cert)
		if err != nil {
			return nil, err
		}
		key = signer
	}

	if paths.TrustDomain != "" {
		td, err = spiffeid.TrustDomainFromString(paths.TrustDomain)
		if err != nil {
			return nil, fmt.Errorf("invalid trust domain %v: %w", paths.TrustDomain, err)
		}
	}

	var roots []*x509.Certificate
	if !td.IsZero() {
		bundle, err := x509bundle.Load(td, paths.Bundle)
		if err != nil {
			return nil, fmt.Errorf("failed to load trust bundle %v: %w", paths.Bundle, err)
		}
		roots = bundle.X509Authorities()
	} else {
		roots, err = internal.ReadCerts(paths.Bundle)
		if err != nil {
			return nil, fmt.Errorf("failed to load trust bundle: %w", err)
		}
	}

	return NewCredentials(chain, key, roots)
}

// Config holds the settings of a responder or initiator
type Config struct {
	Credentials      *Credentials
	HandshakeTimeout time.Duration
	Retry            RetryConfig
	MaxGreeting      int

	// OnReady is called with the bound address once a responder listens
	OnReady func(net.Addr)
}

type ConnectionOption[T any] func(*T)

// WithCredentials sets the own SVID and the trust bundle
func WithCredentials(creds *Credentials) ConnectionOption[Config] {
	return func(c *Config) {
		c.Credentials = creds
	}
}

// WithHandshakeTimeout bounds the duration of the TLS handshake including
// peer verification. If not specified, default is 10s
func WithHandshakeTimeout(d time.Duration) ConnectionOption[Config] {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithRetry configures the backoff of DialWithRetry
func WithRetry(r RetryConfig) ConnectionOption[Config] {
	return func(c *Config) {
		c.Retry = r
	}
}

// WithReadyCallback registers a function which is called with the bound
// address as soon as a responder accepts connections
func WithReadyCallback(f func(net.Addr)) ConnectionOption[Config] {
	return func(c *Config) {
		c.OnReady = f
	}
}

// WithMaxGreeting sets the maximum size of a greeting read from the peer
func WithMaxGreeting(n int) ConnectionOption[Config] {
	return func(c *Config) {
		c.MaxGreeting = n
	}
}

// NewConfig creates a configuration with defaults, modified by opts
func NewConfig(opts ...ConnectionOption[Config]) *Config {
	c := &Config{
		HandshakeTimeout: handshakeTimeoutDefault,
		Retry:            DefaultRetryConfig(),
		MaxGreeting:      maxGreetingDefault,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Responders require and verify a client certificate against the bundle
func (c *Config) serverTlsConfig() (*tls.Config, error) {
	if c.Credentials == nil {
		return nil, ErrNoCredentials
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{c.Credentials.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    internal.CertPool(c.Credentials.Roots),
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tlsVersion,
	}
	if err := internal.PrintTlsConfig(conf, c.Credentials.Roots); err != nil {
		return nil, err
	}
	return conf, nil
}

// SVIDs carry no host names, therefore initiators skip the host name check
// of the standard verification and verify the chain against the bundle
// themselves
func (c *Config) clientTlsConfig() (*tls.Config, error) {
	if c.Credentials == nil {
		return nil, ErrNoCredentials
	}
	roots := c.Credentials.Roots
	conf := &tls.Config{
		Certificates:       []tls.Certificate{c.Credentials.Certificate},
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := internal.VerifyRawCertChain(rawCerts, roots, x509.ExtKeyUsageServerAuth)
			if err != nil {
				return fmt.Errorf("failed to verify responder certificate chain: %w", err)
			}
			return nil
		},
		MinVersion: tls.VersionTLS12,
		MaxVersion: tlsVersion,
	}
	if err := internal.PrintTlsConfig(conf, roots); err != nil {
		return nil, err
	}
	return conf, nil
}
