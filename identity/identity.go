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

// Package identity extracts SPIFFE identities from X.509 certificates and
// recognizes the identities SPIRE assigns to TPM-attested agents
package identity

import (
	"crypto/x509"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

var log = logrus.WithField("service", "identity")

const Scheme = "spiffe://"

type AltNameType string

const (
	AltNameDNS   AltNameType = "DNS"
	AltNameURI   AltNameType = "URI"
	AltNameEmail AltNameType = "email"
	AltNameIP    AltNameType = "IP"
)

// AltName is a typed subject alternative name entry
type AltName struct {
	Type  AltNameType `json:"type"`
	Value string      `json:"value"`
}

func (a AltName) String() string {
	return fmt.Sprintf("%v:%v", a.Type, a.Value)
}

// CertSummary is the decoded peer certificate information recorded for an
// established session
type CertSummary struct {
	Subject  string    `json:"subject"`
	Issuer   string    `json:"issuer"`
	AltNames []AltName `json:"altNames,omitempty"`
}

// ID is a SPIFFE identity URI of the form spiffe://<trust-domain>/<path>
type ID string

func (id ID) String() string {
	return string(id)
}

// SpiffeID parses the identity into its trust domain and path components
func (id ID) SpiffeID() (spiffeid.ID, error) {
	sid, err := spiffeid.FromString(string(id))
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("failed to parse SPIFFE ID %v: %w", id, err)
	}
	return sid, nil
}

func (id ID) TrustDomain() (string, error) {
	sid, err := id.SpiffeID()
	if err != nil {
		return "", err
	}
	return sid.TrustDomain().Name(), nil
}

func (id ID) Path() (string, error) {
	sid, err := id.SpiffeID()
	if err != nil {
		return "", err
	}
	return sid.Path(), nil
}

// Summarize decodes subject, issuer and all subject alternative names of a
// certificate
func Summarize(cert *x509.Certificate) CertSummary {
	if cert == nil {
		return CertSummary{}
	}

	altNames := make([]AltName, 0, len(cert.DNSNames)+len(cert.URIs)+
		len(cert.EmailAddresses)+len(cert.IPAddresses))
	for _, dns := range cert.DNSNames {
		altNames = append(altNames, AltName{Type: AltNameDNS, Value: dns})
	}
	for _, uri := range cert.URIs {
		altNames = append(altNames, AltName{Type: AltNameURI, Value: uri.String()})
	}
	for _, email := range cert.EmailAddresses {
		altNames = append(altNames, AltName{Type: AltNameEmail, Value: email})
	}
	for _, ip := range cert.IPAddresses {
		altNames = append(altNames, AltName{Type: AltNameIP, Value: ip.String()})
	}

	return CertSummary{
		Subject:  cert.Subject.String(),
		Issuer:   cert.Issuer.String(),
		AltNames: altNames,
	}
}

// Extract returns the first URI alternative name with the spiffe scheme.
// Other alternative name types are never considered. Returns false if the
// certificate carries no SPIFFE identity
func Extract(altNames []AltName) (ID, bool) {
	for _, a := range altNames {
		if a.Type != AltNameURI {
			continue
		}
		if strings.HasPrefix(a.Value, Scheme) {
			return ID(a.Value), true
		}
	}
	return "", false
}

// FromCert extracts the SPIFFE identity of a certificate
func FromCert(cert *x509.Certificate) (ID, bool) {
	id, ok := Extract(Summarize(cert).AltNames)
	if !ok {
		log.Tracef("Certificate %v does not carry a SPIFFE ID", subjectOf(cert))
	}
	return id, ok
}

func subjectOf(cert *x509.Certificate) string {
	if cert == nil {
		return "<nil>"
	}
	return cert.Subject.String()
}

var (
	tpmAgentRegex = regexp.MustCompile(`^spiffe://[a-zA-Z0-9.-]+/spire/agent/tpm/[0-9a-fA-F]+$`)
	agentRegex    = regexp.MustCompile(`^spiffe://[a-zA-Z0-9.-]+/spire/agent/([a-zA-Z0-9_]+)/[^/]+`)
)

// IsTpmAgentID returns whether id is the identity of an agent that was
// attested with the TPM node attestor
func IsTpmAgentID(id string) bool {
	return tpmAgentRegex.MatchString(id)
}

// AttestationMethod returns the node attestor which was used to attest the
// agent with the given identity, e.g. tpm, join_token or x509pop
func AttestationMethod(id string) (string, bool) {
	m := agentRegex.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return m[1], true
}
