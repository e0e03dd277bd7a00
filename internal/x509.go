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

package internal

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ParseCert parses a certificate from PEM or DER encoded data into an X.509 certificate
func ParseCert(data []byte) (*x509.Certificate, error) {
	input := data

	block, _ := pem.Decode(data)
	if block != nil {
		input = block.Bytes
	}

	cert, err := x509.ParseCertificate(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse x509 Certificate: %v", err)
	}

	return cert, nil
}

// ParseCertsPem parses all certificates of a single PEM encoded blob, as found
// in SVID and trust bundle files
func ParseCertsPem(data []byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0)
	input := data

	for block, rest := pem.Decode(input); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse x509 Certificate: %v", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("did not find certs in provided data")
	}
	return certs, nil
}

// ReadCerts reads and parses all PEM encoded certificates from a file
func ReadCerts(file string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", file, err)
	}
	certs, err := ParseCertsPem(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %v: %w", file, err)
	}
	return certs, nil
}

func WriteCertPem(cert *x509.Certificate) []byte {
	p := &bytes.Buffer{}
	pem.Encode(p, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	return p.Bytes()
}

func WriteCertsPem(certs []*x509.Certificate) []byte {
	p := &bytes.Buffer{}
	for _, c := range certs {
		p.Write(WriteCertPem(c))
	}
	return p.Bytes()
}

func WritePrivateKeyPem(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PKCS8 private key: %w", err)
	}
	p := &bytes.Buffer{}
	pem.Encode(p, &pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return p.Bytes(), nil
}

// VerifyCertChain tries to verify the certificate chain certs with leaf
// certificate first up to one of the root certificates in cas. If no key
// usages are given, any extended key usage is accepted
func VerifyCertChain(certs []*x509.Certificate, cas []*x509.Certificate, usages ...x509.ExtKeyUsage) ([][]*x509.Certificate, error) {

	if len(certs) == 0 {
		return nil, errors.New("no certificate chain provided")
	}
	if len(cas) == 0 {
		return nil, errors.New("no CA provided")
	}

	leafCert := certs[0]

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	roots := x509.NewCertPool()
	for _, ca := range cas {
		roots.AddCert(ca)
	}

	if len(usages) == 0 {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}

	opts := x509.VerifyOptions{
		Intermediates: intermediates,
		Roots:         roots,
		KeyUsages:     usages,
	}

	chains, err := leafCert.Verify(opts)

	return chains, err
}

// VerifyRawCertChain parses the raw certificates presented during a TLS
// handshake and verifies them against cas for the given key usages
func VerifyRawCertChain(rawCerts [][]byte, cas []*x509.Certificate, usages ...x509.ExtKeyUsage) ([][]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return VerifyCertChain(certs, cas, usages...)
}

// CertPool creates a certificate pool from a list of certificates
func CertPool(certs []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}

func PrintTlsConfig(conf *tls.Config, roots []*x509.Certificate) error {
	log.Debug("Using the following TLS certificate configuration")
	for i, certs := range conf.Certificates {
		for j, data := range certs.Certificate {
			c, err := ParseCert(data)
			if err != nil {
				return fmt.Errorf("failed to convert certificate: %w", err)
			}
			log.Debugf("Cert %v:%v: %v, URIs %v, SubjectKeyID %v, AuthorityKeyID %v",
				i, j, c.Subject.CommonName, c.URIs,
				hex.EncodeToString(c.SubjectKeyId),
				hex.EncodeToString(c.AuthorityKeyId))
		}
	}
	for i, c := range roots {
		log.Debugf("CA Cert%v: %v, SubjectKeyID %v",
			i, c.Subject.CommonName, hex.EncodeToString(c.SubjectKeyId))
	}
	return nil
}
