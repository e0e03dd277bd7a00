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
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Dial connects to a responder and performs the handshake. Host names are
// not verified as SVIDs identify workloads by URI, the certificate chain is
// always verified against the trust bundle. If the handshake fails, the
// failed session is returned together with the error
func Dial(ctx context.Context, network, addr string, cfg *Config) (*Session, error) {
	tlsConf, err := cfg.clientTlsConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	var dialer net.Dialer
	dialer.Timeout = cfg.HandshakeTimeout
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %v: %w", addr, err)
	}

	log.Debugf("[%v] Connected to %v", Initiator, addr)

	s := newSession(Initiator, tls.Client(conn, tlsConf), cfg.Credentials)
	if err := s.handshake(ctx, cfg.HandshakeTimeout); err != nil {
		return s, err
	}
	return s, nil
}

// DialWithRetry dials with exponential backoff as long as the responder is
// not reachable. Verification failures are returned immediately
func DialWithRetry(ctx context.Context, network, addr string, cfg *Config) (*Session, error) {
	return retry(ctx, cfg.Retry, func() (*Session, error) {
		return Dial(ctx, network, addr, cfg)
	})
}
