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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
	"github.com/Fraunhofer-AISEC/svidtls/identity"
)

type State int

const (
	Connecting State = iota
	HandshakeVerifying
	Established
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case HandshakeVerifying:
		return "HandshakeVerifying"
	case Established:
		return "Established"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Role string

const (
	Responder Role = "Responder"
	Initiator Role = "Initiator"
)

// Session is a single mutually authenticated TLS connection. The peer
// identity is recorded once when the session is established and does not
// change afterwards
type Session struct {
	conn *tls.Conn
	role Role

	mu    sync.Mutex
	state State

	local    identity.ID
	hasLocal bool

	peer        identity.ID
	hasPeer     bool
	peerSummary identity.CertSummary
}

func newSession(role Role, conn *tls.Conn, creds *Credentials) *Session {
	s := &Session{
		conn:  conn,
		role:  role,
		state: Connecting,
	}
	if creds != nil {
		s.local = creds.Id
		s.hasLocal = creds.HasId
	}
	return s
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Tracef("[%v] %v -> %v", s.role, s.state, state)
	s.state = state
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) LocalIdentity() (identity.ID, bool) {
	return s.local, s.hasLocal
}

// PeerIdentity returns the SPIFFE ID of the verified peer. Returns false if
// the session is not established or the peer presented no SPIFFE ID
func (s *Session) PeerIdentity() (identity.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established && s.state != Closed {
		return "", false
	}
	return s.peer, s.hasPeer
}

func (s *Session) PeerCertificate() identity.CertSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerSummary
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// handshake performs the TLS handshake including the mandatory verification
// of the peer certificate chain. On failure, the transport is closed
func (s *Session) handshake(ctx context.Context, timeout time.Duration) error {
	s.setState(HandshakeVerifying)

	hctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.conn.HandshakeContext(hctx); err != nil {
		s.conn.Close()
		s.setState(Failed)
		return fmt.Errorf("%w with %v: %w", ErrHandshake, s.conn.RemoteAddr(), err)
	}

	cs := s.conn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		s.conn.Close()
		s.setState(Failed)
		return fmt.Errorf("%w with %v: peer presented no certificate", ErrHandshake, s.conn.RemoteAddr())
	}

	summary := identity.Summarize(cs.PeerCertificates[0])
	peer, ok := identity.Extract(summary.AltNames)

	s.mu.Lock()
	s.peer = peer
	s.hasPeer = ok
	s.peerSummary = summary
	s.state = Established
	s.mu.Unlock()

	s.logIdentities()

	return nil
}

func (s *Session) logIdentities() {
	if s.hasLocal {
		log.Infof("[%v] Local identity: %v", s.role, s.local)
	} else {
		log.Infof("[%v] Local certificate carries no SPIFFE ID", s.role)
	}

	if s.hasPeer {
		log.Infof("[%v] Verified peer identity: %v", s.role, s.peer)
	} else {
		log.Infof("[%v] Peer %v carries no SPIFFE ID", s.role, s.peerSummary.Subject)
	}
	log.Debugf("[%v] Peer certificate subject: %v, issuer: %v, alternative names: %v",
		s.role, s.peerSummary.Subject, s.peerSummary.Issuer, s.peerSummary.AltNames)
}

// Write sends data to the peer
func (s *Session) Write(ctx context.Context, data []byte) error {
	if s.State() != Established {
		return ErrNotEstablished
	}
	stop := s.deadline(ctx, s.conn.SetWriteDeadline)
	defer stop()

	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write to %v: %w", s.conn.RemoteAddr(), err)
	}
	return nil
}

// Read reads a single message of at most size bytes from the peer
func (s *Session) Read(ctx context.Context, size int) ([]byte, error) {
	if s.State() != Established {
		return nil, ErrNotEstablished
	}
	stop := s.deadline(ctx, s.conn.SetReadDeadline)
	defer stop()

	buf := make([]byte, size)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read from %v: %w", s.conn.RemoteAddr(), err)
	}
	return buf[:n], nil
}

// deadline applies the deadline of ctx to the connection and interrupts
// blocking I/O on cancellation
func (s *Session) deadline(ctx context.Context, set func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		set(d)
	}
	stop := context.AfterFunc(ctx, func() {
		set(time.Now())
	})
	return func() {
		stop()
		set(time.Time{})
	}
}

// Close closes the session. Closing a failed session keeps it failed
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed || s.state == Failed {
		return nil
	}
	s.state = Closed
	err := s.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Result summarizes the session for output
func (s *Session) Result() ar.PeerResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	altNames := make([]string, 0, len(s.peerSummary.AltNames))
	for _, a := range s.peerSummary.AltNames {
		altNames = append(altNames, a.String())
	}
	return ar.PeerResult{
		Type:          fmt.Sprintf("%v Session Result", s.role),
		LocalIdentity: string(s.local),
		PeerIdentity:  string(s.peer),
		PeerSubject:   s.peerSummary.Subject,
		PeerIssuer:    s.peerSummary.Issuer,
		PeerAltNames:  altNames,
	}
}
