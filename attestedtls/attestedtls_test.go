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
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Fraunhofer-AISEC/svidtls/identity"
	"github.com/Fraunhofer-AISEC/svidtls/internal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const (
	serverId = "spiffe://example.org/server-workload"
	clientId = "spiffe://example.org/client-workload"
)

func testCa(t *testing.T, cn string) *internal.Ca {
	t.Helper()
	ca, err := internal.CreateCa(cn)
	require.NoError(t, err)
	return ca
}

// testCredentials issues a leaf from ca, trusting roots
func testCredentials(t *testing.T, ca *internal.Ca, id string, roots ...*x509.Certificate) *Credentials {
	t.Helper()
	params := internal.LeafParams{CommonName: "workload"}
	if id != "" {
		params.URIs = []string{id}
	}
	leaf, key, err := ca.Issue(params)
	require.NoError(t, err)
	creds, err := NewCredentials([]*x509.Certificate{leaf}, key, roots)
	require.NoError(t, err)
	return creds
}

func testConfig(creds *Credentials, opts ...ConnectionOption[Config]) *Config {
	opts = append([]ConnectionOption[Config]{
		WithCredentials(creds),
		WithHandshakeTimeout(5 * time.Second),
		WithRetry(RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}),
	}, opts...)
	return NewConfig(opts...)
}

type respondOutcome struct {
	ex  *Exchange
	err error
}

// startResponder listens on a free local port and answers one session
func startResponder(t *testing.T, ctx context.Context, cfg *Config) (string, <-chan respondOutcome) {
	t.Helper()
	ln, err := Listen(ctx, "tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)

	done := make(chan respondOutcome, 1)
	go func() {
		defer ln.Close()
		ex, err := RespondOnce(ctx, ln, []byte(ServerGreeting))
		done <- respondOutcome{ex, err}
	}()
	return ln.Addr().String(), done
}

func hasMessage(hook *test.Hook, substr string) bool {
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestMutualSession(t *testing.T) {
	hook := test.NewGlobal()
	logrus.SetLevel(logrus.TraceLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	serverCreds := testCredentials(t, ca, serverId, ca.Cert)
	clientCreds := testCredentials(t, ca, clientId, ca.Cert)

	addr, done := startResponder(t, ctx, testConfig(serverCreds))

	initiator, err := Initiate(ctx, "tcp", addr, testConfig(clientCreds), []byte(ClientGreeting))
	require.NoError(t, err)

	o := <-done
	require.NoError(t, o.err)
	responder := o.ex

	// Greetings are delivered verbatim
	require.Equal(t, ClientGreeting, string(responder.Received))
	require.Equal(t, ServerGreeting, string(initiator.Received))

	// Each side sees the other's identity
	require.True(t, responder.PeerFound)
	require.True(t, initiator.PeerFound)
	require.Equal(t, identity.ID(clientId), responder.Peer)
	require.Equal(t, identity.ID(serverId), initiator.Peer)
	require.Equal(t, responder.Local, initiator.Peer)
	require.Equal(t, initiator.Local, responder.Peer)

	require.Equal(t, serverId, responder.Result.LocalIdentity)
	require.Contains(t, responder.Result.PeerAltNames, "URI:"+clientId)
	require.Equal(t, ClientGreeting, responder.Result.Received)

	require.True(t, hasMessage(hook, "[Responder] Verified peer identity: "+clientId))
	require.True(t, hasMessage(hook, "[Initiator] Verified peer identity: "+serverId))
}

func TestUntrustedInitiator(t *testing.T) {
	hook := test.NewGlobal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	rogue := testCa(t, "Rogue CA")
	serverCreds := testCredentials(t, ca, serverId, ca.Cert)
	// The initiator trusts the responder, but is issued by an unrelated CA
	clientCreds := testCredentials(t, rogue, clientId, ca.Cert)

	addr, done := startResponder(t, ctx, testConfig(serverCreds))

	// The rejection reaches the initiator within its handshake
	s, err := Dial(ctx, "tcp", addr, testConfig(clientCreds))
	require.ErrorIs(t, err, ErrHandshake)
	require.NotNil(t, s)
	require.Equal(t, Failed, s.State())
	_, ok := s.PeerIdentity()
	require.False(t, ok)
	require.ErrorIs(t, s.Write(ctx, []byte(ClientGreeting)), ErrNotEstablished)

	o := <-done
	require.ErrorIs(t, o.err, ErrHandshake)
	require.Nil(t, o.ex)

	require.False(t, hasMessage(hook, "Verified peer identity"))
	require.False(t, hasMessage(hook, "[Responder] Received"))
}

func TestResponderWithoutServerAuth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	leaf, key, err := ca.Issue(internal.LeafParams{
		CommonName:  "workload",
		URIs:        []string{serverId},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)
	serverCreds, err := NewCredentials([]*x509.Certificate{leaf}, key, []*x509.Certificate{ca.Cert})
	require.NoError(t, err)
	clientCreds := testCredentials(t, ca, clientId, ca.Cert)

	addr, done := startResponder(t, ctx, testConfig(serverCreds))

	s, err := Dial(ctx, "tcp", addr, testConfig(clientCreds))
	require.ErrorIs(t, err, ErrHandshake)
	require.Equal(t, Failed, s.State())

	o := <-done
	require.Error(t, o.err)
	require.Nil(t, o.ex)
}

func TestPeerDisconnectMidRead(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	serverCreds := testCredentials(t, ca, serverId, ca.Cert)
	clientCreds := testCredentials(t, ca, clientId, ca.Cert)

	addr, done := startResponder(t, ctx, testConfig(serverCreds))

	s, err := Dial(ctx, "tcp", addr, testConfig(clientCreds))
	require.NoError(t, err)
	require.Equal(t, Established, s.State())

	// Drop the transport before sending the greeting
	require.NoError(t, s.conn.NetConn().Close())

	o := <-done
	require.ErrorIs(t, o.err, io.EOF)
	require.NotErrorIs(t, o.err, ErrHandshake)
	require.Nil(t, o.ex)
}

func TestUntrustedResponder(t *testing.T) {
	hook := test.NewGlobal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	rogue := testCa(t, "Rogue CA")
	serverCreds := testCredentials(t, rogue, serverId, ca.Cert)
	clientCreds := testCredentials(t, ca, clientId, ca.Cert)

	addr, done := startResponder(t, ctx, testConfig(serverCreds))

	_, err := Initiate(ctx, "tcp", addr, testConfig(clientCreds), []byte(ClientGreeting))
	require.ErrorIs(t, err, ErrHandshake)
	require.NotErrorIs(t, err, ErrMaxRetriesExceeded)

	o := <-done
	require.Error(t, o.err)

	require.False(t, hasMessage(hook, "Verified peer identity"))
	require.False(t, hasMessage(hook, "Received"))
}

func TestFailedSessionState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	rogue := testCa(t, "Rogue CA")
	serverCreds := testCredentials(t, rogue, serverId, ca.Cert)
	clientCreds := testCredentials(t, ca, clientId, ca.Cert)

	addr, done := startResponder(t, ctx, testConfig(serverCreds))

	s, err := Dial(ctx, "tcp", addr, testConfig(clientCreds))
	require.ErrorIs(t, err, ErrHandshake)
	require.NotNil(t, s)
	require.Equal(t, Failed, s.State())
	_, ok := s.PeerIdentity()
	require.False(t, ok)
	require.ErrorIs(t, s.Write(ctx, []byte(ClientGreeting)), ErrNotEstablished)
	require.NoError(t, s.Close())
	require.Equal(t, Failed, s.State())

	cancel()
	<-done
}

func TestPeerWithoutSpiffeId(t *testing.T) {
	hook := test.NewGlobal()
	logrus.SetLevel(logrus.InfoLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	serverCreds := testCredentials(t, ca, serverId, ca.Cert)
	clientCreds := testCredentials(t, ca, "", ca.Cert)
	require.False(t, clientCreds.HasId)

	addr, done := startResponder(t, ctx, testConfig(serverCreds))

	initiator, err := Initiate(ctx, "tcp", addr, testConfig(clientCreds), []byte(ClientGreeting))
	require.NoError(t, err)
	require.True(t, initiator.PeerFound)

	o := <-done
	require.NoError(t, o.err)
	require.False(t, o.ex.PeerFound)
	require.Equal(t, identity.ID(""), o.ex.Peer)
	require.Equal(t, ClientGreeting, string(o.ex.Received))

	require.True(t, hasMessage(hook, "carries no SPIFFE ID"))
}

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	creds := testCredentials(t, ca, serverId, ca.Cert)

	var readyAddr net.Addr
	cfg := testConfig(creds, WithReadyCallback(func(a net.Addr) {
		readyAddr = a
	}))

	responder, initiator, err := RunDemo(ctx, "127.0.0.1:0", cfg)
	require.NoError(t, err)
	require.NotNil(t, readyAddr)

	require.Equal(t, ClientGreeting, string(responder.Received))
	require.Equal(t, ServerGreeting, string(initiator.Received))
	require.Equal(t, identity.ID(serverId), responder.Peer)
	require.Equal(t, identity.ID(serverId), initiator.Peer)
}

func TestRunDemoBindFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	creds := testCredentials(t, ca, serverId, ca.Cert)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	_, _, err = RunDemo(ctx, occupied.Addr().String(), testConfig(creds))
	require.ErrorIs(t, err, ErrBind)
}

func TestDialWithRetryRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	creds := testCredentials(t, ca, clientId, ca.Cert)

	// Obtain a port nobody listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = DialWithRetry(ctx, "tcp", addr, testConfig(creds))
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestDialWithRetryWaitsForResponder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	serverCreds := testCredentials(t, ca, serverId, ca.Cert)
	clientCreds := testCredentials(t, ca, clientId, ca.Cert)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	type dialOutcome struct {
		ex  *Exchange
		err error
	}
	dialed := make(chan dialOutcome, 1)
	clientCfg := testConfig(clientCreds, WithRetry(RetryConfig{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  50,
	}))
	go func() {
		ex, err := Initiate(ctx, "tcp", addr, clientCfg, []byte(ClientGreeting))
		dialed <- dialOutcome{ex, err}
	}()

	time.Sleep(100 * time.Millisecond)

	sl, err := Listen(ctx, "tcp", addr, testConfig(serverCreds))
	require.NoError(t, err)
	defer sl.Close()
	_, err = RespondOnce(ctx, sl, []byte(ServerGreeting))
	require.NoError(t, err)

	d := <-dialed
	require.NoError(t, d.err)
	require.Equal(t, ServerGreeting, string(d.ex.Received))
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	rogue := testCa(t, "Rogue CA")
	serverCreds := testCredentials(t, ca, serverId, ca.Cert)

	ln, err := Listen(ctx, "tcp", "127.0.0.1:0", testConfig(serverCreds))
	require.NoError(t, err)
	defer ln.Close()

	var mu sync.Mutex
	peers := make([]identity.ID, 0)

	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() {
		served <- ln.Serve(serveCtx, func(ctx context.Context, s *Session) {
			msg, err := s.Read(ctx, 1024)
			if err != nil {
				return
			}
			if id, ok := s.PeerIdentity(); ok {
				mu.Lock()
				peers = append(peers, id)
				mu.Unlock()
			}
			s.Write(ctx, append([]byte("echo: "), msg...))
		})
	}()

	// An untrusted initiator does not block the others
	_, err = Initiate(ctx, "tcp", ln.Addr().String(),
		testConfig(testCredentials(t, rogue, "spiffe://example.org/rogue", ca.Cert)), []byte("x"))
	require.Error(t, err)

	var wg sync.WaitGroup
	ids := []string{"spiffe://example.org/a", "spiffe://example.org/b", "spiffe://example.org/c"}
	for _, id := range ids {
		cfg := testConfig(testCredentials(t, ca, id, ca.Cert))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex, err := Initiate(ctx, "tcp", ln.Addr().String(), cfg, []byte(id))
			if err != nil {
				t.Errorf("Initiate() error = %v", err)
				return
			}
			if string(ex.Received) != "echo: "+id {
				t.Errorf("Initiate() received %q", ex.Received)
			}
		}()
	}
	wg.Wait()

	stopServe()
	require.NoError(t, <-served)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []identity.ID{
		"spiffe://example.org/a", "spiffe://example.org/b", "spiffe://example.org/c",
	}, peers)
}

// failingListener fails every accept with err until closed after n accepts
type failingListener struct {
	mu       sync.Mutex
	err      error
	n        int
	accepted []time.Time
}

func (f *failingListener) Accept() (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, time.Now())
	if len(f.accepted) > f.n {
		return nil, net.ErrClosed
	}
	return nil, f.err
}

func (f *failingListener) Close() error   { return nil }
func (f *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServeAcceptErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ca := testCa(t, "SPIRE CA")
	cfg := testConfig(testCredentials(t, ca, serverId, ca.Cert))
	tlsConf, err := cfg.serverTlsConfig()
	require.NoError(t, err)

	fl := &failingListener{err: syscall.EMFILE, n: 4}
	ln := &Listener{ln: fl, cfg: cfg, tlsConf: tlsConf}

	start := time.Now()
	err = ln.Serve(ctx, func(context.Context, *Session) {
		t.Errorf("handler must not be called")
	})
	require.NoError(t, err)

	fl.mu.Lock()
	defer fl.mu.Unlock()
	require.Len(t, fl.accepted, 5)
	// Four failures back off 5, 10, 20 and 40ms
	require.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
	for i := 1; i < len(fl.accepted); i++ {
		require.GreaterOrEqual(t, fl.accepted[i].Sub(fl.accepted[i-1]), acceptDelayMin)
	}
}

func TestServeAcceptErrorsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ca := testCa(t, "SPIRE CA")
	cfg := testConfig(testCredentials(t, ca, serverId, ca.Cert))
	tlsConf, err := cfg.serverTlsConfig()
	require.NoError(t, err)

	// Never recovers, Serve must still return on cancellation
	ln := &Listener{ln: &failingListener{err: syscall.EMFILE, n: 1 << 30}, cfg: cfg, tlsConf: tlsConf}

	served := make(chan error, 1)
	go func() {
		served <- ln.Serve(ctx, func(context.Context, *Session) {})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestListenBindFailure(t *testing.T) {
	ca := testCa(t, "SPIRE CA")
	creds := testCredentials(t, ca, serverId, ca.Cert)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	_, err = Listen(context.Background(), "tcp", occupied.Addr().String(), testConfig(creds))
	require.ErrorIs(t, err, ErrBind)

	_, err = Listen(context.Background(), "tcp", "127.0.0.1:0", NewConfig())
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestLoadCredentials(t *testing.T) {
	ca := testCa(t, "SPIRE CA")
	dir := t.TempDir()

	writeTriplet := func(dir, id string) CredentialPaths {
		params := internal.LeafParams{CommonName: "workload"}
		if id != "" {
			params.URIs = []string{id}
		}
		leaf, key, err := ca.Issue(params)
		require.NoError(t, err)
		keyPem, err := internal.WritePrivateKeyPem(key)
		require.NoError(t, err)

		require.NoError(t, os.MkdirAll(dir, 0755))
		paths := DefaultCredentialPaths(dir)
		require.NoError(t, os.WriteFile(paths.Cert, internal.WriteCertPem(leaf), 0644))
		require.NoError(t, os.WriteFile(paths.Key, keyPem, 0600))
		require.NoError(t, os.WriteFile(paths.Bundle, internal.WriteCertPem(ca.Cert), 0644))
		return paths
	}

	t.Run("SVID", func(t *testing.T) {
		creds, err := LoadCredentials(writeTriplet(filepath.Join(dir, "svid"), serverId))
		require.NoError(t, err)
		require.True(t, creds.HasId)
		require.Equal(t, identity.ID(serverId), creds.Id)
		require.Len(t, creds.Roots, 1)
		require.True(t, creds.Roots[0].Equal(ca.Cert))
	})

	t.Run("Certificate Without SPIFFE ID", func(t *testing.T) {
		creds, err := LoadCredentials(writeTriplet(filepath.Join(dir, "plain"), ""))
		require.NoError(t, err)
		require.False(t, creds.HasId)
		require.Len(t, creds.Roots, 1)
	})

	t.Run("Explicit Trust Domain", func(t *testing.T) {
		paths := writeTriplet(filepath.Join(dir, "td"), serverId)
		paths.TrustDomain = "example.org"
		_, err := LoadCredentials(paths)
		require.NoError(t, err)

		paths.TrustDomain = "Invalid Domain"
		_, err = LoadCredentials(paths)
		require.Error(t, err)
	})

	t.Run("Missing Files", func(t *testing.T) {
		_, err := LoadCredentials(DefaultCredentialPaths(filepath.Join(dir, "missing")))
		require.Error(t, err)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Handshake", ErrHandshake, false},
		{"Refused", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, true},
		{"Other", errors.New("other"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 4}
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"First Attempt", 0, nil, 1, nil},
		{"Responder Comes Up", 2, refused, 3, nil},
		{"Attempts Exhausted", 10, refused, 4, ErrMaxRetriesExceeded},
		{"Handshake Failure Not Retried", 10, ErrHandshake, 1, ErrHandshake},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			v, err := retry(context.Background(), cfg, func() (int, error) {
				calls++
				if calls <= tt.failures {
					return 0, tt.err
				}
				return calls, nil
			})
			require.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.Equal(t, calls, v)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := retry(ctx, DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, syscall.ECONNREFUSED
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	require.Zero(t, calls)
}
