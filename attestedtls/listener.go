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

	"github.com/cenkalti/backoff/v4"
)

// Delays between failing accepts, e.g. when running out of file descriptors
const (
	acceptDelayMin = 5 * time.Millisecond
	acceptDelayMax = time.Second
)

// Listener accepts mutually authenticated sessions. Every accepted
// connection must present a certificate chain verifying against the
// trust bundle
type Listener struct {
	ln      net.Listener
	cfg     *Config
	tlsConf *tls.Config
}

// Listen binds to addr. A bind failure is returned wrapped in ErrBind. If
// configured, the ready callback is invoked with the bound address
func Listen(ctx context.Context, network, addr string, cfg *Config) (*Listener, error) {
	tlsConf, err := cfg.serverTlsConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w %v: %w", ErrBind, addr, err)
	}

	log.Infof("[%v] Listening on %v", Responder, ln.Addr())

	if cfg.OnReady != nil {
		cfg.OnReady(ln.Addr())
	}

	return &Listener{
		ln:      ln,
		cfg:     cfg,
		tlsConf: tlsConf,
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Accept waits for the next connection and performs the handshake. If the
// handshake fails, the transport is closed and the failed session is
// returned together with the error
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.acceptConn(ctx)
	if err != nil {
		return nil, err
	}
	return l.handshake(ctx, conn)
}

// Serve accepts sessions until ctx is cancelled or the listener is closed.
// Each connection is handled in its own goroutine with its own context,
// failed handshakes are logged and do not affect other sessions. Failing
// accepts are retried with a capped backoff. Returns after all handlers
// finished
func (l *Listener) Serve(ctx context.Context, handler func(context.Context, *Session)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	acceptBackOff := backoff.NewExponentialBackOff()
	acceptBackOff.InitialInterval = acceptDelayMin
	acceptBackOff.MaxInterval = acceptDelayMax
	acceptBackOff.RandomizationFactor = 0
	acceptBackOff.MaxElapsedTime = 0
	acceptBackOff.Reset()

	for {
		conn, err := l.acceptConn(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := acceptBackOff.NextBackOff()
			log.Warnf("[%v] Failed to accept connection: %v. Retrying in %v", Responder, err, delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		acceptBackOff.Reset()

		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			s, err := l.handshake(sctx, conn)
			if err != nil {
				log.Warnf("[%v] %v", Responder, err)
				return
			}
			defer s.Close()
			handler(sctx, s)
		}()
	}
}

func (l *Listener) acceptConn(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Interrupt the blocking accept on cancellation
	if d, ok := l.ln.(interface{ SetDeadline(time.Time) error }); ok {
		stop := context.AfterFunc(ctx, func() {
			d.SetDeadline(time.Now())
		})
		defer func() {
			stop()
			d.SetDeadline(time.Time{})
		}()
	}

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept: %w", err)
	}

	log.Debugf("[%v] Accepted connection from %v", Responder, conn.RemoteAddr())

	return conn, nil
}

func (l *Listener) handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	s := newSession(Responder, tls.Server(conn, l.tlsConf), l.cfg.Credentials)
	if err := s.handshake(ctx, l.cfg.HandshakeTimeout); err != nil {
		return s, err
	}
	return s, nil
}
