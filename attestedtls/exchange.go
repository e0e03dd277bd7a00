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
	"errors"
	"fmt"
	"net"

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
	"github.com/Fraunhofer-AISEC/svidtls/identity"
)

const (
	ClientGreeting = "Hello from SPIRE Client!"
	ServerGreeting = "Secure Hello from SPIRE Server!"
)

// Exchange is the outcome of one greeting exchange over a verified session
type Exchange struct {
	Local     identity.ID
	Peer      identity.ID
	PeerFound bool
	Received  []byte
	Result    ar.PeerResult
}

func newExchange(s *Session, received []byte) *Exchange {
	peer, ok := s.PeerIdentity()
	local, _ := s.LocalIdentity()
	result := s.Result()
	result.Received = string(received)
	return &Exchange{
		Local:     local,
		Peer:      peer,
		PeerFound: ok,
		Received:  received,
		Result:    result,
	}
}

// RespondOnce accepts exactly one session, reads the peer's greeting,
// answers with reply and closes the session
func RespondOnce(ctx context.Context, ln *Listener, reply []byte) (*Exchange, error) {
	s, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	received, err := s.Read(ctx, ln.cfg.MaxGreeting)
	if err != nil {
		return nil, err
	}
	log.Infof("[%v] Received: %s", Responder, received)

	if err := s.Write(ctx, reply); err != nil {
		return nil, err
	}

	return newExchange(s, received), nil
}

// Initiate connects to the responder at addr, sends greeting and reads the
// reply
func Initiate(ctx context.Context, network, addr string, cfg *Config, greeting []byte) (*Exchange, error) {
	s, err := DialWithRetry(ctx, network, addr, cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Write(ctx, greeting); err != nil {
		return nil, err
	}

	received, err := s.Read(ctx, cfg.MaxGreeting)
	if err != nil {
		return nil, err
	}
	log.Infof("[%v] Received: %s", Initiator, received)

	return newExchange(s, received), nil
}

// RunDemo runs a responder and an initiator in the same process. The
// initiator starts as soon as the responder signals its bound address.
// Both roles use the same credentials
func RunDemo(ctx context.Context, addr string, cfg *Config) (responder, initiator *Exchange, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan net.Addr, 1)
	respCfg := *cfg
	respCfg.OnReady = func(a net.Addr) {
		ready <- a
		if cfg.OnReady != nil {
			cfg.OnReady(a)
		}
	}

	type outcome struct {
		ex  *Exchange
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		ln, err := Listen(ctx, "tcp", addr, &respCfg)
		if err != nil {
			done <- outcome{nil, err}
			return
		}
		defer ln.Close()
		ex, err := RespondOnce(ctx, ln, []byte(ServerGreeting))
		done <- outcome{ex, err}
	}()

	var bound net.Addr
	select {
	case bound = <-ready:
	case o := <-done:
		return nil, nil, fmt.Errorf("responder failed: %w", o.err)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	initiator, initErr := Initiate(ctx, "tcp", bound.String(), cfg, []byte(ClientGreeting))
	if initErr != nil {
		initErr = fmt.Errorf("initiator failed: %w", initErr)
		// The responder might still wait for a connection
		cancel()
	}

	o := <-done
	if o.err != nil {
		o.err = fmt.Errorf("responder failed: %w", o.err)
	}

	return o.ex, initiator, errors.Join(o.err, initErr)
}
