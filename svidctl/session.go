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

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
	atls "github.com/Fraunhofer-AISEC/svidtls/attestedtls"
	"github.com/urfave/cli/v3"
)

const onceFlag = "once"

var listenCommand = &cli.Command{
	Name:  "listen",
	Usage: "run a responder which accepts mutually authenticated TLS sessions",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  onceFlag,
			Usage: "accept exactly one session, write its result and exit",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := sessionConfig(c, atls.WithReadyCallback(func(addr net.Addr) {
			log.Infof("Listening on %v", addr)
			if err := notifySystemd(); err != nil {
				log.Warnf("Failed to notify systemd: %v", err)
			}
		}))
		if err != nil {
			return err
		}

		ln, err := atls.Listen(ctx, "tcp", c.Addr, cfg)
		if err != nil {
			return err
		}
		defer ln.Close()

		if cmd.Bool(onceFlag) {
			ex, err := atls.RespondOnce(ctx, ln, []byte(atls.ServerGreeting))
			if err != nil {
				return err
			}
			return writeResult(c, cmd, ex.Result)
		}

		return ln.Serve(ctx, func(ctx context.Context, s *atls.Session) {
			received, err := s.Read(ctx, cfg.MaxGreeting)
			if err != nil {
				log.Warnf("Session with %v: %v", s.RemoteAddr(), err)
				return
			}
			log.Infof("[%v] Received: %s", s.Role(), received)
			if err := s.Write(ctx, []byte(atls.ServerGreeting)); err != nil {
				log.Warnf("Session with %v: %v", s.RemoteAddr(), err)
			}
		})
	},
}

var dialCommand = &cli.Command{
	Name:  "dial",
	Usage: "connect to a responder, exchange greetings and print the verified peer identity",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return err
		}

		cfg, err := sessionConfig(c)
		if err != nil {
			return err
		}

		ex, err := atls.Initiate(ctx, "tcp", c.Addr, cfg, []byte(atls.ClientGreeting))
		if err != nil {
			return err
		}
		return writeResult(c, cmd, ex.Result)
	},
}

var demoCommand = &cli.Command{
	Name:  "demo",
	Usage: "run a responder and an initiator in this process and exchange greetings",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return err
		}

		cfg, err := sessionConfig(c)
		if err != nil {
			return err
		}

		responder, initiator, err := atls.RunDemo(ctx, c.Addr, cfg)
		if err != nil {
			return fmt.Errorf("demo failed: %w", err)
		}
		return writeResult(c, cmd, []ar.PeerResult{responder.Result, initiator.Result})
	},
}

func sessionConfig(c *config, opts ...atls.ConnectionOption[atls.Config]) (*atls.Config, error) {
	creds, err := atls.LoadCredentials(c.credentialPaths())
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	opts = append([]atls.ConnectionOption[atls.Config]{
		atls.WithCredentials(creds),
		atls.WithHandshakeTimeout(c.handshakeTimeout),
	}, opts...)

	return atls.NewConfig(opts...), nil
}
