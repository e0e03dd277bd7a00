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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	atls "github.com/Fraunhofer-AISEC/svidtls/attestedtls"
	"github.com/Fraunhofer-AISEC/svidtls/identity"
	"github.com/Fraunhofer-AISEC/svidtls/internal"
	"github.com/urfave/cli/v3"
)

const (
	idFlag       = "id"
	validityFlag = "validity"
)

var genSvidsCommand = &cli.Command{
	Name:      "gen-svids",
	Usage:     "create a self-signed trust bundle and an SVID for local testing without a SPIRE server",
	ArgsUsage: "<dir>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  idFlag,
			Usage: "SPIFFE ID of the generated SVID",
			Value: "spiffe://example.org/workload",
		},
		&cli.DurationFlag{
			Name:  validityFlag,
			Usage: "validity of the generated SVID",
			Value: time.Hour,
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if _, err := getConfig(cmd); err != nil {
			return err
		}
		if cmd.Args().Len() != 1 {
			return errors.New("expected the output directory")
		}
		return genSvids(cmd.Args().First(), identity.ID(cmd.String(idFlag)), cmd.Duration(validityFlag))
	},
}

// genSvids writes the credential triplet for id into dir
func genSvids(dir string, id identity.ID, validity time.Duration) error {
	td, err := id.TrustDomain()
	if err != nil {
		return fmt.Errorf("invalid SPIFFE ID %v: %w", id, err)
	}

	ca, err := internal.CreateCa(td)
	if err != nil {
		return err
	}
	leaf, key, err := ca.Issue(internal.LeafParams{
		CommonName: "SPIRE SVID",
		URIs:       []string{id.String()},
		Validity:   validity,
	})
	if err != nil {
		return err
	}
	keyPem, err := internal.WritePrivateKeyPem(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %v: %w", dir, err)
	}

	paths := atls.DefaultCredentialPaths(dir)
	files := []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{paths.Cert, internal.WriteCertPem(leaf), 0644},
		{paths.Key, keyPem, 0600},
		{paths.Bundle, internal.WriteCertPem(ca.Cert), 0644},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, f.perm); err != nil {
			return fmt.Errorf("failed to write %v: %w", f.path, err)
		}
		log.Debugf("Wrote %v", f.path)
	}

	log.Infof("Created SVID for %v in %v", id, filepath.Clean(dir))

	return nil
}
