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
	"time"

	"github.com/Fraunhofer-AISEC/svidtls/selector"
	"github.com/Fraunhofer-AISEC/svidtls/tpmdriver"
	"github.com/Fraunhofer-AISEC/svidtls/verifier"
	"github.com/urfave/cli/v3"
)

var selectorCommand = &cli.Command{
	Name:      "selector",
	Usage:     "validate TPM PCR selectors",
	ArgsUsage: "<selector> [<selector>...]",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if _, err := getConfig(cmd); err != nil {
			return err
		}
		if cmd.Args().Len() == 0 {
			return errors.New("no selectors specified")
		}

		w := cmd.Root().Writer
		errs := make([]error, 0)
		for _, text := range cmd.Args().Slice() {
			sel, err := selector.Parse(text)
			if err != nil {
				fmt.Fprintf(w, "%v: invalid\n", text)
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(w, "%v: PCR%v %v\n", sel, sel.Pcr, sel.DigestAlgorithm())
		}
		return errors.Join(errs...)
	},
}

var matchCommand = &cli.Command{
	Name:      "match",
	Usage:     "compare a registered PCR digest against a measured one",
	ArgsUsage: "<expected-digest> <measured-digest>",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		if _, err := getConfig(cmd); err != nil {
			return err
		}
		if cmd.Args().Len() != 2 {
			return errors.New("expected exactly two digests")
		}

		return match(cmd, cmd.Args().Get(0), cmd.Args().Get(1))
	},
}

// match compares two digests, both must be well-formed
func match(cmd *cli.Command, expected, measured string) error {
	if err := selector.ValidateDigest(expected); err != nil {
		return fmt.Errorf("invalid expected digest: %w", err)
	}
	if err := selector.ValidateDigest(measured); err != nil {
		return fmt.Errorf("invalid measured digest: %w", err)
	}

	m := verifier.MatchDigest(expected, measured)
	if m.Denied {
		return errors.New(m.Diagnostic)
	}
	fmt.Fprintln(cmd.Root().Writer, "PCR digests match")
	return nil
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "decide whether a workload with the given selectors may receive an SVID on this device",
	ArgsUsage: "<spiffe-id> <selector> [<selector>...]",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Args().Len() < 2 {
			return errors.New("expected a workload and at least one selector")
		}
		return verify(ctx, c, cmd, cmd.Args().First(), cmd.Args().Tail())
	},
}

// verify writes the verification result of workload and prints
// troubleshooting hints for mismatching PCRs
func verify(ctx context.Context, c *config, cmd *cli.Command, workload string, selectors []string) error {
	creds, err := evaluateCredentials(c)
	if err != nil {
		return err
	}

	pcrs, err := pcrReader(c).ReadPcrs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read PCRs: %w", err)
	}

	result, verr := verifier.VerifyWorkload(workload, creds, selectors, pcrs)
	if err := writeResult(c, cmd, result); err != nil {
		return err
	}
	if verr == nil {
		log.Infof("Workload %v may receive an SVID", workload)
		return nil
	}

	if errors.Is(verr, verifier.ErrPcrMismatch) {
		for _, p := range result.PcrMatch {
			if p.Success || p.Measured == "" {
				continue
			}
			sel := selector.Selector{Pcr: p.Pcr, Digest: p.Expected}
			fmt.Fprintln(cmd.Root().ErrWriter, verifier.MismatchHint(sel, p.Measured))
		}
	}
	return fmt.Errorf("verification of %v failed: %w", workload, verr)
}

func evaluateCredentials(c *config) (verifier.CredentialPair, error) {
	if c.AkCert == "" || c.EkCert == "" {
		return verifier.CredentialPair{}, errors.New("AK and EK certificates must be specified")
	}
	ak, err := readCert(c.AkCert)
	if err != nil {
		return verifier.CredentialPair{}, fmt.Errorf("failed to load AK certificate: %w", err)
	}
	ek, err := readCert(c.EkCert)
	if err != nil {
		return verifier.CredentialPair{}, fmt.Errorf("failed to load EK certificate: %w", err)
	}
	creds, _ := verifier.EvaluateCredentials(ak, ek, time.Now())
	return creds, nil
}

// pcrReader selects the measurement source: recorded values, a replayed
// event log or the TPM itself
func pcrReader(c *config) tpmdriver.PcrReader {
	if c.PcrsFile != "" {
		return pcrsFile(c.PcrsFile)
	}
	if c.EventLog != "" {
		return tpmdriver.EventLog{File: c.EventLog}
	}
	return tpmdriver.Tpm{}
}

type pcrsFile string

func (f pcrsFile) ReadPcrs(ctx context.Context) (map[int]string, error) {
	pcrs, err := tpmdriver.LoadPcrs(string(f))
	if err != nil {
		return nil, err
	}
	return pcrs.ReadPcrs(ctx)
}
