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
	"os/exec"
	"strings"
	"time"

	"github.com/Fraunhofer-AISEC/svidtls/selector"
	"github.com/Fraunhofer-AISEC/svidtls/verifier"
	"github.com/urfave/cli/v3"
)

const fetchTimeout = 10 * time.Second

var fetchCommand = &cli.Command{
	Name:  "fetch",
	Usage: "fetch the SVID of this workload from the SPIRE agent into the credentials directory",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  pcrFlag,
			Usage: "PCR of the workload selector, used in troubleshooting hints",
			Value: "7",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return err
		}

		out, err := fetchSvid(ctx, c)
		if err == nil {
			log.Infof("Wrote SVID to %v", c.CredentialsDir)
			return nil
		}

		if verifier.IsPcrDenial(out) {
			newSelector := fmt.Sprintf("%v%v:<new-digest>", selector.Prefix, cmd.String(pcrFlag))
			fmt.Fprintf(cmd.Root().ErrWriter, "SVID request denied, possibly due to a TPM PCR mismatch\n\n%v\n",
				verifier.DenialHint(newSelector))
		}
		return err
	},
}

// fetchSvid writes the SVID, its key and the trust bundle of the calling
// workload to the credentials directory and returns the agent's output
func fetchSvid(ctx context.Context, c *config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	args := []string{"api", "fetch", "x509", "-write", c.CredentialsDir}
	if c.AgentSocket != "" {
		args = append(args, "-socketPath", c.AgentSocket)
	}

	log.Debugf("Running %v %v", c.AgentBin, strings.Join(args, " "))

	out, err := exec.CommandContext(ctx, c.AgentBin, args...).CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return string(out), fmt.Errorf("fetching SVID timed out after %v", fetchTimeout)
	}
	if err != nil {
		return string(out), fmt.Errorf("failed to fetch SVID: %w: %v", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
