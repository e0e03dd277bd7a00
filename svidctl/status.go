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

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
	"github.com/Fraunhofer-AISEC/svidtls/status"
	"github.com/urfave/cli/v3"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "report whether the local SPIRE agent was attested with the TPM",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return err
		}

		r := status.Check(ctx, status.Source{
			AgentId:   c.AgentId,
			AgentLog:  c.AgentLog,
			TpmDevice: c.TpmDevice,
		})

		return writeResult(c, cmd, statusResult(r))
	},
}

func statusResult(r status.Report) ar.StatusResult {
	return ar.StatusResult{
		Type:            "TPM Attestation Status",
		Active:          r.Status == status.Active,
		Explanation:     r.Explanation,
		AgentId:         r.AgentId,
		IdentityFormat:  r.Indicators.IdentityFormat,
		LogEvidence:     r.Indicators.LogEvidence,
		DeviceReachable: r.Indicators.DeviceReachable,
	}
}
