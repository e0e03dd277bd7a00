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
	"os"

	"github.com/urfave/cli/v3"
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name: "svidctl",
		Usage: "A tool to verify TPM PCR selectors of SPIRE workload registrations and to " +
			"establish mutually authenticated TLS sessions between SPIFFE workloads",
		Flags: flags,
		Commands: []*cli.Command{
			selectorCommand,
			matchCommand,
			verifyCommand,
			pcrsCommand,
			listenCommand,
			dialCommand,
			demoCommand,
			statusCommand,
			fetchCommand,
			genSvidsCommand,
			schemaCommand,
		},
	}
}

func main() {
	cmd := newCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
