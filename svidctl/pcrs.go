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
	"slices"
	"strconv"
	"strings"

	"github.com/Fraunhofer-AISEC/svidtls/selector"
	"github.com/urfave/cli/v3"
	"golang.org/x/exp/maps"
)

const (
	pcrFlag       = "pcr"
	selectorsFlag = "selectors"
)

var pcrsCommand = &cli.Command{
	Name:  "pcrs",
	Usage: "read the SHA256 PCR values of this device",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  pcrFlag,
			Usage: "comma-separated PCRs to print, default is all",
		},
		&cli.BoolFlag{
			Name:  selectorsFlag,
			Usage: "print the values as TPM PCR selectors for workload registration",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		c, err := getConfig(cmd)
		if err != nil {
			return err
		}

		pcrs, err := pcrReader(c).ReadPcrs(ctx)
		if err != nil {
			return fmt.Errorf("failed to read PCRs: %w", err)
		}

		if cmd.IsSet(pcrFlag) {
			indices, err := strToInt(strings.Split(cmd.String(pcrFlag), ","))
			if err != nil {
				return err
			}
			pcrs = filterPcrs(pcrs, indices)
		}

		if cmd.Bool(selectorsFlag) {
			keys := maps.Keys(pcrs)
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintln(cmd.Root().Writer, selector.Selector{Pcr: k, Digest: pcrs[k]})
			}
			return nil
		}

		return writeResult(c, cmd, pcrs)
	},
}

func filterPcrs(pcrs map[int]string, indices []int) map[int]string {
	filtered := make(map[int]string, len(indices))
	for _, i := range indices {
		if v, ok := pcrs[i]; ok {
			filtered[i] = v
		} else {
			log.Warnf("PCR%v was not measured", i)
		}
	}
	return filtered
}

func strToInt(s []string) ([]int, error) {
	ints := make([]int, 0, len(s))
	for _, v := range s {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("failed to convert %q to PCR index: %w", v, err)
		}
		if i < selector.MinPcr || i > selector.MaxPcr {
			return nil, fmt.Errorf("PCR index %v out of range [%v, %v]", i, selector.MinPcr, selector.MaxPcr)
		}
		ints = append(ints, i)
	}
	return ints, nil
}
