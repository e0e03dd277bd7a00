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

// Package tpmdriver provides the measured PCR values and the reachability of
// the local TPM, which the attestation gate and the status check consume
package tpmdriver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Fraunhofer-AISEC/go-attestation/attest"
	"github.com/Fraunhofer-AISEC/svidtls/internal"
	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "tpmdriver")

// PcrReader provides the current PCR values as a map of PCR index to lowercase
// hex digest
type PcrReader interface {
	ReadPcrs(ctx context.Context) (map[int]string, error)
}

// Tpm reads the SHA256 PCR bank of the local hardware TPM
type Tpm struct{}

func (t Tpm) ReadPcrs(ctx context.Context) (map[int]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Debug("Opening TPM")

	tpm, err := attest.OpenTPM(&attest.OpenConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to open TPM: %w", err)
	}
	defer tpm.Close()

	pcrs, err := tpm.PCRs(attest.HashSHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to get TPM PCRs: %w", err)
	}

	values := make(map[int]string, len(pcrs))
	for _, pcr := range pcrs {
		values[pcr.Index] = hex.EncodeToString(pcr.Digest)
		log.Tracef("PCR%v: %v", pcr.Index, values[pcr.Index])
	}

	log.Debugf("Read %v PCRs from TPM", len(values))

	return values, nil
}

// StaticPcrs serves PCR values recorded beforehand, e.g. by svidctl pcrs
type StaticPcrs map[int]string

func (s StaticPcrs) ReadPcrs(ctx context.Context) (map[int]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values := make(map[int]string, len(s))
	for k, v := range s {
		values[k] = v
	}
	return values, nil
}

// LoadPcrs reads PCR values from a JSON file of the form {"7": "<hex-digest>"}
func LoadPcrs(file string) (StaticPcrs, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR file %v: %w", file, err)
	}
	pcrs := make(StaticPcrs)
	if err := json.Unmarshal(data, &pcrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal PCR file %v: %w", file, err)
	}
	return pcrs, nil
}

// GetTpmAddr returns the path of the TPM device, preferring the in-kernel
// resource manager
func GetTpmAddr() (string, error) {
	if internal.FileExists("/dev/tpmrm0") {
		return "/dev/tpmrm0", nil
	} else if internal.FileExists("/dev/tpm0") {
		return "/dev/tpm0", nil
	} else {
		return "", errors.New("failed to find TPM device in /dev")
	}
}

// Probe checks whether the TPM device at path can be opened and answers a
// command. If path is empty, the device is looked up in /dev
func Probe(path string) error {
	if path == "" {
		addr, err := GetTpmAddr()
		if err != nil {
			return err
		}
		path = addr
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("TPM device %v not present: %w", path, err)
	}

	rwc, err := tpm2.OpenTPM(path)
	if err != nil {
		return fmt.Errorf("failed to open TPM %v. Check access rights: %w", path, err)
	}
	defer rwc.Close()

	if _, err := tpm2.GetRandom(rwc, 8); err != nil {
		return fmt.Errorf("TPM %v does not respond: %w", path, err)
	}

	log.Debugf("TPM %v is accessible", path)

	return nil
}
