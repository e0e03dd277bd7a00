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

// Package status determines whether TPM attestation is active for the local
// SPIRE agent
package status

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Fraunhofer-AISEC/svidtls/identity"
	"github.com/Fraunhofer-AISEC/svidtls/tpmdriver"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "status")

type Status int

const (
	Inactive Status = iota
	Active
)

func (s Status) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Inactive:
		return "INACTIVE"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// Indicators are the three independent observations the status is derived
// from. The identity format is primary and sufficient for an active status
type Indicators struct {
	IdentityFormat  bool `json:"identityFormat"`
	LogEvidence     bool `json:"logEvidence"`
	DeviceReachable bool `json:"deviceReachable"`
}

type Report struct {
	Status      Status     `json:"status"`
	Explanation string     `json:"explanation"`
	Indicators  Indicators `json:"indicators"`
	AgentId     string     `json:"agentId,omitempty"`
}

// Aggregate combines the indicators into the attestation status. The result
// is defined for all combinations
func Aggregate(identityFormatOk, logEvidenceOk, deviceReachable bool) Report {
	r := Report{
		Indicators: Indicators{
			IdentityFormat:  identityFormatOk,
			LogEvidence:     logEvidenceOk,
			DeviceReachable: deviceReachable,
		},
	}

	if identityFormatOk {
		r.Status = Active
		switch {
		case logEvidenceOk && deviceReachable:
			r.Explanation = "TPM ATTESTATION IS ACTIVE - All checks passed"
		case logEvidenceOk:
			r.Explanation = "TPM ATTESTATION IS ACTIVE - Device accessibility check failed"
		default:
			r.Explanation = "TPM ATTESTATION IS ACTIVE - Some checks failed"
		}
		return r
	}

	r.Status = Inactive
	if deviceReachable {
		r.Explanation = "TPM ATTESTATION IS INACTIVE - TPM device available but not configured"
	} else {
		r.Explanation = "TPM ATTESTATION IS INACTIVE - TPM device not accessible"
	}
	return r
}

var evidenceKeywords = []string{
	"init",
	"start",
	"open",
	"load",
	"attestor",
	"plugin",
	"device",
	"attestation",
	"key generated",
	"complete",
	"success",
}

// HasTpmEvidence returns whether agent log content shows that the TPM node
// attestor was initialized: it must mention the TPM together with at least
// one initialization keyword
func HasTpmEvidence(logContent string) bool {
	c := strings.ToLower(logContent)
	if !strings.Contains(c, "tpm") {
		return false
	}
	for _, k := range evidenceKeywords {
		if strings.Contains(c, k) {
			return true
		}
	}
	return false
}

// ScanLog checks an agent log file line by line for TPM evidence. Lines
// mentioning the TPM are evaluated on their own so that unrelated lines
// cannot contribute keywords
func ScanLog(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open agent log %v: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if HasTpmEvidence(line) {
			log.Tracef("Found TPM evidence: %v", line)
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read agent log %v: %w", path, err)
	}
	return false, nil
}

// Source describes where the indicators are collected from
type Source struct {
	AgentId   string
	AgentLog  string
	TpmDevice string
}

// Check collects the indicators from the agent identity, the agent log and
// the TPM device and aggregates them. Unreadable sources count as a failed
// indicator
func Check(ctx context.Context, src Source) Report {
	identityOk := identity.IsTpmAgentID(src.AgentId)
	if !identityOk {
		if method, ok := identity.AttestationMethod(src.AgentId); ok {
			log.Debugf("Agent %v was attested with %v", src.AgentId, method)
		} else {
			log.Debugf("Agent ID %q is not a SPIRE agent ID", src.AgentId)
		}
	}

	logOk := false
	if src.AgentLog != "" && ctx.Err() == nil {
		ok, err := ScanLog(src.AgentLog)
		if err != nil {
			log.Warnf("Failed to scan agent log: %v", err)
		}
		logOk = ok
	}

	deviceOk := false
	if ctx.Err() == nil {
		if err := tpmdriver.Probe(src.TpmDevice); err != nil {
			log.Debugf("TPM device check failed: %v", err)
		} else {
			deviceOk = true
		}
	}

	r := Aggregate(identityOk, logOk, deviceOk)
	r.AgentId = src.AgentId

	log.Debugf("Attestation status: %v", r.Explanation)

	return r
}
