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

// Package verifier decides whether a device and workload may receive an SVID:
// the AK/EK credential gate is evaluated first, followed by the comparison of
// the measured PCR digests against the registered selectors
package verifier

import (
	"fmt"
	"strings"

	"github.com/Fraunhofer-AISEC/svidtls/selector"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "verifier")

// MatchResult is the decision of a single digest comparison. A fresh value is
// returned for every comparison
type MatchResult struct {
	Denied     bool   `json:"denied"`
	Expected   string `json:"expected"`
	Got        string `json:"got"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// MatchDigest compares an expected and an observed hex digest case-insensitively.
// Any difference, including a different length, denies. Two empty digests
// compare equal, callers must reject empty observations beforehand
func MatchDigest(expected, observed string) MatchResult {
	e := strings.ToLower(expected)
	o := strings.ToLower(observed)

	if e == o {
		return MatchResult{
			Denied:   false,
			Expected: e,
			Got:      o,
		}
	}

	return MatchResult{
		Denied:     true,
		Expected:   e,
		Got:        o,
		Diagnostic: fmt.Sprintf("PCR mismatch detected: Expected: %v, Actual: %v", e, o),
	}
}

// IsPcrDenial reports whether an error message of the SVID fetch indicates
// that the request was denied because of the workload's PCR selector
func IsPcrDenial(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "pcr") ||
		strings.Contains(m, "mismatch") ||
		strings.Contains(m, "permission denied")
}

// MismatchHint returns operator guidance for resolving a denied SVID request
// after the measurement of a registered PCR changed
func MismatchHint(sel selector.Selector, observed string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "TPM PCR MISMATCH DETECTED\n\n")
	fmt.Fprintf(&b, "The SVID request was denied because the measurement of PCR%v changed\n", sel.Pcr)
	fmt.Fprintf(&b, "since the workload was registered.\n\n")
	fmt.Fprintf(&b, "  registered: %v (%v)\n", strings.ToLower(sel.Digest), sel.DigestAlgorithm())
	if observed != "" {
		fmt.Fprintf(&b, "  measured:   %v\n", strings.ToLower(observed))
	}
	b.WriteString("\n")
	b.WriteString(DenialHint(fmt.Sprintf("%v%v:<new-digest>", selector.Prefix, sel.Pcr)))

	return b.String()
}

// DenialHint returns the troubleshooting steps for an SVID request that was
// denied because of a PCR selector
func DenialHint(newSelector string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Troubleshooting:\n")
	fmt.Fprintf(&b, "  1. Check the current PCR values: svidctl pcrs (or tpm2_pcrread sha256)\n")
	fmt.Fprintf(&b, "  2. View the workload registration: spire-server entry show\n")
	fmt.Fprintf(&b, "  3. Validate the match: svidctl verify <spiffe-id> <selector>\n")
	fmt.Fprintf(&b, "  4. If the system change is legitimate, delete the entry and register it again\n")
	fmt.Fprintf(&b, "     with selector %v\n", newSelector)
	fmt.Fprintf(&b, "\nCommon causes: firmware or BIOS updates, bootloader, kernel or initramfs\n")
	fmt.Fprintf(&b, "updates, Secure Boot configuration changes, TPM clear or reset\n")

	return b.String()
}
