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

package verifier

import (
	"errors"
	"fmt"
	"time"

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
	"github.com/Fraunhofer-AISEC/svidtls/selector"
)

var (
	ErrUntrustedDevice = errors.New("untrusted device")
	ErrPcrMismatch     = errors.New("PCR mismatch")
	ErrPcrMissing      = errors.New("PCR not measured")
)

// VerifyWorkload decides whether a workload registered with the given
// selectors may receive an SVID on a device with the given credential checks
// and measured PCR digests (PCR index to hex digest). The credential gate is
// evaluated first, the measurements are only compared for trusted devices.
// Selectors of other attestors are passed through without evaluation
func VerifyWorkload(
	workload string,
	creds CredentialPair,
	selectors []string,
	pcrs map[int]string,
) (*ar.VerificationResult, error) {

	result := &ar.VerificationResult{
		Type:     "Workload Verification Result",
		Success:  false,
		Created:  time.Now().UTC().Format(time.RFC3339),
		Workload: workload,
		Credentials: ar.CredentialResult{
			Success:          creds.Valid(),
			AkCertValid:      ar.Result{Success: creds.AkCertValid},
			EkPublicKeyValid: ar.Result{Success: creds.EkPublicKeyValid},
			AkSignedByEk:     ar.Result{Success: creds.AkSignedByEk},
		},
	}

	if !creds.Valid() {
		log.Warnf("Rejecting %v: TPM credential validation failed (AK cert valid: %v, EK key valid: %v, AK signed by EK: %v)",
			workload, creds.AkCertValid, creds.EkPublicKeyValid, creds.AkSignedByEk)
		result.Details = "TPM credential validation failed"
		return result, fmt.Errorf("%w: TPM credential validation failed", ErrUntrustedDevice)
	}

	tpmSelectors, others, err := selector.ParseAll(selectors)
	if err != nil {
		result.Details = err.Error()
		return result, fmt.Errorf("failed to parse selectors of %v: %w", workload, err)
	}
	result.Passthrough = others
	if len(tpmSelectors) == 0 {
		log.Debugf("Workload %v has no TPM PCR selectors", workload)
	}

	result.PcrMatch = make([]ar.PcrResult, 0, len(tpmSelectors))
	errs := make([]error, 0)
	for _, sel := range tpmSelectors {
		pcrResult, err := verifyPcr(sel, pcrs)
		result.PcrMatch = append(result.PcrMatch, pcrResult)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		result.Details = fmt.Sprintf("%v of %v PCR selectors failed", len(errs), len(tpmSelectors))
		return result, errors.Join(errs...)
	}

	log.Debugf("Successfully verified %v PCR selectors of %v", len(tpmSelectors), workload)
	result.Success = true

	return result, nil
}

func verifyPcr(sel selector.Selector, pcrs map[int]string) (ar.PcrResult, error) {
	pcrResult := ar.PcrResult{
		Pcr:      sel.Pcr,
		Expected: sel.Digest,
	}

	observed, ok := pcrs[sel.Pcr]
	if !ok || observed == "" {
		log.Debugf("PCR%v was not measured", sel.Pcr)
		pcrResult.Details = fmt.Sprintf("PCR%v was not measured", sel.Pcr)
		return pcrResult, fmt.Errorf("%w: PCR%v", ErrPcrMissing, sel.Pcr)
	}

	m := MatchDigest(sel.Digest, observed)
	pcrResult.Expected = m.Expected
	pcrResult.Measured = m.Got
	if m.Denied {
		log.Debugf("PCR%v mismatch: expected: %v, measured: %v", sel.Pcr, m.Expected, m.Got)
		pcrResult.Details = m.Diagnostic
		return pcrResult, fmt.Errorf("%w: PCR%v: %v", ErrPcrMismatch, sel.Pcr, m.Diagnostic)
	}

	pcrResult.Success = true
	return pcrResult, nil
}
