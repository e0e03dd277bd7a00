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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	ar "github.com/Fraunhofer-AISEC/svidtls/attestationreport"
)

const minRsaBits = 2048

// CredentialPair holds the outcome of the three checks on the attestation
// key (AK) and endorsement key (EK) of the TPM
type CredentialPair struct {
	AkCertValid      bool `json:"akCertValid"`
	EkPublicKeyValid bool `json:"ekPublicKeyValid"`
	AkSignedByEk     bool `json:"akSignedByEk"`
}

// ValidateCredentials is the credential gate: the device is trusted only if
// all three checks passed
func ValidateCredentials(akCertValid, ekPublicKeyValid, akSignedByEk bool) bool {
	return akCertValid && ekPublicKeyValid && akSignedByEk
}

func (c CredentialPair) Valid() bool {
	return ValidateCredentials(c.AkCertValid, c.EkPublicKeyValid, c.AkSignedByEk)
}

// EvaluateCredentials derives the credential checks from the AK certificate and
// the EK certificate of a device at the given time
func EvaluateCredentials(akCert, ekCert *x509.Certificate, now time.Time) (CredentialPair, ar.CredentialResult) {
	result := ar.CredentialResult{}

	result.AkCertValid = checkValidity(akCert, now)

	if ekCert == nil {
		result.EkPublicKeyValid = ar.Result{Success: false, Details: "no EK certificate provided"}
		result.AkSignedByEk = ar.Result{Success: false, Details: "no EK certificate provided"}
	} else {
		result.EkPublicKeyValid = checkEkPublicKey(ekCert)
		result.AkSignedByEk = checkAkSignature(akCert, ekCert)
	}

	creds := CredentialPair{
		AkCertValid:      result.AkCertValid.Success,
		EkPublicKeyValid: result.EkPublicKeyValid.Success,
		AkSignedByEk:     result.AkSignedByEk.Success,
	}
	result.Success = creds.Valid()

	log.Debugf("Credential checks: AK certificate valid: %v, EK public key valid: %v, AK signed by EK: %v",
		creds.AkCertValid, creds.EkPublicKeyValid, creds.AkSignedByEk)

	return creds, result
}

func checkValidity(cert *x509.Certificate, now time.Time) ar.Result {
	if cert == nil {
		return ar.Result{Success: false, Details: "no AK certificate provided"}
	}
	if now.Before(cert.NotBefore) {
		return ar.Result{
			Success:  false,
			Expected: fmt.Sprintf("not before %v", cert.NotBefore.UTC().Format(time.RFC3339)),
			Got:      now.UTC().Format(time.RFC3339),
			Details:  "AK certificate not yet valid",
		}
	}
	if now.After(cert.NotAfter) {
		return ar.Result{
			Success:  false,
			Expected: fmt.Sprintf("not after %v", cert.NotAfter.UTC().Format(time.RFC3339)),
			Got:      now.UTC().Format(time.RFC3339),
			Details:  "AK certificate expired",
		}
	}
	return ar.Result{Success: true}
}

func checkEkPublicKey(ekCert *x509.Certificate) ar.Result {
	switch pub := ekCert.PublicKey.(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < minRsaBits {
			return ar.Result{
				Success:  false,
				Expected: fmt.Sprintf("RSA >= %v bit", minRsaBits),
				Got:      fmt.Sprintf("RSA %v bit", pub.N.BitLen()),
			}
		}
		return ar.Result{Success: true}
	case *ecdsa.PublicKey:
		if pub.Curve != elliptic.P256() && pub.Curve != elliptic.P384() {
			return ar.Result{
				Success:  false,
				Expected: "ECDSA P-256 or P-384",
				Got:      fmt.Sprintf("ECDSA %v", pub.Curve.Params().Name),
			}
		}
		return ar.Result{Success: true}
	default:
		return ar.Result{
			Success:  false,
			Expected: "RSA or ECDSA",
			Got:      fmt.Sprintf("%T", pub),
		}
	}
}

// The AK certificate is checked against the EK key directly, as the EK is
// not a CA and x509.CheckSignatureFrom would reject it
func checkAkSignature(akCert, ekCert *x509.Certificate) ar.Result {
	if akCert == nil {
		return ar.Result{Success: false, Details: "no AK certificate provided"}
	}
	err := ekCert.CheckSignature(akCert.SignatureAlgorithm, akCert.RawTBSCertificate, akCert.Signature)
	if err != nil {
		return ar.Result{
			Success: false,
			Details: fmt.Sprintf("AK certificate signature does not verify under EK: %v", err),
		}
	}
	return ar.Result{Success: true}
}
