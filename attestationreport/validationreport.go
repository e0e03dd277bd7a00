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

package attestationreport

// VerificationResult represents the results of all steps taken during
// the attestation of a workload against its registered PCR selectors
type VerificationResult struct {
	Type        string           `json:"type" cbor:"0,keyasint"`
	Success     bool             `json:"success" cbor:"1,keyasint"`
	Created     string           `json:"created,omitempty" cbor:"2,keyasint,omitempty"` // Timestamp the verification was completed
	Workload    string           `json:"workload,omitempty" cbor:"3,keyasint,omitempty"`
	Credentials CredentialResult `json:"credentials" cbor:"4,keyasint"` // Result of the AK/EK credential gate
	PcrMatch    []PcrResult      `json:"pcrMatch,omitempty" cbor:"5,keyasint,omitempty"`
	Passthrough []string         `json:"passthrough,omitempty" cbor:"6,keyasint,omitempty"` // Non-TPM selectors which were not evaluated
	Details     string           `json:"details,omitempty" cbor:"7,keyasint,omitempty"`
}

// CredentialResult holds the three checks establishing that the attesting
// device holds a genuine TPM
type CredentialResult struct {
	Success          bool   `json:"success" cbor:"0,keyasint"`
	AkCertValid      Result `json:"akCertValid" cbor:"1,keyasint"`
	EkPublicKeyValid Result `json:"ekPublicKeyValid" cbor:"2,keyasint"`
	AkSignedByEk     Result `json:"akSignedByEk" cbor:"3,keyasint"`
}

type PcrResult struct {
	Pcr      int    `json:"pcr" cbor:"0,keyasint"`                         // Number of the PCR which was validated
	Expected string `json:"expected,omitempty" cbor:"1,keyasint,omitempty"` // PCR digest registered in the selector
	Measured string `json:"measured,omitempty" cbor:"2,keyasint,omitempty"` // PCR digest read from the device
	Success  bool   `json:"success" cbor:"3,keyasint"`
	Details  string `json:"details,omitempty" cbor:"4,keyasint,omitempty"`
}

// Result is a generic struct do display if a verification of a measured/provided data
// value against a reference value was successful
type Result struct {
	Success  bool   `json:"success" cbor:"0,keyasint"`
	Expected string `json:"expected,omitempty" cbor:"1,keyasint,omitempty"`
	Got      string `json:"got,omitempty" cbor:"2,keyasint,omitempty"`
	Details  string `json:"details,omitempty" cbor:"3,keyasint,omitempty"`
}

// StatusResult is the serializable form of an attestation status report
type StatusResult struct {
	Type            string `json:"type" cbor:"0,keyasint"`
	Active          bool   `json:"active" cbor:"1,keyasint"`
	Explanation     string `json:"explanation" cbor:"2,keyasint"`
	AgentId         string `json:"agentId,omitempty" cbor:"3,keyasint,omitempty"`
	IdentityFormat  bool   `json:"identityFormat" cbor:"4,keyasint"`
	LogEvidence     bool   `json:"logEvidence" cbor:"5,keyasint"`
	DeviceReachable bool   `json:"deviceReachable" cbor:"6,keyasint"`
}

// PeerResult describes the outcome of one mutually authenticated session
type PeerResult struct {
	Type          string   `json:"type" cbor:"0,keyasint"`
	LocalIdentity string   `json:"localIdentity,omitempty" cbor:"1,keyasint,omitempty"`
	PeerIdentity  string   `json:"peerIdentity,omitempty" cbor:"2,keyasint,omitempty"`
	PeerSubject   string   `json:"peerSubject,omitempty" cbor:"3,keyasint,omitempty"`
	PeerIssuer    string   `json:"peerIssuer,omitempty" cbor:"4,keyasint,omitempty"`
	PeerAltNames  []string `json:"peerAltNames,omitempty" cbor:"5,keyasint,omitempty"`
	Received      string   `json:"received,omitempty" cbor:"6,keyasint,omitempty"`
}
