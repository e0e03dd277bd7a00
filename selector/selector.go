// Copyright (c) 2025 Fraunhofer AISEC
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

// Package selector parses the workload registration selectors binding a
// workload to an expected TPM PCR value, in the format tpm:pcr:<index>:<digest>
package selector

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	Prefix = "tpm:pcr:"

	MinPcr = 0
	MaxPcr = 23
)

var (
	log = logrus.WithField("service", "selector")

	ErrInvalidFormat = errors.New("invalid TPM PCR selector")

	// Index without leading zeros, 0-23, followed by a hex digest
	selectorRegex = regexp.MustCompile(`^tpm:pcr:(0|[1-9]|1[0-9]|2[0-3]):([0-9a-fA-F]+)$`)
	digestRegex   = regexp.MustCompile(`^[0-9a-fA-F]+$`)

	// Hex lengths of the digests of the supported hash algorithms
	digestAlgorithms = map[int]string{
		32:  "md5",
		40:  "sha1",
		48:  "sha192",
		64:  "sha256",
		96:  "sha384",
		128: "sha512",
	}
)

// Selector binds a PCR index to the digest expected for it
type Selector struct {
	Pcr    int    `json:"pcr"`
	Digest string `json:"digest"`
}

// Parse parses and validates a selector of the form tpm:pcr:<index>:<hex-digest>
func Parse(text string) (Selector, error) {
	if !strings.HasPrefix(text, Prefix) {
		return Selector{}, fmt.Errorf("%w: %q does not start with %q", ErrInvalidFormat, text, Prefix)
	}

	m := selectorRegex.FindStringSubmatch(text)
	if m == nil {
		return Selector{}, fmt.Errorf("%w: %q does not match %v<0-23>:<hex-digest>",
			ErrInvalidFormat, text, Prefix)
	}

	pcr, err := strconv.Atoi(m[1])
	if err != nil || pcr < MinPcr || pcr > MaxPcr {
		return Selector{}, fmt.Errorf("%w: PCR index %v out of range %v-%v",
			ErrInvalidFormat, m[1], MinPcr, MaxPcr)
	}

	digest := m[2]
	if err := ValidateDigest(digest); err != nil {
		return Selector{}, err
	}

	return Selector{
		Pcr:    pcr,
		Digest: digest,
	}, nil
}

// ValidateDigest checks that digest is a hex digest of a supported hash
// algorithm
func ValidateDigest(digest string) error {
	if !digestRegex.MatchString(digest) {
		return fmt.Errorf("%w: digest %q is not hex encoded", ErrInvalidFormat, digest)
	}
	if _, ok := digestAlgorithms[len(digest)]; !ok {
		return fmt.Errorf("%w: unsupported digest length %v", ErrInvalidFormat, len(digest))
	}
	return nil
}

// IsValid returns whether text is a well-formed TPM PCR selector
func IsValid(text string) bool {
	_, err := Parse(text)
	return err == nil
}

// ParseAll splits a list of registration selectors into TPM PCR selectors and
// selectors of other attestors (e.g. docker:label:...), which are returned
// unmodified. Malformed TPM PCR selectors fail the whole list
func ParseAll(texts []string) ([]Selector, []string, error) {
	pcrs := make([]Selector, 0)
	others := make([]string, 0)
	for i, t := range texts {
		if !strings.HasPrefix(t, "tpm:") {
			log.Tracef("Passing through non-TPM selector %v", t)
			others = append(others, t)
			continue
		}
		s, err := Parse(t)
		if err != nil {
			return nil, nil, fmt.Errorf("selector %v: %w", i, err)
		}
		pcrs = append(pcrs, s)
	}
	return pcrs, others, nil
}

func (s Selector) String() string {
	return fmt.Sprintf("%v%d:%v", Prefix, s.Pcr, s.Digest)
}

// DigestAlgorithm returns the name of the hash algorithm implied by the
// length of the digest
func (s Selector) DigestAlgorithm() string {
	alg, ok := digestAlgorithms[len(s.Digest)]
	if !ok {
		return "unknown"
	}
	return alg
}
