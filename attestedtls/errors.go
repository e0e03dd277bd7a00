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

package attestedtls

import (
	"errors"
	"net"
	"syscall"
)

var (
	ErrBind           = errors.New("failed to bind")
	ErrHandshake      = errors.New("mutual TLS handshake failed")
	ErrNoCredentials  = errors.New("no credentials configured")
	ErrNotEstablished = errors.New("session not established")

	ErrMaxRetriesExceeded = errors.New("retry: max attempts exceeded")
)

// IsRetryable returns whether a dial error is a transient connection failure,
// e.g. because the responder is not listening yet. Handshake and verification
// failures are never retried
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrHandshake) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return opErr.Timeout() || errors.Is(opErr.Err, syscall.ECONNREFUSED)
	}
	return false
}
