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
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures the exponential backoff used while the responder
// is not reachable yet
type RetryConfig struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier is the backoff multiplier applied after each retry
	Multiplier float64
	// MaxAttempts is the maximum number of attempts including the first try
	MaxAttempts int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
}

// backOff creates the backoff policy of cfg, bounded by MaxAttempts and ctx
func (cfg RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = 0
	// Only the number of attempts bounds the retries
	b.MaxElapsedTime = 0
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error or exhausts all attempts
func retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	attempt := 0
	v, err := backoff.RetryNotifyWithData[T](func() (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		attempt++
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, cfg.backOff(ctx), func(err error, delay time.Duration) {
		log.Debugf("Attempt %v/%v failed: %v. Retrying in %v", attempt, cfg.MaxAttempts, err, delay)
	})
	if err == nil {
		return v, nil
	}

	if ctx.Err() == nil && IsRetryable(err) {
		return v, errors.Join(ErrMaxRetriesExceeded, err)
	}
	return v, err
}
