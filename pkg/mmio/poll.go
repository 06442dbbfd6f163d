// Copyright 2024 The gVisor Authors.
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

package mmio

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/log"
)

const (
	// DefaultAttempts is the number of times a condition is checked before
	// giving up.
	DefaultAttempts = 10

	// DefaultDelay is the pause between two checks.
	DefaultDelay = 100 * time.Microsecond
)

// Poller waits for register state changes with a bounded number of checks.
// There is no cancellation; a poll ends on success or when the budget is
// spent.
//
// The zero value polls DefaultAttempts times, DefaultDelay apart.
type Poller struct {
	// NewBackOff returns the schedule for one poll. A nil NewBackOff uses
	// the default budget.
	NewBackOff func() backoff.BackOff
}

// DefaultBackOff returns the default poll schedule.
func DefaultBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(DefaultDelay), DefaultAttempts-1)
}

// Immediate returns a Poller that checks attempts times without sleeping.
func Immediate(attempts uint64) *Poller {
	return &Poller{NewBackOff: func() backoff.BackOff {
		// WithMaxRetries treats zero retries as unlimited.
		if attempts <= 1 {
			return &backoff.StopBackOff{}
		}
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, attempts-1)
	}}
}

func (p *Poller) backOff() backoff.BackOff {
	if p == nil || p.NewBackOff == nil {
		return DefaultBackOff()
	}
	return p.NewBackOff()
}

var errNotYet = errors.New("condition not met")

// Until checks cond until it returns true or the budget is spent, in which
// case it returns an error wrapping iommuerr.Timeout.
func (p *Poller) Until(cond func() bool) error {
	op := func() error {
		if cond() {
			return nil
		}
		return errNotYet
	}
	if err := backoff.Retry(op, p.backOff()); err != nil {
		return fmt.Errorf("condition not met: %w", iommuerr.Timeout)
	}
	return nil
}

// Poll32 reads the 32-bit register at off until (value & mask) == want. It
// returns the last value read.
func (p *Poller) Poll32(r Registers, off, mask, want uint32) (uint32, error) {
	var v uint32
	op := func() error {
		v = r.Read32(off)
		if v&mask == want {
			return nil
		}
		return errNotYet
	}
	if err := backoff.Retry(op, p.backOff()); err != nil {
		log.Warningf("mmio: timeout polling %#x: read %#x, want %#x under mask %#x", off, v, want, mask)
		return v, fmt.Errorf("register %#x = %#x, want %#x under mask %#x: %w", off, v, want, mask, iommuerr.Timeout)
	}
	return v, nil
}
