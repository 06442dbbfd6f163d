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

package log

import (
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/smmu/pkg/atomicbitops"
)

// RateLimited is a Logger that passes at most burst messages per interval to
// another Logger. The number of messages dropped since the last one passed
// is logged ahead of the next message that gets through.
type RateLimited struct {
	logger Logger
	limit  *rate.Limiter

	// pending counts drops not yet reported; dropped counts all drops.
	pending atomicbitops.Uint64
	dropped atomicbitops.Uint64
}

func (rl *RateLimited) allow(emit func(string, ...any)) bool {
	if !rl.limit.Allow() {
		rl.pending.Add(1)
		rl.dropped.Add(1)
		return false
	}
	if n := rl.pending.Swap(0); n > 0 {
		emit("%d rate limited messages dropped", n)
	}
	return true
}

// Debugf implements Logger.Debugf.
func (rl *RateLimited) Debugf(format string, v ...any) {
	if rl.allow(rl.logger.Debugf) {
		rl.logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (rl *RateLimited) Infof(format string, v ...any) {
	if rl.allow(rl.logger.Infof) {
		rl.logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (rl *RateLimited) Warningf(format string, v ...any) {
	if rl.allow(rl.logger.Warningf) {
		rl.logger.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (rl *RateLimited) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// Dropped returns the number of messages dropped so far.
func (rl *RateLimited) Dropped() uint64 {
	return rl.dropped.Load()
}

// BasicRateLimitedLogger rate limits the global logger.
func BasicRateLimitedLogger(every time.Duration, burst int) *RateLimited {
	return RateLimitedLogger(Log(), every, burst)
}

// RateLimitedLogger returns a RateLimited that passes at most burst messages
// per every to logger.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) *RateLimited {
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), max(burst, 1)),
	}
}
