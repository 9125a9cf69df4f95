// Copyright 2026 The gVisor Authors.
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
)

// rateLimitedLogger emits at most one message per interval. Messages below
// the logger's level do not count against the interval.
type rateLimitedLogger struct {
	logger    Logger
	sometimes rate.Sometimes
}

func (rl *rateLimitedLogger) emit(level Level, f func()) {
	if rl.logger.IsLogging(level) {
		rl.sometimes.Do(f)
	}
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.emit(Debug, func() { rl.logger.Debugf(format, v...) })
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.emit(Info, func() { rl.logger.Infof(format, v...) })
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.emit(Warning, func() { rl.logger.Warningf(format, v...) })
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger at
// most once per interval.
func BasicRateLimitedLogger(interval time.Duration) Logger {
	return RateLimitedLogger(Log(), interval)
}

// RateLimitedLogger returns a Logger that logs to logger at most once per
// interval. The first message is always logged.
func RateLimitedLogger(logger Logger, interval time.Duration) Logger {
	return &rateLimitedLogger{
		logger:    logger,
		sometimes: rate.Sometimes{Interval: interval},
	}
}
