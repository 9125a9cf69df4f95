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

import "fmt"

// prefixedLogger prepends a fixed component tag to every statement. It is
// used to attribute output to a vCPU or to a subsystem of the hypervisor.
type prefixedLogger struct {
	logger Logger
	prefix string
}

// Prefixed returns a Logger that prefixes every message with "[tag] ".
func Prefixed(logger Logger, format string, v ...any) Logger {
	return &prefixedLogger{
		logger: logger,
		prefix: "[" + fmt.Sprintf(format, v...) + "] ",
	}
}

// Debugf implements Logger.Debugf.
func (p *prefixedLogger) Debugf(format string, v ...any) {
	p.logger.Debugf(p.prefix+format, v...)
}

// Infof implements Logger.Infof.
func (p *prefixedLogger) Infof(format string, v ...any) {
	p.logger.Infof(p.prefix+format, v...)
}

// Warningf implements Logger.Warningf.
func (p *prefixedLogger) Warningf(format string, v ...any) {
	p.logger.Warningf(p.prefix+format, v...)
}

// IsLogging implements Logger.IsLogging.
func (p *prefixedLogger) IsLogging(level Level) bool {
	return p.logger.IsLogging(level)
}
