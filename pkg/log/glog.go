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
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// GoogleEmitter emits glog style lines:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg...
type GoogleEmitter struct {
	*Writer
}

// glogTime is the timestamp layout of the line header.
const glogTime = "0102 15:04:05.000000"

// header is the pid column, right aligned to seven characters as glog does.
var header = func() []byte {
	pid := strconv.Itoa(os.Getpid())
	for len(pid) < 7 {
		pid = " " + pid
	}
	return []byte(pid)
}()

// levelChar returns the leading severity character.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit implements Emitter.Emit.
//
// The caller is only resolved for Debug statements; other levels carry the
// placeholder "x:0".
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))
	b = append(b, levelChar(level))
	b = timestamp.AppendFormat(b, glogTime)
	b = append(b, ' ')
	b = append(b, header...)
	b = append(b, ' ')

	file, line := "x", 0
	if level == Debug {
		if _, f, l, ok := runtime.Caller(depth + 1); ok {
			file, line = filepath.Base(f), l
		}
	}
	b = append(b, file...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')

	g.Writer.Emit(depth+1, level, timestamp, string(b), args...)
}
