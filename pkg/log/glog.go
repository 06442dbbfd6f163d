// Copyright 2018 The gVisor Authors.
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
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// buffer is a simple inline buffer to avoid churn. The data slice is generally
// kept to the local byte array, and we avoid having to allocate it on the heap.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) write(c byte) {
	b.data = append(b.data, c)
}

func (b *buffer) writeAll(d []byte) {
	b.data = append(b.data, d...)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

func (b *buffer) writeDigits(v, n int) {
	for i := n - 1; i >= 0; i-- {
		div := 1
		for j := 0; j < i; j++ {
			div *= 10
		}
		b.write('0' + byte((v/div)%10))
	}
}

// padLeft returns s right-aligned in a field of width n.
func padLeft(s string, n int) []byte {
	if len(s) >= n {
		return []byte(s)
	}
	return []byte(strings.Repeat(" ", n-len(s)) + s)
}

// pid is used for the threadid component of the header.
//
// The glog package logger uses 7 spaces of padding. See
// glob.loggingT.formatHeader.
var pid = padLeft(strconv.Itoa(os.Getpid()), 7)

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	switch level {
	case Debug:
		b.write('D')
	case Info:
		b.write('I')
	case Warning:
		b.write('W')
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeDigits(int(month), 2)
	b.writeDigits(day, 2)
	b.write(' ')
	b.writeDigits(hour, 2)
	b.write(':')
	b.writeDigits(minute, 2)
	b.write(':')
	b.writeDigits(second, 2)
	b.write('.')
	b.writeDigits(timestamp.Nanosecond()/1000, 6)
	b.write(' ')

	b.writeAll(pid)
	b.write(' ')

	file, line, ok := callerLocation(depth + 1)
	if !ok {
		file = "x"
	}
	b.writeString(file)
	b.write(':')
	b.writeString(strconv.Itoa(line))
	b.write(']')
	b.write(' ')

	b.writeString(format)
	b.write('\n')

	g.Emitter.Emit(depth+1, level, timestamp, string(b.data), args...)
}
