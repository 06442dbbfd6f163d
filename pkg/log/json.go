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
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// jsonRecord is one line of JSON output.
type jsonRecord struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(levelNames[l])
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Both level names
// and their numeric values are accepted.
func (l *Level) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		for i, n := range levelNames {
			if n == name {
				*l = Level(i)
				return nil
			}
		}
		return fmt.Errorf("unknown level %q", name)
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil || n >= uint32(len(levelNames)) {
		return fmt.Errorf("unknown level %s", b)
	}
	*l = Level(n)
	return nil
}

// callerLocation returns the base file name and line depth+1 frames up.
func callerLocation(depth int) (string, int, bool) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "", 0, false
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line, true
}

// JSONEmitter writes one JSON object per message.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := jsonRecord{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	if file, line, ok := callerLocation(depth + 1); ok {
		r.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(r)
	if err != nil {
		// Only an unknown level can fail; emit it numerically.
		b = fmt.Appendf(nil, `{"level":%d,"msg":%q}`, uint32(level), r.Msg)
	}
	e.Writer.Write(append(b, '\n'))
}
