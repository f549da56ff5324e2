/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	old := currentLevel()
	defer SetLevel(old)

	buf := &bytes.Buffer{}
	l := New("test", buf)

	SetLevel(LevelWarn)
	l.Infof("hidden %d", 1)
	assert.Equal(t, 0, buf.Len())

	l.Warnf("shown %d", 2)
	out := buf.String()
	assert.Contains(t, out, "Warn")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "logger_test.go", "caller location")
	assert.True(t, strings.HasSuffix(out, reset+"\n"))

	buf.Reset()
	SetLevel(LevelNoPrint)
	l.Errorf("nothing")
	assert.Equal(t, 0, buf.Len())

	buf.Reset()
	SetLevel(LevelTrace)
	l.Tracef("trace")
	l.Debugf("debug")
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

func TestSetLevel_IgnoresInvalid(t *testing.T) {
	old := currentLevel()
	defer SetLevel(old)
	SetLevel(LevelInfo)
	SetLevel(-1)
	SetLevel(LevelNoPrint + 1)
	assert.Equal(t, LevelInfo, currentLevel())
}

func TestLoggerNamed(t *testing.T) {
	old := currentLevel()
	defer SetLevel(old)
	SetLevel(LevelInfo)

	buf := &bytes.Buffer{}
	l := New("messaging", buf).Named("server")
	l.Infof("hello")
	assert.Contains(t, buf.String(), " messaging.server hello")

	buf.Reset()
	New("", buf).Named("solo").Infof("x")
	assert.Contains(t, buf.String(), " solo x")
}
