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

	"github.com/stretchr/testify/suite"
)

type LoggerTestSuite struct {
	suite.Suite
	saved int
	out   *bytes.Buffer
	log   *Logger
}

func (s *LoggerTestSuite) SetupTest() {
	s.saved = LogLevel()
	s.out = &bytes.Buffer{}
	s.log = New("mirror", s.out)
}

func (s *LoggerTestSuite) TearDownTest() {
	SetLogLevel(s.saved)
}

func (s *LoggerTestSuite) TestLevelFiltering() {
	SetLogLevel(LevelWarn)
	s.log.Debugf("hidden %d", 1)
	s.log.Infof("hidden %d", 2)
	s.Require().Zero(s.out.Len())

	s.log.Warnf("shown %s", "warn")
	s.log.Errorf("shown %s", "error")
	lines := strings.Split(strings.TrimSpace(s.out.String()), "\n")
	s.Require().Len(lines, 2)
	s.Contains(lines[0], "Warn")
	s.Contains(lines[0], "shown warn")
	s.Contains(lines[1], "Error")
}

func (s *LoggerTestSuite) TestPrefixCarriesNameAndCallSite() {
	SetLogLevel(LevelTrace)
	s.log.Tracef("trace message")
	line := s.out.String()
	s.Contains(line, "Trace")
	s.Contains(line, " mirror ")
	s.Contains(line, "logger_test.go:")
	s.True(strings.HasSuffix(line, reset+"\n"))
}

func (s *LoggerTestSuite) TestNoPrintAndInvalidLevels() {
	SetLogLevel(LevelNoPrint)
	s.log.Errorf("nothing")
	s.Zero(s.out.Len())

	SetLogLevel(LevelNoPrint + 1)
	s.Equal(LevelNoPrint, LogLevel())
	SetLogLevel(-1)
	s.Equal(LevelNoPrint, LogLevel())
}

func (s *LoggerTestSuite) TestNilLoggerIsSilent() {
	var l *Logger
	s.NotPanics(func() { l.Errorf("ignored") })
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
