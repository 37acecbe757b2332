// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the coordinator's structured logging surface. Every
// other package logs through the Logger interface below rather than
// calling fmt.Print* or the stdlib log package directly.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.elastic.co/ecszerolog"
)

// Logger is the printf-style surface consumed throughout this module,
// matching the call shape the teacher's own pkg/log is invoked with
// (Debugf/Infof/Warnf/Errorf, each "(format string, args ...interface{})").
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// With returns a derived Logger with additional structured fields
	// attached to every subsequent line (e.g. stream, broker, manager
	// id), without requiring call sites to thread a field map through
	// printf-style calls.
	With(fields map[string]interface{}) Logger
}

type zlogger struct {
	z zerolog.Logger
}

// NewConsoleLogger returns a Logger writing human-readable lines to w
// (os.Stderr if w is nil). It is not installed by default: components
// built with a nil Logger (as the tests do) fall back to Nop.
func NewConsoleLogger(w io.Writer, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	z := zerolog.New(console).Level(level).With().Timestamp().Logger()
	return &zlogger{z: z}
}

// NewECSLogger returns a Logger emitting Elastic Common Schema JSON lines
// to w, suitable for shipping to a centralized log pipeline.
func NewECSLogger(w io.Writer, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	z := ecszerolog.New(w, ecszerolog.Level(level)).With().Timestamp().Logger()
	return &zlogger{z: z}
}

// NewRotatingLogger layers a size/age-rotated file writer under the given
// encoder builder (NewConsoleLogger or NewECSLogger), so long-running
// coordinator processes don't need an external log-rotation story.
func NewRotatingLogger(path string, maxSizeMB, maxBackups, maxAgeDays int, build func(io.Writer) Logger) Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return build(rotator)
}

func (l *zlogger) Debugf(format string, args ...interface{}) { l.z.Debug().Msgf(format, args...) }
func (l *zlogger) Infof(format string, args ...interface{})  { l.z.Info().Msgf(format, args...) }
func (l *zlogger) Warnf(format string, args ...interface{})  { l.z.Warn().Msgf(format, args...) }
func (l *zlogger) Errorf(format string, args ...interface{}) { l.z.Error().Msgf(format, args...) }

func (l *zlogger) With(fields map[string]interface{}) Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &zlogger{z: ctx.Logger()}
}

// Nop is a Logger that discards everything, used as the zero-value
// default so callers that never configure a Logger don't nil-panic.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{})       {}
func (nopLogger) Infof(string, ...interface{})        {}
func (nopLogger) Warnf(string, ...interface{})        {}
func (nopLogger) Errorf(string, ...interface{})       {}
func (n nopLogger) With(map[string]interface{}) Logger { return n }
