// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log provides a process-global zap sugared logger for glue code
// which has no injected logger of its own. Long-lived components should
// accept a *zap.SugaredLogger instead of using this package.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.Mutex
	_global *zap.SugaredLogger
)

// Default returns the global sugared logger, initializing it to a production
// logger on first use.
func Default() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if _global == nil {
		_global = newProduction()
	}
	return _global
}

// ConfigureLogger builds cfg and installs the result as the global logger.
func ConfigureLogger(cfg zap.Config) *zap.SugaredLogger {
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	s := logger.Sugar()
	SetGlobalLogger(s)
	return s
}

// SetGlobalLogger replaces the global logger.
func SetGlobalLogger(logger *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	_global = logger
}

func newProduction() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

// With returns the global logger with the given context fields attached.
func With(args ...interface{}) *zap.SugaredLogger { return Default().With(args...) }

// Debug logs at debug level.
func Debug(args ...interface{}) { Default().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) { Default().Debugf(format, args...) }

// Info logs at info level.
func Info(args ...interface{}) { Default().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) { Default().Infof(format, args...) }

// Warn logs at warn level.
func Warn(args ...interface{}) { Default().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) { Default().Warnf(format, args...) }

// Error logs at error level.
func Error(args ...interface{}) { Default().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) { Default().Errorf(format, args...) }

// Fatal logs at fatal level, then exits.
func Fatal(args ...interface{}) { Default().Fatal(args...) }

// Fatalf logs a formatted message at fatal level, then exits.
func Fatalf(format string, args ...interface{}) { Default().Fatalf(format, args...) }
