/*
Vaultmail - Encrypted multi-user mail and calendar store.
Copyright © 2024 Vaultmail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log provides the structured logger used throughout vaultmail.
package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Logger is a small wrapper around hclog giving every component a named,
// leveled logger with the call shape the rest of the codebase expects
// (Debugf/Msg/Error/Printf). Zero value is usable and logs to stderr.
type Logger struct {
	Name  string
	Debug bool

	once sync.Once
	hl   hclog.Logger
}

// DefaultLogger is used by components that are not given an explicit Logger.
var DefaultLogger = Logger{Name: "vaultmail"}

func (l *Logger) backing() hclog.Logger {
	l.once.Do(func() {
		level := hclog.Info
		if l.Debug {
			level = hclog.Debug
		}
		name := l.Name
		if name == "" {
			name = "vaultmail"
		}
		l.hl = hclog.New(&hclog.LoggerOptions{
			Name:   name,
			Level:  level,
			Output: os.Stderr,
		})
	})
	return l.hl
}

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.backing().Debug(sprintf(format, args...))
}

// Debugln logs a message at debug level.
func (l *Logger) Debugln(args ...interface{}) {
	l.backing().Debug(sprintln(args...))
}

// Printf logs a formatted message at info level.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.backing().Info(sprintf(format, args...))
}

// Msg logs a message with structured key/value pairs at info level.
func (l *Logger) Msg(msg string, kv ...interface{}) {
	l.backing().Info(msg, kv...)
}

// Error logs msg, the error (if any), and structured key/value pairs.
func (l *Logger) Error(msg string, err error, kv ...interface{}) {
	if err != nil {
		kv = append(kv, "error", err)
	}
	l.backing().Error(msg, kv...)
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

func sprintln(args ...interface{}) string {
	return fmt.Sprintln(args...)
}
