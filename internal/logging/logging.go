// Package logging provides the emulator's bracketed-severity log surface.
//
// The engine has no structured logging framework; like the rest of the
// codebase it writes through the standard library's log.Logger with a
// fixed set of prefixes so log-and-continue and fatal-assertion paths
// are visually distinguishable on a terminal.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Level is one of the five severities the emulator ever logs at.
type Level int

const (
	LevelNone Level = iota
	LevelDebug
	LevelInfo
	LevelError
	LevelAssert
)

func (l Level) prefix() string {
	switch l {
	case LevelAssert:
		return "[ASSERT]"
	case LevelError:
		return "[ERROR]"
	case LevelDebug:
		return "[DEBUG]"
	case LevelInfo:
		return "[Info]"
	default:
		return "[NONE]"
	}
}

var std = log.New(os.Stderr, "", log.LstdFlags)

// AssertHandler is called by Assert before the process terminates. Tests
// install a handler that records the failure instead of exiting.
var AssertHandler = func(msg string) {
	std.Print(LevelAssert.prefix() + " " + msg)
	os.Exit(1)
}

func Debugf(format string, args ...any) { emit(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { emit(LevelInfo, format, args...) }
func Errorf(format string, args ...any) { emit(LevelError, format, args...) }

func emit(level Level, format string, args ...any) {
	std.Print(level.prefix() + " " + fmt.Sprintf(format, args...))
}

// Assert terminates the emulator via AssertHandler when cond is false.
// Reserved for invariant violations treated as fatal; internal/hle
// calls it for a timed futex wait.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		AssertHandler(fmt.Sprintf(format, args...))
	}
}
