package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// frames belonging to these packages are never reported as the caller.
var skippedCallers = []string{"sirupsen/logrus", "fundarb/logger"}

// callerHook rewrites entry.Caller to the first frame outside logrus and the
// wrappers in this package so log lines point at component code.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isSkippedCaller(frame.Function) {
			f := frame
			entry.Caller = &f
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isSkippedCaller(fn string) bool {
	for _, prefix := range skippedCallers {
		if strings.Contains(fn, prefix) {
			return true
		}
	}
	return false
}
