package logging

import (
	"fmt"
	"time"
)

// Span logs the start of an operation at debug level and returns a function
// that logs its outcome and duration.
func (l *Logger) Span(operation string, format string, args ...interface{}) func(error) {
	if l == nil {
		return func(error) {}
	}
	if format != "" {
		operation += " " + fmt.Sprintf(format, args...)
	}
	started := l.sink.now()
	l.Debug("%s: started", operation)
	return func(err error) {
		elapsed := l.sink.now().Sub(started).Round(time.Millisecond)
		if err != nil {
			l.Debug("%s: failed after %s: %v", operation, elapsed, err)
			return
		}
		l.Debug("%s: done in %s", operation, elapsed)
	}
}
