package test

import (
	"fmt"
	"sync"

	"github.com/bluenviron/mp4demux/internal/logger"
)

// NilLogger is a logger that discards every line.
var NilLogger logger.Writer = logger.WriterFunc(func(logger.Level, string, ...interface{}) {})

// Logger returns a logger that calls cb for every line.
func Logger(cb func(logger.Level, string, ...interface{})) logger.Writer {
	return logger.WriterFunc(cb)
}

// RecordingLogger is a logger that stores every line.
type RecordingLogger struct {
	mutex sync.Mutex
	Lines []string
}

// Log implements logger.Writer.
func (l *RecordingLogger) Log(level logger.Level, format string, args ...interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.Lines = append(l.Lines, fmt.Sprintf("[%d] ", level)+fmt.Sprintf(format, args...))
}

// Count returns the number of lines with the given level.
func (l *RecordingLogger) Count(level logger.Level) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	prefix := fmt.Sprintf("[%d] ", level)
	n := 0
	for _, line := range l.Lines {
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
