package hal

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// ZerologCallback adapts a zerolog logger to a LogCallback.
func ZerologCallback(logger zerolog.Logger) LogCallback {
	return func(level LogLevel, message string) {
		var ev *zerolog.Event
		switch level {
		case LogLevelError:
			ev = logger.Error()
		case LogLevelWarning:
			ev = logger.Warn()
		case LogLevelInfo:
			ev = logger.Info()
		case LogLevelDebug:
			ev = logger.Debug()
		default:
			return
		}
		ev.Str("component", "ncihal").Msg(message)
	}
}

// logger wraps an optional LogCallback
type logger struct {
	cb    LogCallback
	debug bool
}

func (l logger) logf(level LogLevel, format string, args ...any) {
	if l.cb == nil {
		return
	}
	if level == LogLevelDebug && !l.debug {
		return
	}
	l.cb(level, fmt.Sprintf(format, args...))
}

// logFrame traces a raw frame in hex when debug output is enabled
func (l logger) logFrame(buf []byte, direction string) {
	if !l.debug || l.cb == nil {
		return
	}
	l.cb(LogLevelDebug, fmt.Sprintf("%s: %s", direction, hex.EncodeToString(buf)))
}
