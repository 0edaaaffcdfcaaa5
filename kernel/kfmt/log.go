package kfmt

// Level defines the severity of a log entry emitted via Logf.
type Level uint8

// The supported log levels, ordered by decreasing severity.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	levelNames = [...]string{"error", "warn", "info", "debug", "trace"}

	// levelColors holds the ANSI SGR sequence used for each level tag.
	levelColors = [...]string{"\x1b[1;31m", "\x1b[1;33m", "\x1b[1;36m", "\x1b[1;32m", "\x1b[1;37m"}

	colorReset = "\x1b[0m"

	maxLevel   = LevelTrace
	colorLevel = true
)

// String implements fmt.Stringer for Level.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel returns the Level whose name matches s. The second return value
// is false if s does not name a level.
func ParseLevel(s string) (Level, bool) {
	for i, name := range levelNames {
		if name == s {
			return Level(i), true
		}
	}
	return LevelTrace, false
}

// SetLevel discards any subsequent Logf call whose level is less severe than
// l.
func SetLevel(l Level) {
	maxLevel = l
}

// SetColor toggles the ANSI colouring of level tags.
func SetColor(enabled bool) {
	colorLevel = enabled
}

// Logf writes a single log line tagged with the supplied level to the active
// output sink. A trailing line feed is appended to the formatted output. The
// whole line is emitted under a single interrupt guard so that output from an
// interrupt handler cannot interleave with it.
func Logf(level Level, format string, args ...interface{}) {
	if level > maxLevel || int(level) >= len(levelNames) {
		return
	}

	var token uint64
	if guardEnterFn != nil {
		token = guardEnterFn()
	}

	if colorLevel {
		writeStringBytes(outputSink, levelColors[level], 0, len(levelColors[level]))
	}
	singleByte[0] = ' '
	doWrite(outputSink, singleByte)
	name := levelNames[level]
	writeStringBytes(outputSink, name, 0, len(name))
	singleByte[0] = ':'
	doWrite(outputSink, singleByte)
	if colorLevel {
		writeStringBytes(outputSink, colorReset, 0, len(colorReset))
	}
	singleByte[0] = ' '
	doWrite(outputSink, singleByte)

	formatTo(outputSink, format, args)

	singleByte[0] = '\n'
	doWrite(outputSink, singleByte)

	if guardExitFn != nil {
		guardExitFn(token)
	}
}

// Errorf logs a message with LevelError.
func Errorf(format string, args ...interface{}) { Logf(LevelError, format, args...) }

// Warnf logs a message with LevelWarn.
func Warnf(format string, args ...interface{}) { Logf(LevelWarn, format, args...) }

// Infof logs a message with LevelInfo.
func Infof(format string, args ...interface{}) { Logf(LevelInfo, format, args...) }

// Debugf logs a message with LevelDebug.
func Debugf(format string, args ...interface{}) { Logf(LevelDebug, format, args...) }

// Tracef logs a message with LevelTrace.
func Tracef(format string, args ...interface{}) { Logf(LevelTrace, format, args...) }
