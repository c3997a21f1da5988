package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Radio submissions, per-event channel and PDU detail
	DEBUG                 // Control procedure steps, scheduling decisions
	INFO                  // Connection, advertising and PHY lifecycle
	WARN                  // Missed events, rejected procedures
	ERROR                 // Errors
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO ", "WARN ", "ERROR"}

func (l LogLevel) String() string {
	if l < TRACE || l > ERROR {
		return "?????"
	}
	return levelNames[l]
}

// Clock returns the current radio time in microseconds.
type Clock func() int64

var (
	currentLevel LogLevel  = INFO
	output       io.Writer = os.Stdout
	clock        Clock
	mu           sync.RWMutex
)

// SetOutput redirects log output. nil restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// SetClock stamps every line with the radio time c returns. nil removes the stamp.
func SetClock(c Clock) {
	mu.Lock()
	defer mu.Unlock()
	clock = c
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel converts a string to a LogLevel. Unknown names map to INFO.
func ParseLevel(level string) LogLevel {
	name := strings.ToUpper(strings.TrimSpace(level))
	for i, n := range levelNames {
		if strings.TrimSpace(n) == name {
			return LogLevel(i)
		}
	}
	return INFO
}

// Enabled reports whether messages at level are written.
func Enabled(level LogLevel) bool {
	return level >= GetLevel()
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	if !Enabled(level) {
		return
	}
	mu.RLock()
	w, now := output, clock
	mu.RUnlock()

	var b strings.Builder
	if now != nil {
		us := now()
		fmt.Fprintf(&b, "%6d.%03dms ", us/1000, us%1000)
	}
	b.WriteByte('[')
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte(' ')
	}
	b.WriteString(level.String())
	b.WriteString("] ")
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	io.WriteString(w, b.String())
}

// Trace logs radio tasks and per-event detail
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs procedure steps and scheduler decisions
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs link lifecycle
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON renders v for a log line. Protobuf messages go through protojson so
// well-known types such as Struct print as plain objects.
func ToJSON(v interface{}) string {
	var (
		out []byte
		err error
	)
	if msg, ok := v.(proto.Message); ok {
		out, err = protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	} else {
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(out)
}

func logJSON(level LogLevel, prefix, label string, v interface{}) {
	if !Enabled(level) {
		return
	}
	log(level, prefix, "%s:\n%s", label, ToJSON(v))
}

// TraceJSON logs label followed by v rendered as JSON
func TraceJSON(prefix, label string, v interface{}) {
	logJSON(TRACE, prefix, label, v)
}

// DebugJSON logs label followed by v rendered as JSON
func DebugJSON(prefix, label string, v interface{}) {
	logJSON(DEBUG, prefix, label, v)
}
