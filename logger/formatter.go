package logger

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	resetColorCode         = 0
	defaultFieldSeparator  = " | "
	defaultTimestampFormat = time.RFC3339
)

// LevelNameDisplayMode defines how log level names are displayed.
type LevelNameDisplayMode int

const (
	// ShowAll shows all level names.
	ShowAll LevelNameDisplayMode = iota
	// ShowAboveWarn shows level names for WARN, ERROR, FATAL, PANIC.
	ShowAboveWarn
	// HideAll hides all level names.
	HideAll
)

// Formatter implements logrus.Formatter. It renders the per-run context fields
// (System, Category, Command) in a fixed order ahead of any remaining fields.
type Formatter struct {
	// TimestampFormat specifies the format of the timestamp. Default: time.RFC3339.
	TimestampFormat string
	// NoColors disables colorized output.
	NoColors bool
	// DisableTimestamp disables timestamp output.
	DisableTimestamp bool
	// DisplayLevelName configures which level names are printed.
	DisplayLevelName LevelNameDisplayMode
	// FieldsDisplayWithOrder lists field keys to display first, in order.
	// Remaining fields are appended alphabetically.
	FieldsDisplayWithOrder []string
	// FieldSeparator separates fields. Default: " | ".
	FieldSeparator string
	// DisableCaller disables caller information output.
	DisableCaller bool
	// CustomCallerFormatter overrides the default caller rendering.
	CustomCallerFormatter func(*runtime.Frame) string
	// MaxFieldValueLength truncates longer field values. 0 means no truncation.
	MaxFieldValueLength int
}

// Format formats the log entry.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	if !f.DisableTimestamp {
		format := f.TimestampFormat
		if format == "" {
			format = defaultTimestampFormat
		}
		b.WriteString(entry.Time.Format(format))
		b.WriteString(" ")
	}

	showLevel := false
	switch f.DisplayLevelName {
	case ShowAll:
		showLevel = true
	case ShowAboveWarn:
		showLevel = entry.Level <= logrus.WarnLevel
	}

	if showLevel {
		if !f.NoColors {
			fmt.Fprintf(b, "\x1b[%dm", colorByLevel(entry.Level))
		}
		levelStr := entry.Level.String()
		if len(levelStr) > 4 {
			levelStr = levelStr[:4]
		}
		fmt.Fprintf(b, "[%s]", strings.ToUpper(levelStr))
		if !f.NoColors {
			fmt.Fprintf(b, "\x1b[%dm", resetColorCode)
		}
		b.WriteString(" ")
	}

	if len(entry.Data) > 0 {
		separator := f.FieldSeparator
		if separator == "" {
			separator = defaultFieldSeparator
		}
		b.WriteString("[")
		f.writeFields(b, entry, separator)
		b.WriteString("] ")
	}

	b.WriteString(entry.Message)

	if !f.DisableCaller && entry.HasCaller() {
		b.WriteString(" ")
		f.writeCaller(b, entry)
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *Formatter) writeFields(b *bytes.Buffer, entry *logrus.Entry, separator string) {
	written := 0
	ordered := make(map[string]bool, len(f.FieldsDisplayWithOrder))
	for _, field := range f.FieldsDisplayWithOrder {
		if value, ok := entry.Data[field]; ok {
			if written > 0 {
				b.WriteString(separator)
			}
			f.writeKeyValue(b, field, value)
			ordered[field] = true
			written++
		}
	}

	remaining := make([]string, 0, len(entry.Data))
	for field := range entry.Data {
		if !ordered[field] {
			remaining = append(remaining, field)
		}
	}
	sort.Strings(remaining)
	for _, field := range remaining {
		if written > 0 {
			b.WriteString(separator)
		}
		f.writeKeyValue(b, field, entry.Data[field])
		written++
	}
}

func (f *Formatter) writeKeyValue(b *bytes.Buffer, key string, value interface{}) {
	valStr := fmt.Sprintf("%v", value)
	if f.MaxFieldValueLength > 0 && len(valStr) > f.MaxFieldValueLength {
		valStr = valStr[:f.MaxFieldValueLength] + "..."
	}
	fmt.Fprintf(b, "%s:%s", key, valStr)
}

func (f *Formatter) writeCaller(b *bytes.Buffer, entry *logrus.Entry) {
	if !entry.HasCaller() {
		return
	}
	if f.CustomCallerFormatter != nil {
		fmt.Fprint(b, f.CustomCallerFormatter(entry.Caller))
		return
	}
	callerFunc := filepath.Base(entry.Caller.Function)
	if parts := strings.Split(callerFunc, "."); len(parts) > 1 {
		callerFunc = parts[len(parts)-1]
	}
	fmt.Fprintf(b, "(%s:%d %s)", filepath.Base(entry.Caller.File), entry.Caller.Line, callerFunc)
}

func colorByLevel(level logrus.Level) int {
	switch level {
	case logrus.WarnLevel:
		return colorYellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return colorRed
	case logrus.DebugLevel, logrus.TraceLevel:
		return colorBlue
	default:
		return colorGray
	}
}

const (
	colorRed    = 31
	colorYellow = 33
	colorBlue   = 36
	colorGray   = 37
)
