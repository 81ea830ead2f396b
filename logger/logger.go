package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/updall/updall/common"
)

// Log is the global logger instance.
var Log *UpdLog

func init() {
	// A console logger is always available; InitGlobalLogger reconfigures it
	// once the CLI has parsed its flags.
	Log = &UpdLog{Logger: newConsoleLogger(false)}
}

// UpdLog wraps logrus.Logger for application-specific logging.
type UpdLog struct {
	*logrus.Logger
}

func fieldOrder() []string {
	return []string{
		common.LogFieldApp, common.LogFieldSystem,
		common.LogFieldCategory, common.LogFieldCommand,
	}
}

func newConsoleLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	level := logrus.InfoLevel
	display := ShowAboveWarn
	if verbose {
		level = logrus.DebugLevel
		display = ShowAll
	}
	logger.SetLevel(level)
	logger.SetFormatter(&Formatter{
		TimestampFormat:        "15:04:05",
		DisplayLevelName:       display,
		DisableCaller:          true,
		FieldsDisplayWithOrder: fieldOrder(),
	})
	logger.SetOutput(os.Stdout)
	return logger
}

// InitGlobalLogger reconfigures the global Log. When logFile is non-empty the
// logger writes there through a daily-rotating hook instead of the console.
func InitGlobalLogger(logFile string, verbose bool) error {
	if logFile == "" {
		Log = &UpdLog{Logger: newConsoleLogger(verbose)}
		return nil
	}

	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.SetReportCaller(true)

	dir := filepath.Dir(logFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create log directory %s", dir)
	}

	writer, err := rotatelogs.New(
		logFile+".%Y%m%d",
		rotatelogs.WithLinkName(logFile),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize rotatelogs for %s", logFile)
	}

	fileFormatter := &Formatter{
		TimestampFormat:        "2006-01-02 15:04:05.000 MST",
		NoColors:               true,
		DisplayLevelName:       ShowAll,
		FieldsDisplayWithOrder: fieldOrder(),
	}
	logger.SetFormatter(fileFormatter)

	writers := lfshook.WriterMap{}
	for _, level := range logrus.AllLevels {
		if logger.IsLevelEnabled(level) {
			writers[level] = writer
		}
	}
	logger.Hooks.Add(lfshook.NewHook(writers, fileFormatter))
	// The hook owns file output; discard the default stream so lines are not
	// written twice.
	logger.SetOutput(io.Discard)

	Log = &UpdLog{Logger: logger}
	return nil
}

// ForSystem returns an entry scoped to one system's execution.
func (l *UpdLog) ForSystem(name string) *logrus.Entry {
	return l.WithField(common.LogFieldSystem, name)
}
