// Package logger defines the leveled key-value Logger used across the engine,
// with slog and zerolog backends.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0o664
)

// Logger takes a message and alternating key-value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

// LogData is a zerolog-backed Logger.
type LogData struct {
	LogFile *os.File
	Logger  zerolog.Logger
}

func NewBuild() *LogBuild {
	return &LogBuild{level: zerolog.InfoLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

// Level accepts zerolog level names ("debug", "info", ...). Unknown names keep
// the current level.
func (build *LogBuild) Level(name string) *LogBuild {
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		build.level = lvl
	}
	return build
}

func (build *LogBuild) Make() (logData *LogData, err error) {
	logData = new(LogData)
	var w io.Writer = os.Stderr
	if build.writer != nil {
		w = build.writer
	}
	if build.path != "" {
		logData.LogFile, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = zerolog.SyncWriter(logData.LogFile)
	}
	logData.Logger = zerolog.New(w).Level(build.level).With().Timestamp().Logger()
	return logData, nil
}

func (l *LogData) Close() error {
	if l.LogFile == nil {
		return nil
	}
	return l.LogFile.Close()
}

func (l *LogData) Error(msg string, args ...any) { send(l.Logger.Error(), msg, args) }
func (l *LogData) Warn(msg string, args ...any)  { send(l.Logger.Warn(), msg, args) }
func (l *LogData) Info(msg string, args ...any)  { send(l.Logger.Info(), msg, args) }
func (l *LogData) Debug(msg string, args ...any) { send(l.Logger.Debug(), msg, args) }

func send(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}

// Nop discards everything.
func Nop() Logger { return nop{} }
