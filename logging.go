package main

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
)

// consoleFormatter renders entries as "<glyph> <LABEL>: <message>" followed by
// any structured fields as sorted key=value pairs.
type consoleFormatter struct{}

// Prefixes for each supported log level.
var levelPrefixes = map[log.Level]string{
	log.TraceLevel: "🪲 DEBUG",
	log.DebugLevel: "🪲 DEBUG",
	log.InfoLevel:  "ℹ️ INFO",
	log.WarnLevel:  "⛔️ WARNING",
	log.ErrorLevel: "💣 ERROR",
	log.FatalLevel: "💣 ERROR",
	log.PanicLevel: "💣 ERROR",
}

// Format implements log.Formatter.
func (f *consoleFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b bytes.Buffer

	b.WriteString(levelPrefixes[entry.Level])
	b.WriteString(": ")
	b.WriteString(entry.Message)

	// Error lines always end with a period.
	if entry.Level <= log.ErrorLevel && !strings.HasSuffix(entry.Message, ".") {
		b.WriteByte('.')
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}

	b.WriteByte('\n')

	return b.Bytes(), nil
}

// newLogger builds the console logger used by every component of a run.
// Info, warning and debug lines are written to stdout and error lines to stderr.
func newLogger(stdout, stderr io.Writer, debug bool) *log.Logger {
	logger := log.New()

	// All output goes through the writer hooks below.
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&consoleFormatter{})

	logger.AddHook(&writer.Hook{
		Writer:    stdout,
		LogLevels: []log.Level{log.InfoLevel, log.WarnLevel, log.DebugLevel, log.TraceLevel},
	})
	logger.AddHook(&writer.Hook{
		Writer:    stderr,
		LogLevels: []log.Level{log.ErrorLevel, log.FatalLevel, log.PanicLevel},
	})

	logger.SetLevel(log.InfoLevel)
	if debug {
		logger.SetLevel(log.DebugLevel)
	}

	return logger
}

// debugEnabled reports whether the DEBUG variable asks for verbose output.
// Only a case-insensitive "true" turns it on.
func debugEnabled(getenv func(string) string) bool {
	return strings.EqualFold(getenv("DEBUG"), "true")
}
