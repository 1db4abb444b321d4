// Package logging configures the shared logrus logger and the gin middleware that
// logs each HTTP request with a request id.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName          = "usagehub.log"
	defaultLogMaxSizeMB  = 50
	defaultLogMaxBackups = 10
)

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// LogFormatter renders "[time] [level] message key=value ..." lines.
type LogFormatter struct{}

func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	fmt.Fprintf(b, "[%s] [%-5s] %s", timestamp, levelName(entry.Level), strings.TrimRight(entry.Message, "\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := entry.Data[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		s := fmt.Sprint(v)
		if strings.ContainsAny(s, " \t\"=") {
			s = fmt.Sprintf("%q", s)
		}
		fmt.Fprintf(b, " %s=%s", k, s)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelName(level log.Level) string {
	if level == log.WarnLevel {
		return "warn"
	}
	return level.String()
}

// SetupBaseLogger installs the formatter on the standard logger. Safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&LogFormatter{})
		log.SetLevel(log.InfoLevel)
	})
}

// SetDebug switches between debug and info level.
func SetDebug(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

// ConfigureLogOutput sends logs to a rotating file under dir, or back to stdout when
// toFile is false.
func ConfigureLogOutput(toFile bool, dir string, maxSizeMB int) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if !toFile {
		log.SetOutput(os.Stdout)
		return closeFileWriterLocked()
	}

	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultLogMaxSizeMB
	}

	next := &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: defaultLogMaxBackups,
		Compress:   false,
	}
	log.SetOutput(next)
	_ = closeFileWriterLocked()
	fileWriter = next
	return nil
}

func closeFileWriterLocked() error {
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// Close flushes and closes the log file, if any.
func Close() error {
	outputMu.Lock()
	defer outputMu.Unlock()
	log.SetOutput(io.Discard)
	err := closeFileWriterLocked()
	log.SetOutput(os.Stdout)
	return err
}
