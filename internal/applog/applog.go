package applog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxFileSizeMB = 5
	maxBackups    = 3
	maxValueLen   = 200
	truncSuffix   = "…"
)

var (
	mu  sync.Mutex
	out io.WriteCloser
)

// Init opens the rotating log file in dir. Call once at startup.
// Safe to skip: all log calls become no-ops if not initialized.
func Init(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "bubblegroups.log"),
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxBackups,
	}

	mu.Lock()
	out = w
	mu.Unlock()
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// SetOutput redirects log lines to w. Passing nil disables logging.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		out = nil
		return
	}
	out = nopCloser{w}
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		out.Close()
		out = nil
	}
}

// Info logs a structured event line.
//
//	applog.Info("ws.connected", "remote", addr)
//	applog.Info("grouping.pass.done", "buckets", 3, "moved", 5)
func Info(event string, kv ...any) {
	write("INFO", event, nil, kv)
}

// Error logs an event with an error.
//
//	applog.Error("grouping.bucket", err, "app", appID)
func Error(event string, err error, kv ...any) {
	write("ERROR", event, err, kv)
}

func write(level, event string, err error, kv []any) {
	mu.Lock()
	w := out
	mu.Unlock()
	if w == nil {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteByte(' ')
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(event)

	if err != nil {
		b.WriteString(" err=")
		b.WriteString(quote(err.Error()))
	}

	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteByte(' ')
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteByte('=')
		b.WriteString(quote(fmt.Sprint(kv[i+1])))
	}
	b.WriteByte('\n')

	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		io.WriteString(out, b.String())
	}
}

func quote(s string) string {
	if len(s) > maxValueLen {
		s = s[:maxValueLen] + truncSuffix
	}
	if strings.ContainsAny(s, " \t\n\"") {
		return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
	}
	return s
}
