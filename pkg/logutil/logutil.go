package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

var (
	mu   sync.Mutex
	sink = &swapWriter{out: os.Stderr}
)

// Configure sets the process-wide logger level. "trace" is accepted and
// treated as debug.
func Configure(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.Kitchen)
	log.SetLevel(lvl)
	log.SetOutput(sink)
	return nil
}

func ParseLevel(raw string) (log.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return log.InfoLevel, nil
	case "trace":
		return log.DebugLevel, nil
	}
	lvl, err := log.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", raw)
	}
	return lvl, nil
}

// SetOutput redirects log output; nil restores stderr. Tests use it to
// capture log lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	sink.setOut(w)
	log.SetOutput(sink)
}

// Prefixed returns a sub-logger tagged with a component name.
func Prefixed(component string) *log.Logger {
	return log.WithPrefix(component)
}

// swapWriter lets SetOutput retarget loggers that already captured the sink.
type swapWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *swapWriter) setOut(w io.Writer) {
	s.mu.Lock()
	s.out = w
	s.mu.Unlock()
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return len(p), nil
	}
	return s.out.Write(p)
}
