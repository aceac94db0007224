package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	base    zerolog.Logger
	inited  bool
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("TROLLBOX_DEBUG") == "1"
}

func newLogger(w io.Writer, format string, debug bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var l zerolog.Logger
	if strings.EqualFold(format, "json") {
		l = zerolog.New(w).With().Timestamp().Logger()
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	if debug {
		return l.Level(zerolog.DebugLevel)
	}
	return l.Level(zerolog.InfoLevel)
}

// Logger returns the process logger, building it from the environment on first use.
func Logger() zerolog.Logger {
	mu.RLock()
	if inited {
		l := base
		mu.RUnlock()
		return l
	}
	mu.RUnlock()
	mu.Lock()
	defer mu.Unlock()
	if !inited {
		base = newLogger(os.Stderr, os.Getenv("TROLLBOX_LOG_FORMAT"), enabled())
		inited = true
	}
	return base
}

// Configure replaces the process logger. level accepts zerolog level names;
// TROLLBOX_DEBUG=1 still forces debug.
func Configure(w io.Writer, level, format string) {
	debug := enabled()
	l := newLogger(w, format, debug)
	if !debug && level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			l = l.Level(lvl)
		}
	}
	mu.Lock()
	base = l
	inited = true
	mu.Unlock()
}

func Logf(format string, args ...any) {
	l := Logger()
	l.Info().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	l := Logger()
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	l := Logger()
	l.Warn().Msg(fmt.Sprintf(format, args...))
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
