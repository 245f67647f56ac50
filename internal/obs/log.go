package obs

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		base = base.Level(zerolog.DebugLevel)
	} else {
		base = base.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects all log lines to w. Used by tests and the client binary.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Output(w)
}

type Fields map[string]any

func logWith(ev *zerolog.Event, msg string, f Fields) {
	if ev == nil {
		return
	}
	ev.Fields(map[string]any(f)).Msg(msg)
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := base
	return &l
}

func Info(msg string, f Fields)  { logWith(logger().Info(), msg, f) }
func Error(msg string, f Fields) { logWith(logger().Error(), msg, f) }
func Debug(msg string, f Fields) { logWith(logger().Debug(), msg, f) }
