package browser

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod/lib/proto"
)

// Phase tracks whether the owning environment is tearing down. While it is,
// page errors are expected noise and are logged at info level.
type Phase struct {
	teardown atomic.Bool
}

// BeginTeardown marks the start of shutdown.
func (p *Phase) BeginTeardown() {
	if p != nil {
		p.teardown.Store(true)
	}
}

// InTeardown reports whether BeginTeardown was called.
func (p *Phase) InTeardown() bool {
	return p != nil && p.teardown.Load()
}

// ConsoleLevel picks the log level for a console message of the given type.
func ConsoleLevel(typ string, teardown bool) log.Level {
	if typ == string(proto.RuntimeConsoleAPICalledTypeError) && !teardown {
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// FormatConsole renders a console message for the harness log.
func FormatConsole(typ string, at time.Time, text string) string {
	return fmt.Sprintf("[ui %s] %s  - %s", typ, at.UTC().Format(time.RFC3339), text)
}

// consoleText joins console arguments the way the browser console shows them.
func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			if s, ok := a.Value.Val().(string); ok {
				parts = append(parts, s)
			} else {
				parts = append(parts, a.Value.String())
			}
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// logConsole routes one console event to logger.
func logConsole(logger *log.Logger, phase *Phase, ev *proto.RuntimeConsoleAPICalled, now time.Time) {
	typ := string(ev.Type)
	msg := FormatConsole(typ, now, consoleText(ev.Args))
	if ConsoleLevel(typ, phase.InTeardown()) == log.ErrorLevel {
		logger.Error(msg)
		return
	}
	logger.Info(msg)
}
