package agent

import (
	"strings"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a leveled logger whose threshold can be changed while the
// agent runs, following the log_level of the configuration document.
type Logger struct {
	base    log.Logger
	current atomic.Value
	lvl     atomic.Value
}

func NewLogger(base log.Logger, lvl string) *Logger {
	l := &Logger{base: base}
	l.SetLevel(lvl)
	return l
}

func (l *Logger) Log(keyvals ...interface{}) error {
	return l.current.Load().(log.Logger).Log(keyvals...)
}

func (l *Logger) Level() string {
	return l.lvl.Load().(string)
}

// SetLevel accepts DEBUG, INFO, WARN, WARNING and ERROR. Anything else
// means INFO.
func (l *Logger) SetLevel(lvl string) {
	var option level.Option
	lvl = strings.ToUpper(strings.TrimSpace(lvl))
	switch lvl {
	case "DEBUG":
		option = level.AllowDebug()
	case "WARN", "WARNING":
		lvl = "WARN"
		option = level.AllowWarn()
	case "ERROR":
		option = level.AllowError()
	default:
		lvl = "INFO"
		option = level.AllowInfo()
	}
	l.current.Store(level.NewFilter(l.base, option))
	l.lvl.Store(lvl)
}
