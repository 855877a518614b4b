package logging

import (
	stdlog "log"
	"log/syslog"
	"os"
	"strings"

	oplogging "github.com/op/go-logging"
)

var log = oplogging.MustGetLogger("helmet-node")

var syslogFormat = oplogging.MustStringFormatter(
	`%{time:15:04:05.000} %{module} %{level:.6s} ▶ %{message}`,
)
var stderrFormat = oplogging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{module:-8s} %{level:.4s} ▶%{color:reset} %{message}`,
)

// ParseLevel accepts CRITICAL, ERROR, WARNING, NOTICE, INFO or DEBUG in any case.
func ParseLevel(level string) (oplogging.Level, error) {
	return oplogging.LogLevel(strings.ToUpper(strings.TrimSpace(level)))
}

// SetupLogging installs the process log backend and returns the node logger.
// Unknown levels fall back to INFO.
func SetupLogging(prefix string, level string, trySyslog bool) *oplogging.Logger {
	var backend oplogging.Backend
	if trySyslog {
		var err error
		backend, err = oplogging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE)
		if err == nil {
			oplogging.SetFormatter(syslogFormat)
			// direct panic output to syslog as well
			if syslogBackend, ok := backend.(*oplogging.SyslogBackend); ok {
				stdlog.SetOutput(syslogBackend.Writer)
			}
		} else {
			backend = nil
		}
	}
	if backend == nil {
		backend = oplogging.NewLogBackend(os.Stderr, "", 0)
		oplogging.SetFormatter(stderrFormat)
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = oplogging.INFO
	}

	leveled := oplogging.AddModuleLevel(backend)
	leveled.SetLevel(lvl, "")
	oplogging.SetBackend(leveled)

	if err != nil {
		log.Warningf("unknown log level %q, using INFO", level)
	}
	return log
}

// Logger returns the logger of a component.
func Logger(module string) *oplogging.Logger {
	return oplogging.MustGetLogger(module)
}
