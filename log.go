package netstack

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logOnce sync.Once
	log     *zap.SugaredLogger
)

// Log returns the package-wide structured logger, initializing it with a
// development encoder on first use. Each layer should prefer a named
// sub-logger, e.g. Log().Named("arp"), so log lines carry their
// originating subsystem the way the original C implementation's
// debugf/errorf/infof macros carried a file:line prefix.
func Log() *zap.SugaredLogger {
	logOnce.Do(func() {
		l, err := zap.NewDevelopment()
		if err != nil {
			l = zap.NewNop()
		}
		log = l.Sugar()
	})
	return log
}

// SetLogger overrides the package-wide logger, e.g. to install a
// production JSON encoder or to silence logging entirely in tests.
func SetLogger(l *zap.SugaredLogger) {
	logOnce.Do(func() {})
	log = l
}
