package badgerstore

import (
	"strings"

	"github.com/rs/zerolog"
)

// zerologAdapter satisfies badger.Logger.
type zerologAdapter struct {
	log *zerolog.Logger
}

func newLogger(logger *zerolog.Logger) *zerologAdapter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "badger").Logger()
	return &zerologAdapter{log: &l}
}

func (a *zerologAdapter) Errorf(format string, args ...interface{}) {
	a.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (a *zerologAdapter) Warningf(format string, args ...interface{}) {
	a.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

// Badger is chatty at info level; it goes to debug.
func (a *zerologAdapter) Infof(format string, args ...interface{}) {
	a.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (a *zerologAdapter) Debugf(format string, args ...interface{}) {
	a.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
