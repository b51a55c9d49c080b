package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logging into zerolog. Every scope
// becomes module=pion.<scope>.
type LoggerFactory struct {
	// Level caps pion's verbosity independently of the global level.
	Level zerolog.Level
}

var _ logging.LoggerFactory = LoggerFactory{}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zerologLeveled{l: log.Logger.Level(f.Level).With().Str("module", "pion."+scope).Logger()}
}

type zerologLeveled struct {
	l zerolog.Logger
}

func (z *zerologLeveled) Trace(msg string) { z.l.Trace().Msg(msg) }
func (z *zerologLeveled) Tracef(format string, args ...any) {
	z.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (z *zerologLeveled) Debug(msg string) { z.l.Debug().Msg(msg) }
func (z *zerologLeveled) Debugf(format string, args ...any) {
	z.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (z *zerologLeveled) Info(msg string) { z.l.Info().Msg(msg) }
func (z *zerologLeveled) Infof(format string, args ...any) {
	z.l.Info().Msg(fmt.Sprintf(format, args...))
}
func (z *zerologLeveled) Warn(msg string) { z.l.Warn().Msg(msg) }
func (z *zerologLeveled) Warnf(format string, args ...any) {
	z.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (z *zerologLeveled) Error(msg string) { z.l.Error().Msg(msg) }
func (z *zerologLeveled) Errorf(format string, args ...any) {
	z.l.Error().Msg(fmt.Sprintf(format, args...))
}
