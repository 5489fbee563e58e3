package zerolog

import (
	"fmt"

	"github.com/raykavin/hyperforge/pkg/logger"
	"github.com/rs/zerolog"
)

// Adapter exposes a zerolog.Logger through the logger.Logger contract.
type Adapter struct {
	zl *zerolog.Logger
}

func NewAdapter(zl *zerolog.Logger) *Adapter {
	return &Adapter{zl: zl}
}

// GetLevel implements logger.Logger.
func (a *Adapter) GetLevel() logger.Level {
	return toLevel(a.zl.GetLevel())
}

// SetLevel implements logger.Logger.
func (a *Adapter) SetLevel(level logger.Level) {
	zerolog.SetGlobalLevel(toZerologLevel(level))
}

// Debug implements logger.Logger.
func (a *Adapter) Debug(args ...any) {
	a.zl.Debug().Msg(fmt.Sprint(args...))
}

// Info implements logger.Logger.
func (a *Adapter) Info(args ...any) {
	a.zl.Info().Msg(fmt.Sprint(args...))
}

// Warn implements logger.Logger.
func (a *Adapter) Warn(args ...any) {
	a.zl.Warn().Msg(fmt.Sprint(args...))
}

// Error implements logger.Logger.
func (a *Adapter) Error(args ...any) {
	a.zl.Error().Msg(fmt.Sprint(args...))
}

func (a *Adapter) Debugf(format string, args ...any) {
	a.zl.Debug().Msgf(format, args...)
}

// Infof implements logger.Logger.
func (a *Adapter) Infof(format string, args ...any) {
	a.zl.Info().Msgf(format, args...)
}

// Warnf implements logger.Logger.
func (a *Adapter) Warnf(format string, args ...any) {
	a.zl.Warn().Msgf(format, args...)
}

// Errorf implements logger.Logger.
func (a *Adapter) Errorf(format string, args ...any) {
	a.zl.Error().Msgf(format, args...)
}

// WithError implements logger.Logger.
func (a *Adapter) WithError(err error) logger.Logger {
	child := a.zl.With().Err(err).Logger()
	return &Adapter{zl: &child}
}

// WithField implements logger.Logger.
func (a *Adapter) WithField(key string, value any) logger.Logger {
	child := a.zl.With().Interface(key, value).Logger()
	return &Adapter{zl: &child}
}

// WithFields implements logger.Logger.
func (a *Adapter) WithFields(fields map[string]any) logger.Logger {
	child := a.zl.With().Fields(fields).Logger()
	return &Adapter{zl: &child}
}

var levels = map[zerolog.Level]logger.Level{
	zerolog.Disabled:   logger.Disabled,
	zerolog.NoLevel:    logger.NoLevel,
	zerolog.TraceLevel: logger.TraceLevel,
	zerolog.DebugLevel: logger.DebugLevel,
	zerolog.InfoLevel:  logger.InfoLevel,
	zerolog.WarnLevel:  logger.WarnLevel,
	zerolog.ErrorLevel: logger.ErrorLevel,
}

func toLevel(level zerolog.Level) logger.Level {
	if l, ok := levels[level]; ok {
		return l
	}
	return logger.NoLevel
}

func toZerologLevel(level logger.Level) zerolog.Level {
	for zl, l := range levels {
		if l == level {
			return zl
		}
	}
	return zerolog.NoLevel
}
