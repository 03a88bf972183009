package log_helper

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var allLogLevels = map[string]zerolog.Level{
	"error":   zerolog.ErrorLevel,
	"warning": zerolog.WarnLevel,
	"warn":    zerolog.WarnLevel,
	"info":    zerolog.InfoLevel,
	"debug":   zerolog.DebugLevel,
}

func SetLogLevelFromString(logLevel string) {
	level, ok := allLogLevels[logLevel]
	if !ok {
		log.Warn().Msgf("unexpected log_level=%v, will apply `info`", logLevel)
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
