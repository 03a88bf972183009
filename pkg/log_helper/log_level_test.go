package log_helper

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevelFromString(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	testCases := []struct {
		input    string
		expected zerolog.Level
	}{
		{"error", zerolog.ErrorLevel},
		{"warning", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{"info", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			SetLogLevelFromString(tc.input)
			require.Equal(t, tc.expected, zerolog.GlobalLevel())
		})
	}
}

func TestSetLogLevelFromStringUnknown(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	oldLogger := log.Logger
	defer func() { log.Logger = oldLogger }()

	for _, input := range []string{"", "ERROR", "verbose"} {
		t.Run(input, func(t *testing.T) {
			var buf bytes.Buffer
			log.Logger = zerolog.New(&buf)
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
			SetLogLevelFromString(input)
			require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
			require.Contains(t, buf.String(), "unexpected log_level="+input)
		})
	}
}
