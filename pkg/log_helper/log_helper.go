package log_helper

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const modulePrefix = "github.com/curious-entropy/cloud-smoke/"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

var levelAbbreviations = map[string]string{
	"trace": "TRC",
	"debug": "DBG",
	"info":  "INF",
	"warn":  "WRN",
	"error": "ERR",
	"fatal": "FTL",
	"panic": "PNC",
}

// fields rendered separately from the key=value tail
var reservedFields = map[string]struct{}{
	zerolog.TimestampFieldName:  {},
	zerolog.LevelFieldName:      {},
	zerolog.CallerFieldName:     {},
	zerolog.MessageFieldName:    {},
	zerolog.ErrorFieldName:      {},
	zerolog.ErrorStackFieldName: {},
}

// StackMarshaler renders a pkg/errors stack trace as "func()\n\tfile:line" pairs
func StackMarshaler(err error) interface{} {
	tracer, ok := err.(stackTracer)
	if !ok {
		return nil
	}
	frames := tracer.StackTrace()
	if len(frames) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("\n")
	for _, frame := range frames {
		funcName, fileLine, found := strings.Cut(fmt.Sprintf("%+v", frame), "\n\t")
		if !found {
			continue
		}
		b.WriteString(funcName)
		b.WriteString("()\n\t")
		b.WriteString(strings.TrimPrefix(fileLine, modulePrefix))
		b.WriteString("\n")
	}
	return b.String()
}

// ConsoleWriter turns zerolog JSON events into one human-readable progress line
type ConsoleWriter struct {
	out io.Writer
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewConsoleWriter(out io.Writer) *ConsoleWriter {
	return &ConsoleWriter{out: out}
}

func (w *ConsoleWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()

	if ts, err := jsonparser.GetString(p, zerolog.TimestampFieldName); err == nil {
		w.buf.WriteString(ts)
		w.buf.WriteByte(' ')
	}
	if level, err := jsonparser.GetString(p, zerolog.LevelFieldName); err == nil {
		if abbr, ok := levelAbbreviations[level]; ok {
			w.buf.WriteString(abbr)
		} else {
			w.buf.WriteString(strings.ToUpper(level))
		}
		w.buf.WriteByte(' ')
	}
	if caller, err := jsonparser.GetString(p, zerolog.CallerFieldName); err == nil {
		w.buf.WriteString(caller)
		w.buf.WriteString(" > ")
	}
	if msg, err := jsonparser.GetString(p, zerolog.MessageFieldName); err == nil {
		w.buf.WriteString(msg)
	}

	_ = jsonparser.ObjectEach(p, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
		if _, reserved := reservedFields[string(key)]; reserved {
			return nil
		}
		w.buf.WriteByte(' ')
		w.buf.Write(key)
		w.buf.WriteByte('=')
		if dataType == jsonparser.String {
			if unescaped, err := jsonparser.ParseString(value); err == nil {
				w.buf.WriteString(unescaped)
				return nil
			}
		}
		w.buf.Write(value)
		return nil
	})

	if errVal, err := jsonparser.GetString(p, zerolog.ErrorFieldName); err == nil {
		w.buf.WriteString(" error=")
		w.buf.WriteString(errVal)
	}
	if stack, err := jsonparser.GetString(p, zerolog.ErrorStackFieldName); err == nil {
		w.buf.WriteString("\nstack:")
		w.buf.WriteString(stack)
	}
	w.buf.WriteByte('\n')
	if _, err := w.out.Write(w.buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetupLogger returns a console logger with timestamp and caller, stack traces come from pkg/errors
func SetupLogger(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = "2006-01-02 15:04:05.000"
	zerolog.ErrorStackMarshaler = StackMarshaler
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		if idx := strings.Index(file, modulePrefix); idx >= 0 {
			file = file[idx+len(modulePrefix):]
		}
		return file + ":" + strconv.Itoa(line)
	}
	return zerolog.New(NewConsoleWriter(out)).With().Timestamp().Caller().Logger()
}
