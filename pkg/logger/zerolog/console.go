package zerolog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/goterm/term"
	"github.com/raykavin/hyperforge/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Options configures the root logger built by New.
type Options struct {
	Level      string
	TimeLayout string
	Colored    bool
	JSON       bool
	Output     io.Writer // defaults to os.Stdout
}

// New builds the root logger. With JSON disabled the output uses the fixed
// width console layout: [time] [LVL] [file:line] > message fields.
func New(opts Options) (*Adapter, error) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	level, err := logger.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(toZerologLevel(level))

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	layout := opts.TimeLayout
	if layout == "" {
		layout = time.DateTime
	}

	var zl zerolog.Logger
	if opts.JSON {
		zl = zerolog.New(out).With().Timestamp().Logger()
	} else {
		writer := zerolog.ConsoleWriter{
			Out:             out,
			NoColor:         !opts.Colored,
			TimeFormat:      layout,
			FormatLevel:     formatLevel,
			FormatMessage:   formatMessage,
			FormatCaller:    formatCaller,
			FormatTimestamp: func(i any) string { return formatTimestamp(i, layout) },
		}
		zl = zerolog.New(writer).With().Timestamp().CallerWithSkipFrameCount(3).Logger()
	}

	return NewAdapter(&zl), nil
}

func formatLevel(i any) string {
	level, _ := i.(string)
	switch level {
	case zerolog.LevelTraceValue:
		return term.Cyanf("[TRC]")
	case zerolog.LevelDebugValue:
		return term.Cyanf("[DBG]")
	case zerolog.LevelInfoValue:
		return term.Greenf("[INF]")
	case zerolog.LevelWarnValue:
		return term.Yellowf("[WAR]")
	case zerolog.LevelErrorValue:
		return term.Redf("[ERR]")
	default:
		return term.Whitef("[UNK]")
	}
}

func formatMessage(i any) string {
	const width = 80

	msg, ok := i.(string)
	if !ok || msg == "" {
		return ">"
	}
	if len(msg) > width {
		msg = msg[:width]
	}
	return term.Whitef("> %-*s", width, msg)
}

func formatCaller(i any) string {
	const fileWidth, lineWidth = 18, 4

	name, ok := i.(string)
	if !ok || name == "" {
		return ""
	}

	file, line, found := strings.Cut(filepath.Base(name), ":")
	if !found {
		return name
	}
	if len(file) > fileWidth {
		file = file[:fileWidth]
	}
	if len(line) > lineWidth {
		line = line[len(line)-lineWidth:]
	}

	return term.Yellowf("[%s]", fmt.Sprintf("%-*s:%*s", fileWidth, file, lineWidth, line))
}

func formatTimestamp(i any, layout string) string {
	raw, ok := i.(string)
	if !ok {
		return term.Cyanf("[%v]", i)
	}
	if ts, err := time.ParseInLocation(time.RFC3339, raw, time.Local); err == nil {
		raw = ts.In(time.Local).Format(layout)
	}
	return term.Cyanf("[%s]", raw)
}
