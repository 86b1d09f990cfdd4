package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string
	Format string
	File   string
}

// Setup builds the process logger. Console output goes to stderr; when File
// is set a rotating JSON log is written alongside it.
func Setup(opts Options) zerolog.Logger {
	return SetupWithWriter(opts, os.Stderr)
}

func SetupWithWriter(opts Options, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var primary io.Writer = out
	if !strings.EqualFold(opts.Format, "json") {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	writer := primary
	if opts.File != "" {
		writer = zerolog.MultiLevelWriter(primary, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(ParseLevel(opts.Level))
	log.Logger = logger
	return logger
}

func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return parsed
}
