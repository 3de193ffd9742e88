package keyviz

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	logFormatConsole = "console"
	logFormatJSON    = "json"
)

var defaultLogOutput io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

// rootLogger is used until the configuration has been read.
var rootLogger = zerolog.New(defaultLogOutput).With().Timestamp().Logger()

// setLogLevel applies level process-wide, so every subsystem logger follows
// config reloads.
func setLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func newRootLogger(cfg LogConfig, out io.Writer) (zerolog.Logger, error) {
	if err := setLogLevel(cfg.Level); err != nil {
		return zerolog.Logger{}, err
	}
	if out == nil {
		out = os.Stderr
	}
	switch cfg.Format {
	case logFormatConsole, "":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case logFormatJSON:
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return zerolog.New(out).With().Timestamp().Logger(), nil
}

func subsystemLogger(root zerolog.Logger, subsystem string) *zerolog.Logger {
	l := root.With().Str("subsystem", subsystem).Logger()
	return &l
}
