// Package logging configures the global zerolog logger used across pfwidget
// and bridges third-party loggers onto it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level      string `mapstructure:"log-level"`
	Format     string `mapstructure:"log-format"` // auto|console|json
	File       string `mapstructure:"log-file"`
	WithCaller bool   `mapstructure:"with-caller"`
}

// InitLogger replaces the global logger according to settings. It returns a
// closer for the log file, if any.
func InitLogger(s Settings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
		if err != nil {
			return nil, errors.Wrapf(err, "logging: invalid level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	isTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if s.File != "" {
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "logging: open log file")
		}
		out = f
		closer = f
		isTTY = false
	}

	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: !isTTY}
	case "json":
	case "", "auto":
		if isTTY {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	default:
		return nil, errors.Errorf("logging: unknown format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
