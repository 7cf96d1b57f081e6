// Package logging sets up zerolog for the daemon and its components.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging settings.
type Config struct {
	Level   string `yaml:"level"`   // trace, debug, info, warn, error
	Debug   bool   `yaml:"debug"`   // shorthand for level debug
	Output  string `yaml:"output"`  // "stdout" (default) or "stderr"
	Console bool   `yaml:"console"` // human-readable instead of JSON
}

// New builds the root logger from cfg.
func New(cfg Config) (zerolog.Logger, error) {
	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return NewWithWriter(cfg, out)
}

// NewWithWriter builds the root logger writing to out.
func NewWithWriter(cfg Config, out io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
		}
	}

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Printer adapts a zerolog level to the Println/Printf logger interface
// used by third-party libraries.
type Printer struct {
	log   zerolog.Logger
	level zerolog.Level
}

// NewPrinter returns a Printer logging at level.
func NewPrinter(log zerolog.Logger, level zerolog.Level) Printer {
	return Printer{log: log, level: level}
}

// Println implements the library logger interface.
func (p Printer) Println(v ...interface{}) {
	p.log.WithLevel(p.level).Msg(fmt.Sprint(v...))
}

// Printf implements the library logger interface.
func (p Printer) Printf(format string, v ...interface{}) {
	p.log.WithLevel(p.level).Msgf(format, v...)
}
