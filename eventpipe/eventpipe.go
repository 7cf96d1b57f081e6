// Package eventpipe accepts bench commands on a named pipe so a scanner
// can be exercised without the reader attached.
package eventpipe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// Config holds configuration for the event pipe.
type Config struct {
	Path string `yaml:"path"` // Path to named pipe (e.g., "/tmp/bookscan-events")
}

// Kind identifies a bench command.
type Kind int

const (
	// KindLine injects a raw reader line as if it came off the serial port.
	KindLine Kind = iota
	// KindSend writes a payload to the reader.
	KindSend
	// KindReload refetches the catalog.
	KindReload
	// KindStatus logs the reader and tracker state.
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindSend:
		return "send"
	case KindReload:
		return "reload"
	case KindStatus:
		return "status"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Command is one parsed pipe command.
type Command struct {
	Kind Kind
	Arg  string
}

// Handler is called for each command received from the pipe.
type Handler func(Command)

// EventPipe listens for commands on a named pipe.
type EventPipe struct {
	path    string
	handler Handler
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new EventPipe. Returns nil if path is empty.
func New(cfg Config, handler Handler, log zerolog.Logger) (*EventPipe, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	// Remove existing pipe if it exists
	os.Remove(cfg.Path)

	if err := syscall.Mkfifo(cfg.Path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventPipe{
		path:    cfg.Path,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for commands on the pipe.
// This should be called as a goroutine.
func (ep *EventPipe) Start() {
	ep.log.Info().Str("path", ep.path).Msg("Event pipe listening")

	for {
		if ep.ctx.Err() != nil {
			return
		}

		// Blocks until a writer connects
		file, err := os.OpenFile(ep.path, os.O_RDONLY, 0)
		if err != nil {
			if ep.ctx.Err() != nil {
				return
			}
			ep.log.Warn().Err(err).Msg("Event pipe open error")
			continue
		}

		ep.consume(file)
		file.Close()
		// Writer closed the pipe, loop back to wait for next writer
	}
}

func (ep *EventPipe) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ep.ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cmd, err := parseLine(line)
		if err != nil {
			ep.log.Warn().Err(err).Msg("Event pipe parse error")
			continue
		}

		ep.log.Debug().Stringer("kind", cmd.Kind).Str("arg", cmd.Arg).Msg("Event pipe command")
		if ep.handler != nil {
			ep.handler(cmd)
		}
	}
}

// Close stops the event pipe listener and removes the pipe.
func (ep *EventPipe) Close() error {
	if ep == nil {
		return nil
	}
	ep.cancel()
	// Unblock a Start waiting in open
	if f, err := os.OpenFile(ep.path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		f.Close()
	}
	return os.Remove(ep.path)
}

// parseLine parses a command line into a Command.
// Command format:
//
//	line <raw>        - Inject a reader line, e.g. "line 1,E2801160,1715171234567,-22"
//	send <payload>    - Write payload to the reader
//	reload            - Refetch the catalog
//	status            - Log reader and tracker state
func parseLine(line string) (Command, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	if name == "" {
		return Command{}, fmt.Errorf("empty command")
	}

	switch strings.ToLower(name) {
	case "line":
		if rest == "" {
			return Command{}, fmt.Errorf("line requires a reading")
		}
		return Command{Kind: KindLine, Arg: rest}, nil

	case "send":
		if rest == "" {
			return Command{}, fmt.Errorf("send requires a payload")
		}
		return Command{Kind: KindSend, Arg: rest}, nil

	case "reload":
		return Command{Kind: KindReload}, nil

	case "status":
		return Command{Kind: KindStatus}, nil

	default:
		return Command{}, fmt.Errorf("unknown command: %s", name)
	}
}
