package reader

import (
	"bytes"
)

// MaxLineSize bounds a pending line; longer input is discarded up to the next delimiter.
const MaxLineSize = 4096

// Framer splits a byte stream into delimiter-terminated lines.
// It keeps the unterminated tail between calls.
type Framer struct {
	delim      []byte
	pending    []byte
	overflowed bool
}

// NewFramer returns a Framer for delim, CRLF if empty.
func NewFramer(delim string) *Framer {
	if delim == "" {
		delim = "\r\n"
	}
	return &Framer{delim: []byte(delim)}
}

// Push appends chunk and returns every line it completed, without delimiters.
func (f *Framer) Push(chunk []byte) []string {
	f.pending = append(f.pending, chunk...)

	var lines []string
	for {
		idx := bytes.Index(f.pending, f.delim)
		if idx < 0 {
			break
		}
		line := f.pending[:idx]
		f.pending = f.pending[idx+len(f.delim):]

		if f.overflowed {
			f.overflowed = false
			continue
		}
		lines = append(lines, string(line))
	}

	if len(f.pending) > MaxLineSize {
		// keep a possible partial delimiter so the next chunk can complete it
		keep := len(f.delim) - 1
		f.pending = append(f.pending[:0], f.pending[len(f.pending)-keep:]...)
		f.overflowed = true
	}

	// release the backing array once drained
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return lines
}

// Pending returns the buffered, not yet terminated bytes.
func (f *Framer) Pending() []byte {
	return f.pending
}
