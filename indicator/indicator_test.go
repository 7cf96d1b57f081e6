package indicator

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/hjkoskel/govattu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIndicator struct {
	calls      []string
	releaseErr error
}

func (r *recordingIndicator) Idle()       { r.calls = append(r.calls, "idle") }
func (r *recordingIndicator) Scanning()   { r.calls = append(r.calls, "scanning") }
func (r *recordingIndicator) Found()      { r.calls = append(r.calls, "found") }
func (r *recordingIndicator) NotFound()   { r.calls = append(r.calls, "not_found") }
func (r *recordingIndicator) ReaderLost() { r.calls = append(r.calls, "reader_lost") }
func (r *recordingIndicator) Shutdown()   { r.calls = append(r.calls, "shutdown") }
func (r *recordingIndicator) Release() error {
	r.calls = append(r.calls, "release")
	return r.releaseErr
}

type bufferPipe struct {
	bytes.Buffer
	closed bool
}

func (b *bufferPipe) Close() error {
	b.closed = true
	return nil
}

// pinBoard tracks pin levels in place of the GPIO registers.
type pinBoard struct {
	*govattu.DoNothingPi
	mu     sync.Mutex
	level  map[uint8]bool
	closed bool
}

func newPinBoard() *pinBoard {
	return &pinBoard{DoNothingPi: &govattu.DoNothingPi{}, level: map[uint8]bool{}}
}

func (p *pinBoard) PinSet(pin uint8) {
	p.mu.Lock()
	p.level[pin] = true
	p.mu.Unlock()
}

func (p *pinBoard) PinClear(pin uint8) {
	p.mu.Lock()
	p.level[pin] = false
	p.mu.Unlock()
}

func (p *pinBoard) Close() error {
	p.closed = true
	return nil
}

func (p *pinBoard) lit() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var on []uint8
	for _, pin := range []uint8{17, 27, 22} {
		if p.level[pin] {
			on = append(on, pin)
		}
	}
	return on
}

func pin(n uint8) *uint8 { return &n }

func TestGPIOPatterns(t *testing.T) {
	board := newPinBoard()
	g := newGPIO(board, pin(17), pin(27), pin(22))
	assert.Empty(t, board.lit())

	g.Found()
	assert.Equal(t, []uint8{17}, board.lit())
	g.NotFound()
	assert.Equal(t, []uint8{22}, board.lit())
	g.Scanning()
	assert.Equal(t, []uint8{27}, board.lit())
	g.ReaderLost()
	assert.Equal(t, []uint8{27, 22}, board.lit())
	g.Idle()
	assert.Empty(t, board.lit())

	g.Found()
	require.NoError(t, g.Release())
	assert.Empty(t, board.lit())
	assert.True(t, board.closed)
}

func TestGPIOConcurrentCallsLeaveOnePattern(t *testing.T) {
	board := newPinBoard()
	g := newGPIO(board, pin(17), nil, pin(22))

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() { defer wg.Done(); g.Found() }()
			go func() { defer wg.Done(); g.NotFound() }()
		}
		wg.Wait()
		require.Len(t, board.lit(), 1, "round %d", round)
	}
}

func TestNewWithoutHardwareIsNoop(t *testing.T) {
	ind, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Noop{}, ind)
	assert.NoError(t, ind.Release())
}

func TestCombine(t *testing.T) {
	single := &recordingIndicator{}
	assert.Same(t, single, Combine(single))

	a := &recordingIndicator{}
	b := &recordingIndicator{releaseErr: errors.New("busy")}
	m := Combine(a, b)

	m.Scanning()
	m.Found()
	m.NotFound()
	m.ReaderLost()
	m.Idle()
	m.Shutdown()
	assert.EqualError(t, m.Release(), "busy")

	want := []string{"scanning", "found", "not_found", "reader_lost", "idle", "shutdown", "release"}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
}

func TestNeopixelWritesPatterns(t *testing.T) {
	pipe := &bufferPipe{}
	n := newNeopixel(pipe)
	assert.Equal(t, neoReaderLost, pipe.String())

	pipe.Reset()
	n.Idle()
	n.Scanning()
	n.Found()
	n.NotFound()
	assert.Equal(t, neoIdle+neoScanning+neoFound+neoNotFound, pipe.String())

	require.NoError(t, n.Release())
	assert.True(t, pipe.closed)

	pipe.Reset()
	n.Shutdown()
	assert.Empty(t, pipe.String(), "writes after release are dropped")
	assert.NoError(t, n.Release())
}
