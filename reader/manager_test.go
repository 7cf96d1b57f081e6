package reader

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort behaves like a tarm/serial port with a short read timeout:
// Read returns io.EOF when no data arrives in time. A hung-up port
// returns io.EOF at once.
type fakePort struct {
	data   chan []byte
	hungUp bool

	mu      sync.Mutex
	closed  bool
	written bytes.Buffer
	closedC chan struct{}
	reads   int
}

func newFakePort() *fakePort {
	return &fakePort{data: make(chan []byte, 16), closedC: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	p.reads++
	p.mu.Unlock()

	if p.hungUp {
		select {
		case <-p.closedC:
			return 0, os.ErrClosed
		default:
			return 0, io.EOF
		}
	}

	select {
	case <-p.closedC:
		return 0, os.ErrClosed
	case chunk := <-p.data:
		return copy(b, chunk), nil
	case <-time.After(5 * time.Millisecond):
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	p.closed = true
	close(p.closedC)
	return nil
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

func (p *fakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeDriver struct {
	mu      sync.Mutex
	ports   []PortInfo
	openErr error
	hungUp  bool
	opened  []*fakePort
	lists   int
}

func (d *fakeDriver) List() ([]PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lists++
	return append([]PortInfo(nil), d.ports...), nil
}

func (d *fakeDriver) Open(path string, baud int) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	p := newFakePort()
	p.hungUp = d.hungUp
	d.opened = append(d.opened, p)
	return p, nil
}

func (d *fakeDriver) SetPorts(ports ...PortInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ports = ports
}

func (d *fakeDriver) SetOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *fakeDriver) SetHungUp(hungUp bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hungUp = hungUp
}

func (d *fakeDriver) Port(i int) *fakePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.opened) {
		return nil
	}
	return d.opened[i]
}

func (d *fakeDriver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened)
}

// recorder collects handler invocations.
type recorder struct {
	mu           sync.Mutex
	connects     []string
	disconnects  int
	errs         []error
	lines        []string
	delays       []time.Duration
	retryAttempt []int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnect: func(path string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects = append(r.connects, path)
		},
		OnDisconnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnLine: func(line string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lines = append(r.lines, line)
		},
		OnRetry: func(attempt int, delay time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.retryAttempt = append(r.retryAttempt, attempt)
			r.delays = append(r.delays, delay)
		},
	}
}

func (r *recorder) Connects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connects...)
}

func (r *recorder) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *recorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func testConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		RetryStep:    time.Millisecond,
		MaxRetry:     5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
	}
}

var rfidPort = PortInfo{Path: "/dev/ttyUSB0", VendorID: "0403", ProductID: "6001", Manufacturer: "FTDI", Product: "RS232"}

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second,
		6 * time.Second, 7 * time.Second, 8 * time.Second, 9 * time.Second, 10 * time.Second,
		10 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, BackoffDelay(i+1, DefaultRetryStep, DefaultMaxRetry), "attempt %d", i+1)
	}
	assert.Equal(t, time.Duration(0), BackoffDelay(0, time.Second, 10*time.Second))
}

func TestManagerBackoffSequenceWithoutDevice(t *testing.T) {
	drv := &fakeDriver{}
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return len(rec.Delays()) >= 7 }, waitFor, tick)
	m.Stop()

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{1 * ms, 2 * ms, 3 * ms, 4 * ms, 5 * ms, 5 * ms, 5 * ms}, rec.Delays()[:7])
	assert.Empty(t, rec.Connects())
	assert.Empty(t, rec.Errors(), "missing device is not reported as an error")
}

func TestManagerConnectsDeliversLinesAndResetsAttempts(t *testing.T) {
	drv := &fakeDriver{}
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return len(rec.Delays()) >= 3 }, waitFor, tick)
	drv.SetPorts(rfidPort)

	require.Eventually(t, func() bool { return len(rec.Connects()) == 1 }, waitFor, tick)
	assert.Equal(t, "/dev/ttyUSB0", rec.Connects()[0])
	require.Eventually(t, func() bool { return m.State() == StateMonitoring }, waitFor, tick)
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, "/dev/ttyUSB0", m.Path())

	port := drv.Port(0)
	port.data <- []byte("1,AA,1715171234567,-22\r\n1,BB,")
	port.data <- []byte("1715171234600,-40\r\n")

	require.Eventually(t, func() bool { return len(rec.Lines()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"1,AA,1715171234567,-22", "1,BB,1715171234600,-40"}, rec.Lines())
}

func TestManagerDetectsSilentRemoval(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return m.State() == StateMonitoring }, waitFor, tick)
	before := len(rec.Delays())

	// the handle never errors; only the enumeration changes
	drv.SetPorts()

	require.Eventually(t, func() bool { return rec.Disconnects() == 1 }, waitFor, tick)
	assert.True(t, drv.Port(0).IsClosed(), "monitor closes the handle")

	require.Eventually(t, func() bool { return len(rec.Delays()) > before }, waitFor, tick)
	assert.Equal(t, time.Millisecond, rec.Delays()[before], "first retry after a good session uses attempt 1")

	// device comes back on another path
	moved := rfidPort
	moved.Path = "/dev/ttyUSB1"
	drv.SetPorts(moved)
	require.Eventually(t, func() bool { return len(rec.Connects()) == 2 }, waitFor, tick)
	assert.Equal(t, "/dev/ttyUSB1", rec.Connects()[1])
}

func TestManagerReadErrorTriggersTeardownAndReconnect(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return drv.Opened() == 1 }, waitFor, tick)
	require.NoError(t, drv.Port(0).Close())

	require.Eventually(t, func() bool { return rec.Disconnects() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(rec.Connects()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return m.State() == StateMonitoring }, waitFor, tick)
	assert.Equal(t, 0, m.Attempts())
}

func TestManagerOpenFailureBacksOff(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	drv.SetOpenErr(errors.New("device or resource busy"))
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return len(rec.Delays()) >= 3 }, waitFor, tick)
	assert.NotEmpty(t, rec.Errors())
	assert.Empty(t, rec.Connects())

	drv.SetOpenErr(nil)
	require.Eventually(t, func() bool { return len(rec.Connects()) == 1 }, waitFor, tick)
	assert.Equal(t, 0, m.Attempts())
}

func TestManagerStartIsIdempotentWhileConnected(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return m.State() == StateMonitoring }, waitFor, tick)

	m.Start()
	m.Start()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, drv.Opened())
	assert.Len(t, rec.Connects(), 1)
}

func TestManagerSend(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return m.State() == StateMonitoring }, waitFor, tick)

	require.NoError(t, m.Send("READ"))
	assert.Equal(t, "READ\n", drv.Port(0).Written())
}

func TestManagerSendWhileDisconnectedStartsReconnect(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())
	defer m.Stop()

	err := m.Send("READ")
	assert.ErrorIs(t, err, ErrNotConnected)
	require.Len(t, rec.Errors(), 1)
	assert.ErrorIs(t, rec.Errors()[0], ErrNotConnected)

	require.Eventually(t, func() bool { return len(rec.Connects()) == 1 }, waitFor, tick)
}

func TestManagerStartCutsBackoffShort(t *testing.T) {
	drv := &fakeDriver{}
	rec := &recorder{}
	cfg := testConfig()
	cfg.RetryStep = time.Hour
	cfg.MaxRetry = time.Hour
	m := NewWithDriver(cfg, drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return m.State() == StateBackoff }, waitFor, tick)

	drv.SetPorts(rfidPort)
	m.Start()
	require.Eventually(t, func() bool { return len(rec.Connects()) == 1 }, waitFor, tick)
}

func TestManagerStopReleasesPort(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	rec := &recorder{}
	m := NewWithDriver(testConfig(), drv, rec.handlers(), zerolog.Nop())

	m.Start()
	require.Eventually(t, func() bool { return m.State() == StateMonitoring }, waitFor, tick)

	m.Stop()
	assert.True(t, drv.Port(0).IsClosed())
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, rec.Disconnects())

	// stopped: no further attempts
	opened := drv.Opened()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, opened, drv.Opened())

	m.Stop()
}

func TestManagerTearsDownHungUpPort(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	drv.SetHungUp(true)
	rec := &recorder{}
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	cfg.ReadTimeout = time.Second
	m := NewWithDriver(cfg, drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()

	// the monitor never polls; only the reads reveal the hangup
	require.Eventually(t, func() bool { return rec.Disconnects() >= 1 }, waitFor, tick)
	assert.True(t, drv.Port(0).IsClosed())
	assert.Equal(t, hangupReads, drv.Port(0).Reads())

	// the device recovers and the next session stays up
	drv.SetHungUp(false)
	require.Eventually(t, func() bool {
		p := drv.Port(drv.Opened() - 1)
		return !p.IsClosed() && p.Reads() > hangupReads
	}, waitFor, tick)
}

func TestManagerIdlePortIsNotHangup(t *testing.T) {
	drv := &fakeDriver{}
	drv.SetPorts(rfidPort)
	rec := &recorder{}
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	m := NewWithDriver(cfg, drv, rec.handlers(), zerolog.Nop())

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return m.State() == StateMonitoring }, waitFor, tick)

	// reads time out with no data for many cycles
	require.Eventually(t, func() bool { return drv.Port(0).Reads() > 3*hangupReads }, waitFor, tick)
	assert.Equal(t, 0, rec.Disconnects())
	assert.Equal(t, 1, drv.Opened())
}
