package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the RSSI gates and dwell timing.
type Config struct {
	WeakRSSI      int           `yaml:"weak_rssi"`    // below: departing signal
	TriggerRSSI   int           `yaml:"trigger_rssi"` // above: scanning status
	ValidRSSI     int           `yaml:"valid_rssi"`   // above: counts toward dwell
	RequiredDwell time.Duration `yaml:"required_dwell"`
	Debounce      time.Duration `yaml:"debounce"`
	HistoryLimit  int           `yaml:"history_limit"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	Antennas      []string      `yaml:"antennas"` // empty: track every antenna
}

// Defaults.
const (
	DefaultWeakRSSI      = -50
	DefaultTriggerRSSI   = -30
	DefaultValidRSSI     = -25
	DefaultRequiredDwell = 1500 * time.Millisecond
	DefaultDebounce      = 100 * time.Millisecond
	DefaultHistoryLimit  = 30
	DefaultStaleAfter    = 30 * time.Second
)

// WithDefaults returns cfg with zero values replaced by defaults.
// RSSI gates are only defaulted when all three are zero.
func (cfg Config) WithDefaults() Config {
	if cfg.WeakRSSI == 0 && cfg.TriggerRSSI == 0 && cfg.ValidRSSI == 0 {
		cfg.WeakRSSI = DefaultWeakRSSI
		cfg.TriggerRSSI = DefaultTriggerRSSI
		cfg.ValidRSSI = DefaultValidRSSI
	}
	if cfg.RequiredDwell <= 0 {
		cfg.RequiredDwell = DefaultRequiredDwell
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return cfg
}

type entry struct {
	history  []Reading
	lastSeen time.Time // timestamp of the newest reading
	touched  time.Time // local arrival time, for aging out
	inFlight bool
	timer    Timer
}

// Tracker turns a stream of readings into confirmed scans using RSSI gating
// and a debounced dwell-time check.
//
// mu guards entries. Sink methods are always called with mu released.
type Tracker struct {
	cfg      Config
	sink     Sink
	sched    Scheduler
	log      zerolog.Logger
	now      func() time.Time
	antennas map[string]bool

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates a Tracker that reports to sink using real timers.
func New(cfg Config, sink Sink, log zerolog.Logger) *Tracker {
	return NewWithScheduler(cfg, sink, realScheduler{}, log)
}

// NewWithScheduler creates a Tracker on an arbitrary Scheduler.
func NewWithScheduler(cfg Config, sink Sink, sched Scheduler, log zerolog.Logger) *Tracker {
	cfg = cfg.WithDefaults()
	t := &Tracker{
		cfg:     cfg,
		sink:    sink,
		sched:   sched,
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	if len(cfg.Antennas) > 0 {
		t.antennas = make(map[string]bool, len(cfg.Antennas))
		for _, a := range cfg.Antennas {
			t.antennas[a] = true
		}
	}
	return t
}

// Observe processes one valid reading.
func (t *Tracker) Observe(r Reading) {
	t.sink.ReadingObserved(r)

	if t.antennas != nil && !t.antennas[r.Antenna] {
		return
	}

	if r.RSSI < t.cfg.WeakRSSI {
		t.mu.Lock()
		e := t.entries[r.TagID]
		idle := e == nil || len(e.history) == 0
		t.mu.Unlock()
		if idle {
			t.sink.StatusChanged(StatusIdle, "")
		}
		return
	}

	if r.RSSI > t.cfg.TriggerRSSI {
		t.sink.StatusChanged(StatusScanning, r.TagID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	e := t.entries[r.TagID]
	if e == nil {
		e = &entry{history: make([]Reading, 0, t.cfg.HistoryLimit)}
		t.entries[r.TagID] = e
	}
	e.history = append(e.history, r)
	if over := len(e.history) - t.cfg.HistoryLimit; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
	e.lastSeen = r.Timestamp
	e.touched = t.now()

	if !e.inFlight {
		e.inFlight = true
		tagID := r.TagID
		e.timer = t.sched.AfterFunc(t.cfg.Debounce, func() { t.evaluate(tagID) })
	}
}

// evaluate runs the dwell check against the entry's current history.
func (t *Tracker) evaluate(tagID string) {
	t.mu.Lock()
	e := t.entries[tagID]
	if e == nil || t.closed {
		t.mu.Unlock()
		return
	}
	e.inFlight = false
	e.timer = nil

	var valid []Reading
	for _, r := range e.history {
		if r.RSSI > t.cfg.ValidRSSI {
			valid = append(valid, r)
		}
	}
	if len(valid) < 2 {
		t.mu.Unlock()
		return
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Timestamp.Before(valid[j].Timestamp)
	})
	first := valid[0].Timestamp
	last := e.history[len(e.history)-1].Timestamp
	duration := last.Sub(first)

	if duration < t.cfg.RequiredDwell {
		t.mu.Unlock()
		return
	}

	delete(t.entries, tagID)
	t.mu.Unlock()

	t.log.Info().Str("tag_id", tagID).Dur("duration", duration).Int("valid_readings", len(valid)).Msg("Tag presentation confirmed")
	t.sink.ScanConfirmed(Scan{
		TagID:        tagID,
		FirstValidAt: first,
		LastAt:       last,
		Duration:     duration,
	})
}

// Sweep drops entries that have not been seen since StaleAfter before now
// and have no evaluation pending. It returns the number dropped.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.inFlight {
			continue
		}
		if now.Sub(e.touched) >= t.cfg.StaleAfter {
			delete(t.entries, id)
			n++
		}
	}
	if n > 0 {
		t.log.Debug().Int("dropped", n).Msg("Swept stale tag entries")
	}
	return n
}

// History returns a copy of the reading history for tagID.
func (t *Tracker) History(tagID string) []Reading {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[tagID]
	if e == nil {
		return nil
	}
	return append([]Reading(nil), e.history...)
}

// Tracking reports whether an entry exists for tagID.
func (t *Tracker) Tracking(tagID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[tagID]
	return ok
}

// Len returns the number of tracked tags.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels pending evaluations and drops all state.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.entries = make(map[string]*entry)
	t.closed = true
}
