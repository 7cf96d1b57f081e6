package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bookscan/auditlog"
	"bookscan/catalog"
	"bookscan/eventpipe"
	"bookscan/indicator"
	"bookscan/mqtt"
	"bookscan/reader"
	"bookscan/tracker"
)

// broker is the part of the MQTT client the App publishes through.
type broker interface {
	Subscribe(topic string) error
	Publish(topic string, payload string)
	PublishJSON(topic string, v interface{}) error
}

// bookLookup resolves confirmed tags against the catalog.
type bookLookup interface {
	Lookup(tagID string) (catalog.Book, bool)
	Len() int
	FetchFromAPI() error
}

// readerLink is the connection manager as seen by the App.
type readerLink interface {
	Start()
	Send(payload string) error
	State() reader.State
	Path() string
	Attempts() int
}

// App holds the application state and dependencies. It is the sink for
// tracker output and the handler set for reader and MQTT events.
type App struct {
	cfg       *Config
	log       zerolog.Logger
	mqtt      broker
	topics    mqtt.Topics
	reader    readerLink
	tracker   *tracker.Tracker
	catalog   bookLookup
	audit     *auditlog.Writer
	indicator indicator.Indicator
	newID     func() string
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	// statusMu guards the last published status and the result hold timer.
	statusMu   sync.Mutex
	lastStatus statusMessage
	holdTimer  *time.Timer
}

// Status values of a ScanResult.
const (
	ScanFound    = "found"
	ScanNotFound = "not_found"
)

const (
	msgUnrecognizedTag    = "Unrecognized RFID tag"
	msgReaderDisconnected = "Reader disconnected"
)

// ScanResult is a confirmed scan resolved against the catalog.
type ScanResult struct {
	ID           string        `json:"id"`
	TagID        string        `json:"tagId"`
	Status       string        `json:"status"`
	FirstValidAt time.Time     `json:"firstValidAt"`
	LastAt       time.Time     `json:"lastAt"`
	DurationMs   int64         `json:"durationMs"`
	Book         *catalog.Book `json:"book,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type statusMessage struct {
	Status string `json:"status"`
	TagID  string `json:"tagId,omitempty"`
}

type errorMessage struct {
	Error string `json:"error"`
}

type rawReadingMessage struct {
	Port      string    `json:"port"`
	TagID     string    `json:"tagId"`
	Timestamp time.Time `json:"timestamp"`
	RSSI      int       `json:"rssi"`
}

type readerStateMessage struct {
	State    string `json:"state"`
	Path     string `json:"path,omitempty"`
	Attempts int    `json:"attempts"`
}

type catalogStatusMessage struct {
	Status string `json:"status"`
	Books  int    `json:"books"`
}

// StatusChanged implements tracker.Sink.
func (app *App) StatusChanged(status tracker.Status, tagID string) {
	msg := statusMessage{Status: string(status), TagID: tagID}

	app.statusMu.Lock()
	if msg == app.lastStatus {
		app.statusMu.Unlock()
		return
	}
	app.lastStatus = msg
	holding := app.holdTimer != nil
	app.statusMu.Unlock()

	app.publish(app.topics.ScanStatus, msg)

	// A shown result stays up until its hold expires
	if holding {
		return
	}
	switch status {
	case tracker.StatusScanning:
		app.indicator.Scanning()
	case tracker.StatusIdle:
		app.indicator.Idle()
	}
}

// ScanConfirmed implements tracker.Sink.
func (app *App) ScanConfirmed(scan tracker.Scan) {
	res := app.resolveScan(scan)

	app.log.Info().
		Str("tag", res.TagID).
		Str("status", res.Status).
		Int64("duration_ms", res.DurationMs).
		Str("scan_id", res.ID).
		Msg("Tag scanned")

	app.publish(app.topics.TagScanned, res)

	if res.Status == ScanFound {
		app.indicator.Found()
	} else {
		app.indicator.NotFound()
	}
	app.holdResult()
}

// ReadingObserved implements tracker.Sink.
func (app *App) ReadingObserved(r tracker.Reading) {
	if err := app.audit.Append(r.Antenna, r.TagID, r.Timestamp, r.RSSI); err != nil {
		app.log.Error().Err(err).Msg("Audit append failed")
	}
	app.publish(app.topics.RawReading, rawReadingMessage{
		Port:      r.Antenna,
		TagID:     r.TagID,
		Timestamp: r.Timestamp,
		RSSI:      r.RSSI,
	})
}

func (app *App) resolveScan(scan tracker.Scan) ScanResult {
	res := ScanResult{
		ID:           app.newID(),
		TagID:        scan.TagID,
		FirstValidAt: scan.FirstValidAt,
		LastAt:       scan.LastAt,
		DurationMs:   scan.DurationMs(),
	}
	if book, ok := app.catalog.Lookup(scan.TagID); ok {
		res.Status = ScanFound
		res.Book = &book
	} else {
		res.Status = ScanNotFound
		res.Error = msgUnrecognizedTag
	}
	return res
}

// holdResult keeps the found/not found indication for ResultHold, then
// returns the indicator to idle. A new result restarts the hold.
func (app *App) holdResult() {
	app.statusMu.Lock()
	defer app.statusMu.Unlock()

	// The next status from the tracker is published even if unchanged
	app.lastStatus = statusMessage{}

	if app.holdTimer != nil {
		app.holdTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(app.cfg.ResultHold, func() {
		app.statusMu.Lock()
		if app.holdTimer != t {
			app.statusMu.Unlock()
			return
		}
		app.holdTimer = nil
		app.statusMu.Unlock()
		app.indicator.Idle()
	})
	app.holdTimer = t
}

func (app *App) resetStatus() {
	app.statusMu.Lock()
	app.lastStatus = statusMessage{}
	app.statusMu.Unlock()
}

// readerHandlers wires the connection manager events to the App.
func (app *App) readerHandlers() reader.Handlers {
	return reader.Handlers{
		OnConnect:    app.onReaderConnect,
		OnDisconnect: app.onReaderDisconnect,
		OnError:      app.onReaderError,
		OnLine:       app.handleLine,
		OnRetry:      app.onReaderRetry,
		OnState:      app.onReaderState,
	}
}

func (app *App) onReaderConnect(path string) {
	app.log.Info().Str("path", path).Msg("Reader connected")
	app.resetStatus()
	app.StatusChanged(tracker.StatusIdle, "")
}

func (app *App) onReaderDisconnect() {
	app.log.Warn().Msg(msgReaderDisconnected)

	// A pending result hold must not return the indicator to idle
	app.statusMu.Lock()
	app.lastStatus = statusMessage{}
	if app.holdTimer != nil {
		app.holdTimer.Stop()
		app.holdTimer = nil
	}
	app.statusMu.Unlock()

	app.publish(app.topics.ScanError, errorMessage{Error: msgReaderDisconnected})
	app.indicator.ReaderLost()
}

func (app *App) onReaderError(err error) {
	app.publish(app.topics.ScanError, errorMessage{Error: err.Error()})
}

func (app *App) onReaderRetry(attempt int, delay time.Duration) {
	app.log.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msgf("Reconnecting in %s (attempt %d)", delay, attempt)
}

func (app *App) onReaderState(state reader.State) {
	msg := readerStateMessage{State: state.String()}
	if app.reader != nil {
		msg.Path = app.reader.Path()
		msg.Attempts = app.reader.Attempts()
	}
	app.log.Debug().Str("state", msg.State).Str("path", msg.Path).Msg("Reader state")
	app.publish(app.topics.ReaderState, msg)
}

// handleLine parses one reader line and feeds it to the tracker.
func (app *App) handleLine(line string) {
	r, err := tracker.Parse(line)
	if err != nil {
		var rej *tracker.RejectError
		if errors.As(err, &rej) {
			app.log.Warn().Str("reason", string(rej.Reason)).Str("line", rej.Line).Msg("Invalid data")
		} else {
			app.log.Warn().Err(err).Msg("Invalid data")
		}
		return
	}
	app.tracker.Observe(r)
}

func (app *App) onMQTTConnect() {
	for _, topic := range []string{app.topics.CatalogUpdate, app.topics.Send} {
		if err := app.mqtt.Subscribe(topic); err != nil {
			app.log.Error().Err(err).Str("topic", topic).Msg("Subscribe error")
		}
	}
	if app.reader != nil {
		app.onReaderState(app.reader.State())
	}
}

func (app *App) onMQTTDisconnect() {
	app.log.Warn().Msg("MQTT disconnected, scan events are dropped until reconnect")
}

func (app *App) onMQTTMessage(topic string, payload []byte) {
	switch topic {
	case app.topics.CatalogUpdate:
		app.log.Info().Msg("Received catalog update message")
		app.refreshCatalog()

	case app.topics.Send:
		app.handleSendRequest(payload)

	default:
		app.log.Debug().Str("topic", topic).Msg("Ignoring message")
	}
}

func (app *App) handleSendRequest(payload []byte) {
	req, err := decodeSendRequest(app.cfg.SendSecret, payload, app.now())
	if err != nil {
		app.log.Warn().Err(err).Msg("Rejected send request")
		return
	}
	app.log.Info().Str("payload", req.Payload).Msg("Remote send request")
	if err := app.reader.Send(req.Payload); err != nil {
		app.log.Warn().Err(err).Msg("Remote send failed")
	}
}

func (app *App) refreshCatalog() {
	if err := app.catalog.FetchFromAPI(); err != nil {
		app.log.Error().Err(err).Msg("Fetch catalog")
	}
}

func (app *App) onCatalogUpdate(n int) {
	app.publish(app.topics.CatalogStatus, catalogStatusMessage{Status: "downloaded", Books: n})
}

// handleCommand runs one bench command from the event pipe.
func (app *App) handleCommand(cmd eventpipe.Command) {
	switch cmd.Kind {
	case eventpipe.KindLine:
		app.handleLine(cmd.Arg)
	case eventpipe.KindSend:
		if err := app.reader.Send(cmd.Arg); err != nil {
			app.log.Warn().Err(err).Msg("Bench send failed")
		}
	case eventpipe.KindReload:
		app.refreshCatalog()
	case eventpipe.KindStatus:
		app.log.Info().
			Stringer("reader", app.reader.State()).
			Str("path", app.reader.Path()).
			Int("attempts", app.reader.Attempts()).
			Int("tracked", app.tracker.Len()).
			Int("books", app.catalog.Len()).
			Msg("Status")
	}
}

func (app *App) publish(topic string, v interface{}) {
	if err := app.mqtt.PublishJSON(topic, v); err != nil {
		app.log.Error().Err(err).Str("topic", topic).Msg("Publish failed")
	}
}

func (app *App) pingSender() {
	ticker := time.NewTicker(app.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.mqtt.Publish(app.topics.Ping, `{"status":"ok"}`)
		}
	}
}

// sweeper ages out tracking entries for tags that faded without confirming.
func (app *App) sweeper() {
	ticker := time.NewTicker(app.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.tracker.Sweep(app.now())
		}
	}
}
