package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"bookscan/auditlog"
	"bookscan/catalog"
	"bookscan/eventpipe"
	"bookscan/indicator"
	"bookscan/logging"
	"bookscan/mqtt"
	"bookscan/reader"
	"bookscan/tracker"
)

var myBuild string

func main() {
	cfgfile := flag.String("cfg", "bookscan.cfg", "Config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bookscan: %v\n", err)
		os.Exit(1)
	}

	root, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bookscan: %v\n", err)
		os.Exit(1)
	}
	root = root.With().Str("client_id", cfg.ClientID).Logger()
	log := logging.Component(root, "app")
	log.Info().Str("build", myBuild).Msg("bookscan starting")

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		cfg:    cfg,
		log:    log,
		newID:  uuid.NewString,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}

	// Initialize indicator (LEDs, neopixels)
	app.indicator, err = indicator.New(cfg.Indicator)
	if err != nil {
		log.Fatal().Err(err).Msg("Init indicator")
	}
	app.indicator.ReaderLost() // Start with reader lost until the port opens

	app.audit, err = auditlog.Open(cfg.Audit)
	if err != nil {
		log.Fatal().Err(err).Msg("Init audit log")
	}

	client, err := mqtt.New(cfg.MQTT, cfg.ClientID, mqtt.Handlers{
		OnConnect:    app.onMQTTConnect,
		OnDisconnect: app.onMQTTDisconnect,
		OnMessage:    app.onMQTTMessage,
	}, logging.Component(root, "mqtt"))
	if err != nil {
		log.Fatal().Err(err).Msg("Init MQTT")
	}
	app.mqtt = client
	app.topics = client.Topics()

	// Load cached catalog from file, then fetch from API
	books := catalog.New(cfg.Catalog, logging.Component(root, "catalog"))
	books.SetUpdateCallback(app.onCatalogUpdate)
	app.catalog = books
	if err := books.LoadFromFile(); err != nil {
		log.Warn().Err(err).Msg("Could not load catalog cache")
	}
	if cfg.Catalog.URL != "" {
		if err := books.FetchFromAPI(); err != nil {
			log.Warn().Err(err).Msg("Could not fetch catalog from API")
		}
	}

	app.tracker = tracker.New(cfg.Tracker, app, logging.Component(root, "tracker"))

	conn := reader.New(cfg.Reader, app.readerHandlers(), logging.Component(root, "reader"))
	app.reader = conn

	pipe, err := eventpipe.New(cfg.EventPipe, app.handleCommand, logging.Component(root, "eventpipe"))
	if err != nil {
		log.Fatal().Err(err).Msg("Init event pipe")
	}

	// Start background goroutines
	go func() {
		if err := client.Connect(); err != nil {
			log.Error().Err(err).Msg("MQTT connect")
		}
	}()
	if pipe != nil {
		go pipe.Start()
	}
	conn.Start()
	go app.pingSender()
	go app.sweeper()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	cancel()

	// Cleanup
	conn.Stop()
	app.tracker.Close()
	if err := pipe.Close(); err != nil {
		log.Warn().Err(err).Msg("Close event pipe")
	}
	client.Disconnect()
	if err := app.audit.Close(); err != nil {
		log.Warn().Err(err).Msg("Close audit log")
	}
	app.indicator.Shutdown()
	if err := app.indicator.Release(); err != nil {
		log.Warn().Err(err).Msg("Release indicator")
	}

	log.Info().Msg("Shutdown complete")
}
