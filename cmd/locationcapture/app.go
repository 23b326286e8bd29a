package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/soypete/locationcapture/pkg/config"
	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/httpbridge"
	"github.com/soypete/locationcapture/pkg/locationlog"
	"github.com/soypete/locationcapture/pkg/logging"
	"github.com/soypete/locationcapture/pkg/syncer"
	"github.com/soypete/locationcapture/pkg/uploader"
	"github.com/soypete/locationcapture/pkg/uploadqueue"
)

// app holds the opened store and the components built on it.
type app struct {
	cfg    *config.Config
	db     *database.DB
	log    *locationlog.Log
	queue  *uploadqueue.Queue
	syncer *syncer.Syncer // nil when upload is disabled
}

// loadConfig reads --config, falling back to the default locations and then
// to built-in defaults.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	cfg, err := config.LoadDefault()
	if errors.Is(err, config.ErrNotFound) {
		return config.Default(), nil
	}
	return cfg, err
}

// openApp loads configuration, initializes logging, opens the store and
// constructs the log, queue and (when enabled) the syncer.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Log
	if verbose {
		logCfg.Level = "debug"
	}
	if err := logging.Init(logCfg, os.Stderr); err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db}
	if err := a.build(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	var err error
	a.log, err = locationlog.New(ctx, a.db,
		locationlog.WithRetentionDays(a.cfg.Retention.Days()),
		locationlog.WithPruneInterval(a.cfg.Retention.PruneInterval),
	)
	if err != nil {
		return fmt.Errorf("failed to open location log: %w", err)
	}

	a.queue, err = uploadqueue.New(ctx, a.db)
	if err != nil {
		return fmt.Errorf("failed to open upload queue: %w", err)
	}

	if !a.cfg.Upload.Enabled {
		log.Debug("upload disabled")
		return nil
	}

	up, err := uploader.New(ctx, a.cfg.Upload.Config)
	if err != nil {
		return fmt.Errorf("failed to create uploader: %w", err)
	}
	a.syncer = syncer.New(a.db, a.log, a.queue, up,
		syncer.WithBatchSize(a.cfg.Upload.BatchSize),
	)
	return nil
}

func (a *app) bridge() *httpbridge.Server {
	return httpbridge.NewServer(a.cfg.Bridge, &httpbridge.AppContext{
		DB:     a.db,
		Log:    a.log,
		Queue:  a.queue,
		Syncer: a.syncer,
	})
}

func (a *app) Close() error {
	return a.db.Close()
}
