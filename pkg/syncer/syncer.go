// Package syncer moves samples from the location log to the remote server.
// Collect copies new log samples into the upload queue; Deliver drains the
// queue, uploads the batch and restores it if the upload fails.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/location"
	"github.com/soypete/locationcapture/pkg/locationlog"
	"github.com/soypete/locationcapture/pkg/metrics"
)

// DefaultBatchSize is the page size used when reading the location log.
const DefaultBatchSize = 500

// Source is the location log as seen by the syncer.
type Source interface {
	Retrieve(ctx context.Context, anchor locationlog.Anchor, limit int) (locationlog.Result, error)
	LatestAnchor(ctx context.Context) (locationlog.Anchor, error)
}

// Queue is the upload queue as seen by the syncer.
type Queue interface {
	Add(ctx context.Context, sample location.Sample) error
	Flush(ctx context.Context) ([]location.Sample, error)
	Restore(ctx context.Context, samples []location.Sample) error
}

// Uploader delivers one batch.
type Uploader interface {
	Upload(ctx context.Context, batchID string, samples []location.Sample) error
}

// Syncer runs collection and delivery. Calls are serialized, so a manual
// sync and the periodic loop never collect or deliver at the same time.
type Syncer struct {
	mu sync.Mutex

	db          *database.DB
	source      Source
	queue       Queue
	uploader    Uploader
	checkpoints *CheckpointStore
	batchSize   int
	now         func() time.Time
	newID       func() string
	logger      *log.Entry
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithBatchSize sets the location log page size.
func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithNowFunc overrides the clock used for attempt records.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// WithLogger sets the log entry used by the Syncer.
func WithLogger(entry *log.Entry) Option {
	return func(s *Syncer) {
		s.logger = entry
	}
}

// New creates a Syncer. db holds the checkpoint and attempt tables.
func New(db *database.DB, source Source, queue Queue, uploader Uploader, opts ...Option) *Syncer {
	s := &Syncer{
		db:          db,
		source:      source,
		queue:       queue,
		uploader:    uploader,
		checkpoints: NewCheckpointStore(db),
		batchSize:   DefaultBatchSize,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      log.WithField("component", "syncer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.checkpoints.now = s.now
	return s
}

// Checkpoints returns the syncer's checkpoint store.
func (s *Syncer) Checkpoints() *CheckpointStore {
	return s.checkpoints
}

// Collect copies every sample added to the location log since the last
// collection into the upload queue and returns how many were enqueued. The
// checkpoint advances after each page, so a failure part way through a page
// re-enqueues that page on the next run.
func (s *Syncer) Collect(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(ctx)
}

func (s *Syncer) collect(ctx context.Context) (int, error) {
	anchor, err := s.checkpoints.Load(ctx, UploadCheckpoint)
	if err != nil {
		return 0, err
	}

	latest, err := s.source.LatestAnchor(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read location log: %w", err)
	}
	if anchor.After(latest) {
		s.logger.WithFields(log.Fields{
			"checkpoint": anchor.String(),
			"latest":     latest.String(),
		}).Warn("upload checkpoint is ahead of the location log, collecting from the start")
		anchor = ""
	}

	total := 0
	for {
		page, err := s.source.Retrieve(ctx, anchor, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to read location log: %w", err)
		}
		if len(page.Samples) == 0 {
			break
		}

		for _, sample := range page.Samples {
			sample.SequenceID = 0
			if err := s.queue.Add(ctx, sample); err != nil {
				return total, err
			}
			total++
		}

		anchor = page.NextAnchor
		if err := s.checkpoints.Save(ctx, UploadCheckpoint, anchor); err != nil {
			return total, err
		}
		if len(page.Samples) < s.batchSize {
			break
		}
	}

	if total > 0 {
		s.logger.WithFields(log.Fields{
			"count":  total,
			"anchor": anchor.String(),
		}).Debug("collected locations for upload")
	}
	return total, nil
}

// Deliver flushes the upload queue and uploads the batch. If the upload
// fails the batch is restored to the head of the queue and the upload error
// is returned. It returns how many samples were delivered.
func (s *Syncer) Deliver(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliver(ctx)
}

func (s *Syncer) deliver(ctx context.Context) (int, error) {
	batch, err := s.queue.Flush(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	attempt := Attempt{
		ID:          s.newID(),
		SampleCount: len(batch),
		CreatedAt:   s.now(),
	}
	logger := s.logger.WithFields(log.Fields{
		"batch": attempt.ID,
		"count": len(batch),
	})

	start := time.Now()
	uploadErr := s.uploader.Upload(ctx, attempt.ID, batch)
	attempt.Duration = time.Since(start)

	// The batch exists only in memory now; finish bookkeeping even if ctx
	// has been cancelled.
	bg := context.WithoutCancel(ctx)

	if uploadErr != nil {
		attempt.Outcome = metrics.OutcomeFailed
		attempt.Error = uploadErr.Error()
		metrics.UploadAttempts.WithLabelValues(metrics.OutcomeFailed).Inc()

		if err := s.queue.Restore(bg, batch); err != nil {
			logger.WithError(err).Error("failed to restore undelivered batch, samples lost")
			return 0, errors.Join(
				fmt.Errorf("failed to deliver batch %s: %w", attempt.ID, uploadErr),
				err,
			)
		}
		s.record(bg, logger, attempt)
		logger.WithError(uploadErr).Warn("upload failed, batch restored")
		return 0, fmt.Errorf("failed to deliver batch %s: %w", attempt.ID, uploadErr)
	}

	attempt.Outcome = metrics.OutcomeDelivered
	metrics.UploadAttempts.WithLabelValues(metrics.OutcomeDelivered).Inc()
	s.record(bg, logger, attempt)
	logger.Info("delivered locations")
	return len(batch), nil
}

func (s *Syncer) record(ctx context.Context, logger *log.Entry, a Attempt) {
	if err := recordAttempt(ctx, s.db, a); err != nil {
		logger.WithError(err).Warn("failed to record upload attempt")
	}
}

// RunOnce collects and then delivers. Delivery runs even if collection
// failed, so previously queued samples still go out.
func (s *Syncer) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, collectErr := s.collect(ctx)
	if collectErr != nil {
		s.logger.WithError(collectErr).Warn("collection failed")
	}
	delivered, deliverErr := s.deliver(ctx)
	return delivered, errors.Join(collectErr, deliverErr)
}

// Run calls RunOnce immediately and then every interval until ctx is done.
// Errors are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("sync failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
