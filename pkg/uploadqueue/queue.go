// Package uploadqueue implements the durable FIFO that buffers samples for
// delivery. A delivery attempt flushes the whole queue, and restores the
// batch if delivery fails so it is retried ahead of newer samples.
package uploadqueue

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/location"
	"github.com/soypete/locationcapture/pkg/metrics"
)

const (
	tableName = "upload_queue"

	tableSchema = `CREATE TABLE upload_queue (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    position  INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    latitude  REAL NOT NULL,
    longitude REAL NOT NULL,
    accuracy  REAL NOT NULL,
    heading   REAL NOT NULL,
    speed     REAL NOT NULL
)`

	indexSchema = `CREATE INDEX upload_queue_position ON upload_queue(position, id)`
)

// Queue is the upload queue.
type Queue struct {
	db     *database.DB
	logger *log.Entry
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the log entry used by the Queue.
func WithLogger(entry *log.Entry) Option {
	return func(q *Queue) {
		q.logger = entry
	}
}

// New reconciles the queue schema and returns a Queue.
func New(ctx context.Context, db *database.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		db:     db,
		logger: log.WithField("component", "uploadqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}

	var depth int
	err := db.Do(ctx, func(conn *database.Conn) error {
		created, err := conn.EnsureTableSchema(ctx, tableName, tableSchema)
		if err != nil {
			return err
		}
		if created {
			q.logger.Info("created upload queue table")
		}
		if _, err := conn.EnsureIndexSchema(ctx, "upload_queue_position", indexSchema); err != nil {
			return err
		}
		depth, err = count(ctx, conn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upload queue: %w", err)
	}

	metrics.QueueDepth.Set(float64(depth))
	return q, nil
}

// Add appends sample to the tail of the queue.
func (q *Queue) Add(ctx context.Context, sample location.Sample) error {
	if err := sample.Validate(); err != nil {
		return err
	}

	var depth int
	err := q.db.Do(ctx, func(conn *database.Conn) error {
		return conn.WithTransaction(ctx, func() error {
			rows, err := conn.Query(ctx, `SELECT COALESCE(MAX(position), 0) FROM upload_queue`)
			if err != nil {
				return err
			}
			tail, err := rows[0].Int64(0)
			if err != nil {
				return err
			}
			if _, err := conn.Insert(ctx, entry(sample, tail+1), tableName); err != nil {
				return err
			}
			depth, err = count(ctx, conn)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue location: %w", err)
	}

	metrics.QueueEnqueued.Inc()
	metrics.QueueDepth.Set(float64(depth))
	return nil
}

// Flush removes and returns every queued sample in FIFO order. The select and
// the delete run in one transaction. An empty queue yields an empty slice.
func (q *Queue) Flush(ctx context.Context) ([]location.Sample, error) {
	samples := []location.Sample{}
	err := q.db.Do(ctx, func(conn *database.Conn) error {
		return conn.WithTransaction(ctx, func() error {
			rows, err := conn.Query(ctx,
				`SELECT id, `+location.Columns+` FROM upload_queue ORDER BY position ASC, id ASC`)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}

			var maxID int64
			for _, row := range rows {
				id, err := row.Int64(0)
				if err != nil {
					return err
				}
				s, err := location.FromRow(row, 1)
				if err != nil {
					return err
				}
				samples = append(samples, s)
				maxID = max(maxID, id)
			}
			return conn.Execute(ctx, `DELETE FROM upload_queue WHERE id <= ?`, maxID)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to flush upload queue: %w", err)
	}

	if len(samples) > 0 {
		metrics.QueueFlushed.Add(float64(len(samples)))
		metrics.QueueDepth.Set(0)
		q.logger.WithField("count", len(samples)).Debug("flushed upload queue")
	}
	return samples, nil
}

// Restore puts previously flushed samples back at the head of the queue,
// keeping their relative order, so the next Flush returns them before
// anything added since.
func (q *Queue) Restore(ctx context.Context, samples []location.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := location.ValidateAll(samples); err != nil {
		return err
	}

	var depth int
	err := q.db.Do(ctx, func(conn *database.Conn) error {
		return conn.WithTransaction(ctx, func() error {
			rows, err := conn.Query(ctx, `SELECT COALESCE(MIN(position), 0) FROM upload_queue`)
			if err != nil {
				return err
			}
			head, err := rows[0].Int64(0)
			if err != nil {
				return err
			}

			first := head - int64(len(samples))
			for i, s := range samples {
				if _, err := conn.Insert(ctx, entry(s, first+int64(i)), tableName); err != nil {
					return err
				}
			}
			depth, err = count(ctx, conn)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to restore upload queue: %w", err)
	}

	metrics.QueueRestored.Add(float64(len(samples)))
	metrics.QueueDepth.Set(float64(depth))
	q.logger.WithFields(log.Fields{
		"count": len(samples),
		"depth": depth,
	}).Info("restored samples to upload queue")
	return nil
}

// Len returns the number of queued samples.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.Do(ctx, func(conn *database.Conn) error {
		var err error
		n, err = count(ctx, conn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count upload queue: %w", err)
	}
	return n, nil
}

func count(ctx context.Context, conn *database.Conn) (int, error) {
	rows, err := conn.Query(ctx, `SELECT COUNT(*) FROM upload_queue`)
	if err != nil {
		return 0, err
	}
	n, err := rows[0].Int64(0)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func entry(s location.Sample, position int64) database.Record {
	rec := s.Record()
	rec["position"] = position
	return rec
}
