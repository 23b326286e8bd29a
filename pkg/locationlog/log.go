// Package locationlog implements the append-only location log: bulk append,
// anchor-based forward retrieval, and age-based retention.
package locationlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/location"
	"github.com/soypete/locationcapture/pkg/metrics"
)

const (
	tableName = "location_log"

	tableSchema = `CREATE TABLE location_log (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    latitude  REAL NOT NULL,
    longitude REAL NOT NULL,
    accuracy  REAL NOT NULL,
    heading   REAL NOT NULL,
    speed     REAL NOT NULL
)`

	indexSchema = `CREATE INDEX location_log_timestamp ON location_log(timestamp)`

	secondsPerDay = 86400

	// KeepForever disables retention.
	KeepForever = -1
)

var (
	// ErrInvalidLimit is returned for limits other than -1 or a positive count.
	ErrInvalidLimit = errors.New("invalid limit")
	// ErrInvalidRetention is returned for retention other than -1 or a
	// non-negative number of days.
	ErrInvalidRetention = errors.New("invalid retention")
)

// Result is one page of retrieved samples.
type Result struct {
	Samples    []location.Sample
	NextAnchor Anchor
}

// Log is the location log. It is safe for concurrent use; the store's single
// connection serializes the work.
type Log struct {
	db            *database.DB
	logger        *log.Entry
	now           func() time.Time
	pruneInterval time.Duration

	mu            sync.Mutex
	retentionDays int
	lastPrune     time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithRetentionDays sets the initial retention. See SetRetention.
func WithRetentionDays(days int) Option {
	return func(l *Log) {
		l.retentionDays = days
	}
}

// WithPruneInterval sets the minimum time between opportunistic prunes run by
// Add. Zero prunes on every Add.
func WithPruneInterval(d time.Duration) Option {
	return func(l *Log) {
		l.pruneInterval = d
	}
}

// WithNowFunc overrides the clock used for retention.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithLogger sets the log entry used by the Log.
func WithLogger(entry *log.Entry) Option {
	return func(l *Log) {
		l.logger = entry
	}
}

// New reconciles the location log schema and returns a Log.
func New(ctx context.Context, db *database.DB, opts ...Option) (*Log, error) {
	l := &Log{
		db:            db,
		logger:        log.WithField("component", "locationlog"),
		now:           time.Now,
		pruneInterval: time.Hour,
		retentionDays: KeepForever,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retentionDays < KeepForever {
		return nil, fmt.Errorf("%w: %d days", ErrInvalidRetention, l.retentionDays)
	}

	err := db.Do(ctx, func(conn *database.Conn) error {
		created, err := conn.EnsureTableSchema(ctx, tableName, tableSchema)
		if err != nil {
			return err
		}
		if created {
			l.logger.Info("created location log table")
			// Sequence ids restart with the table, so saved anchors no
			// longer point into it.
			if err := conn.Execute(ctx, `DELETE FROM sync_checkpoints`); err != nil {
				return fmt.Errorf("failed to reset sync checkpoints: %w", err)
			}
		}
		_, err = conn.EnsureIndexSchema(ctx, "location_log_timestamp", indexSchema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize location log: %w", err)
	}
	return l, nil
}

// SetRetention sets how many days samples are kept; KeepForever (-1) keeps
// them indefinitely and 0 keeps nothing older than the current second.
// Nothing is deleted until the next prune.
func (l *Log) SetRetention(days int) error {
	if days < KeepForever {
		return fmt.Errorf("%w: %d days", ErrInvalidRetention, days)
	}
	l.mu.Lock()
	l.retentionDays = days
	l.mu.Unlock()
	return nil
}

// Retention returns the configured retention in days.
func (l *Log) Retention() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retentionDays
}

// Add appends samples in a single transaction. Each receives a sequence id
// greater than every id assigned before, in input order. Either every sample
// is committed or none is.
func (l *Log) Add(ctx context.Context, samples ...location.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := location.ValidateAll(samples); err != nil {
		return err
	}
	if err := l.maybePrune(ctx); err != nil {
		return err
	}

	var first, last int64
	err := l.db.Do(ctx, func(conn *database.Conn) error {
		return conn.WithTransaction(ctx, func() error {
			for i, s := range samples {
				id, err := conn.Insert(ctx, s.Record(), tableName)
				if err != nil {
					return err
				}
				if i == 0 {
					first = id
				}
				last = id
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to add locations: %w", err)
	}

	metrics.SamplesAppended.Add(float64(len(samples)))
	l.logger.WithFields(log.Fields{
		"count": len(samples),
		"first": first,
		"last":  last,
	}).Debug("appended locations")
	return nil
}

// Retrieve returns up to limit samples after anchor in ascending sequence
// order, and the anchor to resume from. A limit of -1 returns everything
// remaining. The empty anchor starts at the beginning of the log.
func (l *Log) Retrieve(ctx context.Context, anchor Anchor, limit int) (Result, error) {
	seq, err := anchor.sequence()
	if err != nil {
		return Result{}, err
	}
	if limit == 0 || limit < -1 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	query := `SELECT id, ` + location.Columns + ` FROM location_log WHERE id > ? ORDER BY id ASC`
	args := []any{seq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []database.Row
	err = l.db.Do(ctx, func(conn *database.Conn) error {
		rows, err = conn.Query(ctx, query, args...)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to retrieve locations: %w", err)
	}

	result := Result{
		Samples:    make([]location.Sample, 0, len(rows)),
		NextAnchor: anchor,
	}
	if anchor == "" {
		result.NextAnchor = StartAnchor
	}

	for _, row := range rows {
		id, err := row.Int64(0)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read sequence id: %w", err)
		}
		s, err := location.FromRow(row, 1)
		if err != nil {
			return Result{}, err
		}
		s.SequenceID = id
		result.Samples = append(result.Samples, s)
	}

	if n := len(result.Samples); n > 0 {
		result.NextAnchor = anchorFor(result.Samples[n-1].SequenceID)
	}
	return result, nil
}

// LatestAnchor returns an anchor at the highest sequence id assigned so far.
// Retrieving from it returns only samples added afterwards. The id comes from
// sqlite_sequence, so pruning the newest rows never moves it backwards.
func (l *Log) LatestAnchor(ctx context.Context) (Anchor, error) {
	var rows []database.Row
	err := l.db.Do(ctx, func(conn *database.Conn) error {
		var err error
		rows, err = conn.Query(ctx, `SELECT seq FROM sqlite_sequence WHERE name = ?`, tableName)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to read latest anchor: %w", err)
	}
	if len(rows) == 0 || rows[0].IsNull(0) {
		return StartAnchor, nil
	}

	seq, err := rows[0].Int64(0)
	if err != nil {
		return "", fmt.Errorf("failed to read latest anchor: %w", err)
	}
	return anchorFor(seq), nil
}

// Prune deletes samples older than the retention horizon in one transaction
// and returns how many were removed. It does nothing when retention is -1.
func (l *Log) Prune(ctx context.Context) (int64, error) {
	days := l.Retention()
	if days == KeepForever {
		return 0, nil
	}

	now := l.now()
	cutoff := now.Unix() - int64(days)*secondsPerDay

	var pruned int64
	err := l.db.Do(ctx, func(conn *database.Conn) error {
		return conn.WithTransaction(ctx, func() error {
			rows, err := conn.Query(ctx, `SELECT COUNT(*) FROM location_log WHERE timestamp < ?`, cutoff)
			if err != nil {
				return err
			}
			if pruned, err = rows[0].Int64(0); err != nil {
				return err
			}
			if pruned == 0 {
				return nil
			}
			return conn.Execute(ctx, `DELETE FROM location_log WHERE timestamp < ?`, cutoff)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune locations: %w", err)
	}

	l.mu.Lock()
	l.lastPrune = now
	l.mu.Unlock()

	if pruned > 0 {
		metrics.SamplesPruned.Add(float64(pruned))
		l.logger.WithFields(log.Fields{
			"pruned": pruned,
			"cutoff": cutoff,
			"days":   days,
		}).Info("pruned locations")
	}
	return pruned, nil
}

// maybePrune runs Prune when retention is enabled and the prune interval has
// passed since the last one.
func (l *Log) maybePrune(ctx context.Context) error {
	l.mu.Lock()
	due := l.retentionDays != KeepForever &&
		(l.lastPrune.IsZero() || l.now().Sub(l.lastPrune) >= l.pruneInterval)
	l.mu.Unlock()

	if !due {
		return nil
	}
	_, err := l.Prune(ctx)
	return err
}
