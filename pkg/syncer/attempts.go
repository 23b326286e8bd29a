package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/soypete/locationcapture/pkg/database"
)

// Attempt is one recorded delivery attempt.
type Attempt struct {
	ID          string        `json:"id"`
	SampleCount int           `json:"sample_count"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

func recordAttempt(ctx context.Context, db *database.DB, a Attempt) error {
	rec := database.Record{
		"id":           a.ID,
		"sample_count": a.SampleCount,
		"outcome":      a.Outcome,
		"duration_ms":  a.Duration.Milliseconds(),
		"created_at":   a.CreatedAt.Unix(),
	}
	if a.Error != "" {
		rec["error"] = a.Error
	}

	err := db.Do(ctx, func(conn *database.Conn) error {
		_, err := conn.Insert(ctx, rec, "upload_attempts")
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record upload attempt %s: %w", a.ID, err)
	}
	return nil
}

// RecentAttempts returns up to limit delivery attempts, newest first.
func RecentAttempts(ctx context.Context, db *database.DB, limit int) ([]Attempt, error) {
	var rows []database.Row
	err := db.Do(ctx, func(conn *database.Conn) error {
		var err error
		rows, err = conn.Query(ctx, `SELECT id, sample_count, outcome, error, duration_ms, created_at
FROM upload_attempts ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list upload attempts: %w", err)
	}

	attempts := make([]Attempt, 0, len(rows))
	for _, row := range rows {
		var a Attempt
		var n, ms, created int64
		if a.ID, err = row.String(0); err != nil {
			return nil, err
		}
		if n, err = row.Int64(1); err != nil {
			return nil, err
		}
		if a.Outcome, err = row.String(2); err != nil {
			return nil, err
		}
		if a.Error, err = row.String(3); err != nil {
			return nil, err
		}
		if ms, err = row.Int64(4); err != nil {
			return nil, err
		}
		if created, err = row.Int64(5); err != nil {
			return nil, err
		}
		a.SampleCount = int(n)
		a.Duration = time.Duration(ms) * time.Millisecond
		a.CreatedAt = time.Unix(created, 0)
		attempts = append(attempts, a)
	}
	return attempts, nil
}
