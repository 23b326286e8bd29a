package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/locationlog"
)

// UploadCheckpoint names the anchor the syncer resumes collection from.
const UploadCheckpoint = "upload"

// CheckpointStore persists named location log anchors.
type CheckpointStore struct {
	db  *database.DB
	now func() time.Time
}

// NewCheckpointStore creates a checkpoint store on db.
func NewCheckpointStore(db *database.DB) *CheckpointStore {
	return &CheckpointStore{db: db, now: time.Now}
}

// Load returns the saved anchor for name, or the empty anchor (start of log)
// when none has been saved.
func (s *CheckpointStore) Load(ctx context.Context, name string) (locationlog.Anchor, error) {
	var raw string
	err := s.db.Do(ctx, func(conn *database.Conn) error {
		rows, err := conn.Query(ctx, `SELECT anchor FROM sync_checkpoints WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			raw, err = rows[0].String(0)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	if raw == "" {
		return "", nil
	}

	anchor, err := locationlog.ParseAnchor(raw)
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return anchor, nil
}

// Save stores anchor under name, replacing any previous value.
func (s *CheckpointStore) Save(ctx context.Context, name string, anchor locationlog.Anchor) error {
	err := s.db.Do(ctx, func(conn *database.Conn) error {
		return conn.Execute(ctx, `INSERT INTO sync_checkpoints (name, anchor, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET anchor = excluded.anchor, updated_at = excluded.updated_at`,
			name, anchor.String(), s.now().Unix())
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	return nil
}
