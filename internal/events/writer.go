// Package events appends signals to the immutable signal log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forge/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one signal inside tx and returns it with ID and timestamps
// filled in. The user row is created on first sight.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, s domain.Signal) (domain.Signal, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if s.UserID == "" {
		return s, fmt.Errorf("signal user id required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.IngestedAt.IsZero() {
		s.IngestedAt = w.Now().UTC()
	}
	if s.DetectedAt.IsZero() {
		s.DetectedAt = s.IngestedAt
	}
	if s.Payload == nil {
		s.Payload = map[string]any{}
	}
	data, err := json.Marshal(s.Payload)
	if err != nil {
		return s, fmt.Errorf("marshal signal payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		s.UserID, s.IngestedAt.UnixMilli()); err != nil {
		return s, fmt.Errorf("ensure user: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO signals(id,user_id,source,type,confidence,payload,detected_at,ingested_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.UserID, s.Source, s.Type, s.Confidence, string(data), s.DetectedAt.UTC().UnixMilli(), s.IngestedAt.UTC().UnixMilli())
	if err != nil {
		return s, fmt.Errorf("insert signal: %w", err)
	}
	return s, nil
}

// AppendOne is Append in its own transaction.
func (w Writer) AppendOne(ctx context.Context, s domain.Signal) (domain.Signal, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	s, err = w.Append(ctx, tx, s)
	if err != nil {
		return s, err
	}
	return s, tx.Commit()
}
