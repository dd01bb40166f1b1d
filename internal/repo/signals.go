package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"forge/internal/domain"
)

// SignalFilters narrows ListSignals. Zero values mean "any".
type SignalFilters struct {
	UserID string
	Source string
	Type   string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// ListSignals returns matching signals, newest first.
func (r Repo) ListSignals(ctx context.Context, f SignalFilters) ([]domain.Signal, error) {
	b := psql.Select("id", "user_id", "source", "type", "confidence", "payload", "detected_at", "ingested_at").
		From("signals").
		OrderBy("detected_at DESC", "id DESC").
		Limit(uint64(clampLimit(f.Limit, 100, 1000)))
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.Source != "" {
		b = b.Where(sq.Eq{"source": f.Source})
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"detected_at": toMillis(f.Since)})
	}
	if !f.Until.IsZero() {
		b = b.Where(sq.Lt{"detected_at": toMillis(f.Until)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build signal query: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetSignal returns a single signal.
func (r Repo) GetSignal(ctx context.Context, tx *sql.Tx, id string) (domain.Signal, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,user_id,source,type,confidence,payload,detected_at,ingested_at FROM signals WHERE id=?`, id)
	if err != nil {
		return domain.Signal{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Signal{}, err
		}
		return domain.Signal{}, ErrNotFound
	}
	return scanSignal(rows)
}

func scanSignal(rows *sql.Rows) (domain.Signal, error) {
	var (
		s                  domain.Signal
		payload            string
		detected, ingested int64
	)
	if err := rows.Scan(&s.ID, &s.UserID, &s.Source, &s.Type, &s.Confidence, &payload, &detected, &ingested); err != nil {
		return s, err
	}
	m, err := unmarshalMap(payload)
	if err != nil {
		return s, err
	}
	s.Payload = m
	s.DetectedAt = fromMillis(detected)
	s.IngestedAt = fromMillis(ingested)
	return s, nil
}
