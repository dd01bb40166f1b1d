package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"forge/internal/domain"
)

const runColumns = "id,user_id,rule_id,trigger_type,trigger_payload,action_type,action_payload,status,dedupe_key,error,started_at,finished_at,created_at"

// ErrDedupeKeyRequired is returned when a run is recorded without a key. The
// ledger never invents one.
var ErrDedupeKeyRequired = errors.New("dedupe key required")

// RunFilters narrows ListRuns. Zero values mean "any".
type RunFilters struct {
	UserID string
	RuleID string
	Status string
	Since  time.Time
	Limit  int
}

// RecordRun inserts a run unless (RuleID, DedupeKey) already exists. On a
// conflict it returns (nil, nil): the logical event was already executed.
func (r Repo) RecordRun(ctx context.Context, tx *sql.Tx, run domain.ForgeRun) (*domain.ForgeRun, error) {
	if run.DedupeKey == "" {
		return nil, ErrDedupeKeyRequired
	}
	if run.ID == "" || run.RuleID == "" || run.UserID == "" {
		return nil, errors.New("run id, rule id and user id required")
	}
	trig, err := marshalMap(run.TriggerPayload)
	if err != nil {
		return nil, err
	}
	act, err := marshalMap(run.ActionPayload)
	if err != nil {
		return nil, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO forge_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(rule_id, dedupe_key) DO NOTHING`,
		run.ID, run.UserID, run.RuleID, run.TriggerType, trig, run.ActionType, act, run.Status, run.DedupeKey,
		nullable(run.Error), toMillis(run.StartedAt), toMillis(run.FinishedAt), toMillis(run.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &run, nil
}

// HasRun reports whether the ledger already holds (ruleID, dedupeKey).
func (r Repo) HasRun(ctx context.Context, ruleID, dedupeKey string) (bool, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM forge_runs WHERE rule_id=? AND dedupe_key=?`, ruleID, dedupeKey).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListRuns returns matching runs, newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.ForgeRun, error) {
	b := psql.Select(runColumns).From("forge_runs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(clampLimit(f.Limit, 50, 500)))
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.RuleID != "" {
		b = b.Where(sq.Eq{"rule_id": f.RuleID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": toMillis(f.Since)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run query: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ForgeRun
	for rows.Next() {
		var (
			run                        domain.ForgeRun
			trig, act                  string
			errText                    sql.NullString
			started, finished, created int64
		)
		if err := rows.Scan(&run.ID, &run.UserID, &run.RuleID, &run.TriggerType, &trig, &run.ActionType, &act,
			&run.Status, &run.DedupeKey, &errText, &started, &finished, &created); err != nil {
			return nil, err
		}
		if run.TriggerPayload, err = unmarshalMap(trig); err != nil {
			return nil, err
		}
		if run.ActionPayload, err = unmarshalMap(act); err != nil {
			return nil, err
		}
		run.Error = errText.String
		run.StartedAt = fromMillis(started)
		run.FinishedAt = fromMillis(finished)
		run.CreatedAt = fromMillis(created)
		res = append(res, run)
	}
	return res, rows.Err()
}
