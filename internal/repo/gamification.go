package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"forge/internal/domain"
)

// Quest states a queue-quest rule may not touch.
var TerminalQuestStatuses = []string{"completed", "failed", "abandoned"}

// XPPerLevel is the flat XP band of one skill level.
const XPPerLevel = 100

func (r Repo) InsertQuest(ctx context.Context, q domain.Quest, now time.Time) error {
	if err := r.EnsureUser(ctx, nil, q.UserID, now); err != nil {
		return err
	}
	status := q.Status
	if status == "" {
		status = "available"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO quests(id,user_id,title,status,created_at) VALUES (?,?,?,?,?)`,
		q.ID, q.UserID, q.Title, status, toMillis(now))
	return err
}

func (r Repo) GetQuest(ctx context.Context, userID, id string) (domain.Quest, error) {
	var (
		q      domain.Quest
		queued sql.NullInt64
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,title,status,queued_at FROM quests WHERE id=? AND user_id=?`, id, userID).
		Scan(&q.ID, &q.UserID, &q.Title, &q.Status, &queued)
	if errors.Is(err, sql.ErrNoRows) {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	if queued.Valid {
		t := fromMillis(queued.Int64)
		q.QueuedAt = &t
	}
	return q, nil
}

// QueueQuest moves a quest into the user's queue. Queuing an already queued
// quest only refreshes queued_at.
func (r Repo) QueueQuest(ctx context.Context, userID, id string, now time.Time) (domain.Quest, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE quests SET status='queued', queued_at=? WHERE id=? AND user_id=? AND status NOT IN ('completed','failed','abandoned')`,
		toMillis(now), id, userID)
	if err != nil {
		return domain.Quest{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Quest{}, ErrNotFound
	}
	return r.GetQuest(ctx, userID, id)
}

func (r Repo) InsertSkill(ctx context.Context, s domain.Skill, now time.Time) error {
	if err := r.EnsureUser(ctx, nil, s.UserID, now); err != nil {
		return err
	}
	level := s.Level
	if level <= 0 {
		level = 1 + s.XP/XPPerLevel
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO skills(id,user_id,name,xp,level) VALUES (?,?,?,?,?)`, s.ID, s.UserID, s.Name, s.XP, level)
	return err
}

func (r Repo) GetSkill(ctx context.Context, userID, id string) (domain.Skill, error) {
	var s domain.Skill
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,name,xp,level FROM skills WHERE id=? AND user_id=?`, id, userID).
		Scan(&s.ID, &s.UserID, &s.Name, &s.XP, &s.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// AddSkillXP grants xp and recomputes the level in one statement.
func (r Repo) AddSkillXP(ctx context.Context, userID, id string, xp int) (domain.Skill, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE skills SET xp = xp + ?, level = 1 + ((xp + ?) / ?) WHERE id=? AND user_id=?`,
		xp, xp, XPPerLevel, id, userID)
	if err != nil {
		return domain.Skill{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Skill{}, ErrNotFound
	}
	return r.GetSkill(ctx, userID, id)
}

func (r Repo) InsertVaultEntry(ctx context.Context, v domain.VaultEntry) error {
	if err := r.EnsureUser(ctx, nil, v.UserID, v.CreatedAt); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO vault_entries(id,user_id,activity_type,difficulty,duration_minutes,note,created_at) VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.UserID, v.ActivityType, v.Difficulty, v.DurationMinutes, nullable(v.Note), toMillis(v.CreatedAt))
	return err
}

func (r Repo) ListVaultEntries(ctx context.Context, userID string, limit int) ([]domain.VaultEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,activity_type,difficulty,duration_minutes,COALESCE(note,''),created_at FROM vault_entries WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VaultEntry
	for rows.Next() {
		var (
			v       domain.VaultEntry
			created int64
		)
		if err := rows.Scan(&v.ID, &v.UserID, &v.ActivityType, &v.Difficulty, &v.DurationMinutes, &v.Note, &created); err != nil {
			return nil, err
		}
		v.CreatedAt = fromMillis(created)
		res = append(res, v)
	}
	return res, rows.Err()
}
