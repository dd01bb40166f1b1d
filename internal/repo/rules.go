package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"forge/internal/domain"
)

const ruleColumns = "id,user_id,name,trigger_type,trigger_config,action_type,action_config,enabled,created_at,updated_at"

// RuleFilters narrows ListRules. Zero values mean "any".
type RuleFilters struct {
	UserID      string
	TriggerType string
	Enabled     *bool
	Limit       int
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.ForgeRule) error {
	if rule.ID == "" || rule.UserID == "" {
		return errors.New("rule id and user id required")
	}
	trig, err := marshalMap(rule.TriggerConfig)
	if err != nil {
		return err
	}
	act, err := marshalMap(rule.ActionConfig)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO forge_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.UserID, rule.Name, rule.TriggerType, trig, rule.ActionType, act, boolInt(rule.Enabled),
		toMillis(rule.CreatedAt), toMillis(rule.UpdatedAt))
	return err
}

// UpdateRule replaces every mutable column of an existing rule.
func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.ForgeRule) error {
	trig, err := marshalMap(rule.TriggerConfig)
	if err != nil {
		return err
	}
	act, err := marshalMap(rule.ActionConfig)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE forge_rules SET name=?,trigger_type=?,trigger_config=?,action_type=?,action_config=?,enabled=?,updated_at=? WHERE id=? AND user_id=?`,
		rule.Name, rule.TriggerType, trig, rule.ActionType, act, boolInt(rule.Enabled), toMillis(rule.UpdatedAt), rule.ID, rule.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule returns a rule owned by userID. An empty userID skips the
// ownership check.
func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, userID, id string) (domain.ForgeRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM forge_rules WHERE id=?`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return domain.ForgeRule{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.ForgeRule{}, err
		}
		return domain.ForgeRule{}, ErrNotFound
	}
	return scanRule(rows)
}

// ListRules returns rules ordered by creation, oldest first, so matching
// order is stable across ticks.
func (r Repo) ListRules(ctx context.Context, f RuleFilters) ([]domain.ForgeRule, error) {
	b := psql.Select(ruleColumns).From("forge_rules").OrderBy("created_at ASC", "id ASC")
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.TriggerType != "" {
		b = b.Where(sq.Eq{"trigger_type": f.TriggerType})
	}
	if f.Enabled != nil {
		b = b.Where(sq.Eq{"enabled": boolInt(*f.Enabled)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build rule query: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ForgeRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// DeleteRule removes a rule; its runs go with it through the foreign key.
func (r Repo) DeleteRule(ctx context.Context, userID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM forge_rules WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(rows *sql.Rows) (domain.ForgeRule, error) {
	var (
		rule             domain.ForgeRule
		trig, act        string
		enabled          int
		created, updated int64
	)
	if err := rows.Scan(&rule.ID, &rule.UserID, &rule.Name, &rule.TriggerType, &trig, &rule.ActionType, &act, &enabled, &created, &updated); err != nil {
		return rule, err
	}
	var err error
	if rule.TriggerConfig, err = unmarshalMap(trig); err != nil {
		return rule, err
	}
	if rule.ActionConfig, err = unmarshalMap(act); err != nil {
		return rule, err
	}
	rule.Enabled = enabled == 1
	rule.CreatedAt = fromMillis(created)
	rule.UpdatedAt = fromMillis(updated)
	return rule, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
