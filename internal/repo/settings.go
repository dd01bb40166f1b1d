package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"forge/internal/domain"
)

// GetIntegrationSettings reads the user's installation settings. A user
// without a row gets zero settings, not ErrNotFound.
func (r Repo) GetIntegrationSettings(ctx context.Context, userID string) (domain.IntegrationSettings, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT settings_json FROM integration_settings WHERE user_id=?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IntegrationSettings{}, nil
	}
	if err != nil {
		return domain.IntegrationSettings{}, err
	}
	var s domain.IntegrationSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return domain.IntegrationSettings{}, fmt.Errorf("decode integration settings: %w", err)
	}
	return s, nil
}

// UpsertIntegrationSettings replaces the user's settings document.
func (r Repo) UpsertIntegrationSettings(ctx context.Context, userID string, s domain.IntegrationSettings, now time.Time) error {
	if err := r.EnsureUser(ctx, nil, userID, now); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode integration settings: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO integration_settings(user_id, settings_json, updated_at) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET settings_json=excluded.settings_json, updated_at=excluded.updated_at`,
		userID, string(data), toMillis(now))
	return err
}
