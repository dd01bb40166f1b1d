package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"forge/internal/actions"
	"forge/internal/config"
	"forge/internal/domain"
	"forge/internal/events"
	"forge/internal/repo"
	"forge/internal/validate"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Actions  *actions.Executor
	Resolver *actions.Resolver
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	client := &http.Client{Timeout: 10 * time.Second}
	resolver := &actions.Resolver{Repo: r, HTTP: client, TelegramAPI: cfg.Actions.TelegramAPI}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   w,
		Resolver: resolver,
		Actions: &actions.Executor{
			Store:       r,
			Signals:     w,
			Resolver:    resolver,
			HTTP:        client,
			WhatsAppAPI: cfg.Actions.WhatsAppAPI,
			Script: actions.ScriptConfig{
				Shell:     cfg.Scripts.Shell,
				Timeout:   cfg.ScriptTimeout(),
				OutputCap: cfg.Scripts.OutputCapBytes,
			},
		},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) validateDeps() validate.Deps {
	deps := validate.Deps{Quests: e.Repo, Skills: e.Repo}
	if e.Resolver != nil {
		deps.Credentials = e.Resolver
	}
	return deps
}

// RuleCreateOptions are parameters for creating a rule.
type RuleCreateOptions struct {
	ID            string
	UserID        string
	Name          string
	TriggerType   string
	TriggerConfig map[string]any
	ActionType    string
	ActionConfig  map[string]any
	Enabled       *bool
}

// CreateRule validates both configs and stores the rule, enabled unless
// told otherwise.
func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.ForgeRule, error) {
	if opts.UserID == "" {
		return domain.ForgeRule{}, errors.New("user is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.ForgeRule{}, &validate.Error{Field: "name", Message: "name is required"}
	}
	norm, err := validate.Validate(ctx, e.validateDeps(), opts.UserID, opts.TriggerType, opts.TriggerConfig, opts.ActionType, opts.ActionConfig)
	if err != nil {
		return domain.ForgeRule{}, err
	}
	now := e.now().UTC()
	rule := domain.ForgeRule{
		ID:            opts.ID,
		UserID:        opts.UserID,
		Name:          name,
		TriggerType:   opts.TriggerType,
		TriggerConfig: norm.TriggerConfig,
		ActionType:    opts.ActionType,
		ActionConfig:  norm.ActionConfig,
		Enabled:       opts.Enabled == nil || *opts.Enabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ForgeRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, rule.UserID, now); err != nil {
		return domain.ForgeRule{}, fmt.Errorf("ensure user: %w", err)
	}
	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return domain.ForgeRule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ForgeRule{}, err
	}
	e.logger().Info("forge rule created", "rule_id", rule.ID, "user_id", rule.UserID, "trigger", rule.TriggerType, "action", rule.ActionType)
	return rule, nil
}

// RuleUpdateOptions patches a rule. Nil fields are left unchanged; a config
// given without its type is validated against the stored type.
type RuleUpdateOptions struct {
	ID            string
	UserID        string
	Name          *string
	TriggerType   *string
	TriggerConfig map[string]any
	ActionType    *string
	ActionConfig  map[string]any
	Enabled       *bool
}

func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.ForgeRule, error) {
	rule, err := e.Repo.GetRule(ctx, nil, opts.UserID, opts.ID)
	if err != nil {
		return domain.ForgeRule{}, err
	}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return domain.ForgeRule{}, &validate.Error{Field: "name", Message: "name must not be blank"}
		}
		rule.Name = name
	}
	if opts.TriggerType != nil && *opts.TriggerType != rule.TriggerType {
		rule.TriggerType = *opts.TriggerType
		if opts.TriggerConfig == nil {
			rule.TriggerConfig = map[string]any{}
		}
	}
	if opts.TriggerConfig != nil {
		rule.TriggerConfig = opts.TriggerConfig
	}
	if opts.ActionType != nil && *opts.ActionType != rule.ActionType {
		rule.ActionType = *opts.ActionType
		if opts.ActionConfig == nil {
			rule.ActionConfig = map[string]any{}
		}
	}
	if opts.ActionConfig != nil {
		rule.ActionConfig = opts.ActionConfig
	}
	if opts.Enabled != nil {
		rule.Enabled = *opts.Enabled
	}
	// Name and enabled patches keep the stored configs as they are; a rule
	// whose quest or chat credentials went away must still be disableable.
	if opts.TriggerType != nil || opts.TriggerConfig != nil || opts.ActionType != nil || opts.ActionConfig != nil {
		norm, err := validate.Validate(ctx, e.validateDeps(), rule.UserID, rule.TriggerType, rule.TriggerConfig, rule.ActionType, rule.ActionConfig)
		if err != nil {
			return domain.ForgeRule{}, err
		}
		rule.TriggerConfig = norm.TriggerConfig
		rule.ActionConfig = norm.ActionConfig
	}
	rule.UpdatedAt = e.now().UTC()
	if err := e.Repo.UpdateRule(ctx, nil, rule); err != nil {
		return domain.ForgeRule{}, err
	}
	return rule, nil
}

// DeleteRule removes the rule and, through the store, its run history.
func (e Engine) DeleteRule(ctx context.Context, userID, id string) error {
	if err := e.Repo.DeleteRule(ctx, userID, id); err != nil {
		return err
	}
	e.logger().Info("forge rule deleted", "rule_id", id, "user_id", userID)
	return nil
}

func (e Engine) GetRule(ctx context.Context, userID, id string) (domain.ForgeRule, error) {
	return e.Repo.GetRule(ctx, nil, userID, id)
}

func (e Engine) ListRules(ctx context.Context, userID string) ([]domain.ForgeRule, error) {
	return e.Repo.ListRules(ctx, repo.RuleFilters{UserID: userID})
}
