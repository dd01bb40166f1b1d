package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"forge/internal/app"
	"forge/internal/config"
	"forge/internal/domain"
	"forge/internal/engine"
	"forge/internal/gateway"
	"forge/internal/mcptools"
	"forge/internal/redact"
	"forge/internal/repo"
	"forge/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge automation engine",
	Long: `Forge runs user-defined automation rules.
- Rules: a trigger (cron, event, signal, webhook, companion, manual) paired with an action.
- Signals: normalized observations stored from webhooks and other sources.
- Runs: the execution ledger; each (rule, dedupe key) executes at most once.
- Gateway: Telegram, Discord, WhatsApp and generic inbound webhooks that feed the engine.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/forge.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "user id (default gateway.user_id from config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "json", "user", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook gateway, management API and cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			gw := gateway.New(a.Engine, cfg, a.Logger)
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Gateway:  gw,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				a.Logger.Warn("auth.jwt_secret is empty; management API accepts API keys only")
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				a.Logger.Info("forge listening", "addr", addr, "base_path", cfg.Server.BasePath, "version", version)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				gw.Wait()
				a.Logger.Info("forge stopped")
				return err
			})
			if cfg.Scheduler.Enabled && !noScheduler {
				g.Go(func() error {
					engine.Scheduler{Engine: a.Engine, Interval: cfg.SchedulerInterval(), Logger: a.Logger}.Run(ctx)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from config)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the cron scheduler")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve rule management tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				srv := mcp.NewServer(&mcp.Implementation{Name: "forge", Version: version}, nil)
				mcptools.Register(srv, a.Engine, userID(a.Config))
				return srv.Run(cmd.Context(), &mcp.StdioTransport{})
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage automation rules"}
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleUpdateCmd())
	rule.AddCommand(ruleDeleteCmd())
	rule.AddCommand(ruleRunCmd())
	return rule
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				rules, err := a.Engine.ListRules(cmd.Context(), userID(a.Config))
				if err != nil {
					return err
				}
				rules = redact.Rules(rules)
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := newTable("ID", "Name", "Trigger", "Action", "Enabled")
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.Name, r.TriggerType, r.ActionType, r.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleCreateCmd() *cobra.Command {
	var name, trigger, action, triggerCfg, actionCfg string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		Example: `  forge rule create --name standup --trigger cron --trigger-config '{"cron":"0 9 * * 1-5"}' \
    --action send-notification --action-config '{"channel":"console","message":"standup"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, err := parseObject("--trigger-config", triggerCfg)
			if err != nil {
				return err
			}
			ac, err := parseObject("--action-config", actionCfg)
			if err != nil {
				return err
			}
			enabled := !disabled
			return withApp(func(a *app.App) error {
				r, err := a.Engine.CreateRule(cmd.Context(), engine.RuleCreateOptions{
					UserID:        userID(a.Config),
					Name:          name,
					TriggerType:   trigger,
					TriggerConfig: tc,
					ActionType:    action,
					ActionConfig:  ac,
					Enabled:       &enabled,
				})
				if err != nil {
					return err
				}
				return printRule(r)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger type: "+strings.Join(domain.TriggerTypes, ", "))
	cmd.Flags().StringVar(&triggerCfg, "trigger-config", "", "trigger config JSON object")
	cmd.Flags().StringVar(&action, "action", "", "action type: "+strings.Join(domain.ActionTypes, ", "))
	cmd.Flags().StringVar(&actionCfg, "action-config", "", "action config JSON object")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the rule disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func ruleUpdateCmd() *cobra.Command {
	var name, trigger, action, triggerCfg, actionCfg string
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Patch a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			opts := engine.RuleUpdateOptions{ID: args[0]}
			var err error
			if opts.TriggerConfig, err = parseObject("--trigger-config", triggerCfg); err != nil {
				return err
			}
			if opts.ActionConfig, err = parseObject("--action-config", actionCfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			opts.TriggerType = optionalString(trigger)
			opts.ActionType = optionalString(action)
			if enable || disable {
				opts.Enabled = &enable
			}
			return withApp(func(a *app.App) error {
				opts.UserID = userID(a.Config)
				r, err := a.Engine.UpdateRule(cmd.Context(), opts)
				if err != nil {
					return err
				}
				return printRule(r)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger type")
	cmd.Flags().StringVar(&triggerCfg, "trigger-config", "", "trigger config JSON object")
	cmd.Flags().StringVar(&action, "action", "", "action type")
	cmd.Flags().StringVar(&actionCfg, "action-config", "", "action config JSON object")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the rule")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the rule")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if err := a.Engine.DeleteRule(cmd.Context(), userID(a.Config), args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func ruleRunCmd() *cobra.Command {
	var key, payload string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run <rule-id>",
		Short: "Execute a rule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseObject("--payload", payload)
			if err != nil {
				return err
			}
			return withApp(func(a *app.App) error {
				res, err := a.Engine.RunRule(cmd.Context(), userID(a.Config), args[0], engine.RunOptions{
					DedupeKey: key,
					Payload:   p,
					DryRun:    dryRun,
				})
				if err != nil {
					return err
				}
				if res.Skipped {
					if viper.GetBool("json") {
						return printJSON(res)
					}
					fmt.Println("skipped: dedupe key already executed")
					return nil
				}
				return printRuns([]domain.ForgeRun{*res.Run})
			})
		},
	}
	cmd.Flags().StringVar(&key, "dedupe-key", "", "idempotency key (random when empty)")
	cmd.Flags().StringVar(&payload, "payload", "", "trigger payload JSON object")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record the run without performing the action")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect the execution ledger"}
	var f repo.RunFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				f.UserID = userID(a.Config)
				runs, err := a.Engine.Repo.ListRuns(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printRuns(runs)
			})
		},
	}
	list.Flags().StringVar(&f.RuleID, "rule", "", "rule id filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter (success, skipped, failed)")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max runs")
	run.AddCommand(list)
	return run
}

func signalCmd() *cobra.Command {
	sig := &cobra.Command{Use: "signal", Short: "Inspect stored signals"}
	var f repo.SignalFilters
	var since string
	list := &cobra.Command{
		Use:   "list",
		Short: "List signals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				f.Since = time.Now().Add(-d)
			}
			return withApp(func(a *app.App) error {
				f.UserID = userID(a.Config)
				signals, err := a.Engine.Repo.ListSignals(cmd.Context(), f)
				if err != nil {
					return err
				}
				for i := range signals {
					signals[i].Payload = redact.Map(signals[i].Payload)
				}
				if viper.GetBool("json") {
					return printJSON(signals)
				}
				tw := newTable("ID", "Source", "Type", "Confidence", "Detected")
				for _, s := range signals {
					tw.AppendRow(table.Row{s.ID, s.Source, s.Type, s.Confidence, s.DetectedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Source, "source", "", "source filter")
	list.Flags().StringVar(&f.Type, "type", "", "type filter")
	list.Flags().StringVar(&since, "since", "", "only signals newer than this duration, e.g. 24h")
	list.Flags().IntVar(&f.Limit, "limit", 100, "max signals")
	sig.AddCommand(list)
	return sig
}

func tickCmd() *cobra.Command {
	var dryRun bool
	var eventsJSON string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Evaluate rules once against the clock and optional events",
		Example: `  forge tick
  forge tick --events '[{"kind":"event","event_name":"deploy.done","dedupe_key":"d1"}]'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []domain.ForgeEvent
			if eventsJSON != "" {
				if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
					return fmt.Errorf("--events must be a JSON array: %w", err)
				}
			}
			return withApp(func(a *app.App) error {
				user := userID(a.Config)
				now := time.Now().UTC()
				for i := range events {
					events[i].UserID = user
					if events[i].OccurredAt.IsZero() {
						events[i].OccurredAt = now
					}
				}
				res, err := a.Engine.Tick(cmd.Context(), engine.TickInput{UserID: user, Events: events, Now: now, DryRun: dryRun})
				if err != nil {
					return err
				}
				res.Runs = redact.Runs(res.Runs)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("matched=%d executed=%d skipped=%d failed=%d\n", res.Matched, res.Executed, res.Skipped, res.Failed)
				if len(res.Runs) > 0 {
					return printRuns(res.Runs)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record runs without performing actions")
	cmd.Flags().StringVar(&eventsJSON, "events", "", "events JSON array")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage management API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				k, plain, err := a.Engine.CreateAPIKey(cmd.Context(), userID(a.Config), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "name": k.Name, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", k.ID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)
	return key
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage forge.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default forge.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(appOptions())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cfg.AddCommand(initCmd, validate)
	return cfg
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Override: func(c *config.Config) {
			if lvl := viper.GetString("log-level"); lvl != "" {
				c.Log.Level = lvl
			}
			if s := viper.GetString("jwt-secret"); s != "" {
				c.Auth.JWTSecret = s
			}
		},
	}
}

func openApp() (*app.App, error) {
	return app.Open(appOptions())
}

func withApp(fn func(*app.App) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func userID(cfg *config.Config) string {
	if u := viper.GetString("user"); u != "" {
		return u
	}
	return cfg.Gateway.UserID
}

func parseObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}

func printRule(r domain.ForgeRule) error {
	r = redact.Rule(r)
	if viper.GetBool("json") {
		return printJSON(r)
	}
	tw := newTable("Field", "Value")
	tc, _ := json.Marshal(r.TriggerConfig)
	ac, _ := json.Marshal(r.ActionConfig)
	tw.AppendRows([]table.Row{
		{"ID", r.ID},
		{"Name", r.Name},
		{"Trigger", r.TriggerType},
		{"Trigger config", string(tc)},
		{"Action", r.ActionType},
		{"Action config", string(ac)},
		{"Enabled", r.Enabled},
	})
	tw.Render()
	return nil
}

func printRuns(runs []domain.ForgeRun) error {
	runs = redact.Runs(runs)
	if viper.GetBool("json") {
		return printJSON(runs)
	}
	tw := newTable("ID", "Rule", "Trigger", "Status", "Dedupe key", "Started", "Error")
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.RuleID, r.TriggerType, r.Status, r.DedupeKey, r.StartedAt.Local().Format(time.DateTime), r.Error})
	}
	tw.Render()
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
