package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/greenclawdbot/mission-control-sub000/internal/app"
	"github.com/greenclawdbot/mission-control-sub000/internal/config"
	"github.com/greenclawdbot/mission-control-sub000/internal/db"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
	logruslog "github.com/greenclawdbot/mission-control-sub000/internal/log/logrus"
)

var rootCmd = &cobra.Command{
	Use:   "mc",
	Short: "Mission control for bot workers",
	Long: `mc runs and operates a task board shared by bot workers and humans.
- Tasks move through stages New, Planning, Backlog, Ready, InProgress, Blocked, Review, Failed and Done.
- A worker claims a task with its session key. Only that session may heartbeat, release or start runs on it.
- Leases older than lease.staleAfterMinutes are cleared by the reaper so another worker can recover the task.
- Every change is pushed to live clients on /events and recorded in the audit trail.`,
	SilenceUsage: true,
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "directory holding board.yml")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "", "actor recorded in the audit trail")
	flags.String("session", "", "worker session key for lease operations")
	flags.String("store-driver", "", "store driver override (sqlite, postgres, memory)")
	flags.String("store-dsn", "", "store DSN override")
	flags.String("log-level", "", "log level override")
	flags.Bool("debug", false, "enable debug logging")
	for _, name := range []string{"workspace", "json", "actor", "session", "store-driver", "store-dsn", "log-level", "debug"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
}

// loadConfig reads board.yml from the workspace and applies flag and MC_* overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("store-driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("store-dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if viper.GetBool("debug") {
		cfg.Log.Level = "debug"
	}
	if cfg.Store.Driver == db.DriverSQLite && !strings.HasPrefix(cfg.Store.DSN, "file:") && !filepath.IsAbs(cfg.Store.DSN) {
		cfg.Store.DSN = filepath.Join(workspace, cfg.Store.DSN)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (log.Logger, error) {
	return logruslog.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actor() string {
	return viper.GetString("actor")
}

func sessionKey() (string, error) {
	sk := viper.GetString("session")
	if sk == "" {
		return "", fmt.Errorf("a session key is required; pass --session or set MC_SESSION")
	}
	return sk, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
