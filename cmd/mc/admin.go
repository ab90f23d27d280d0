package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/greenclawdbot/mission-control-sub000/internal/app"
	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/config"
	"github.com/greenclawdbot/mission-control-sub000/internal/db"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/migrate"
)

func auditCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "audit",
		Short: "Inspect or purge the audit trail",
	}
	a.AddCommand(auditTailCmd())
	a.AddCommand(auditPurgeCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var f audit.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.AuditTrail(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Event", "Entity", "Actor"})
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.EntityType + ":" + ev.EntityID, ev.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityID, "entity", "", "filter by entity id")
	cmd.Flags().StringVar(&f.EventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max events")
	return cmd
}

func auditPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit events older than a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeAudit(ctx, time.Now().Add(-olderThan), actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"purged": n})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "age of the oldest event to keep")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage board.yml",
		Long:  "board.yml holds the store, lease timings, event cadence, worker instructions and webhooks. MC_* environment variables and flags override the store and log settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default board.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := db.EnsureDir(path); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate board.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

func migrateCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the SQL schema",
	}
	m.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, mg *migrate.Migrator) error {
				return mg.Up(ctx)
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, mg *migrate.Migrator) error {
				return mg.Down(ctx)
			})
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, mg *migrate.Migrator) error {
				v, dirty, err := mg.Version(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"version": v, "dirty": dirty})
			})
		},
	})
	return m
}

func withMigrator(ctx context.Context, fn func(context.Context, *migrate.Migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == app.DriverMemory {
		return fmt.Errorf("the memory store has no schema")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return err
	}
	defer conn.Close()
	mg, err := migrate.NewMigrator(conn.DB, cfg.Store.Driver, logger)
	if err != nil {
		return err
	}
	return fn(ctx, mg)
}
