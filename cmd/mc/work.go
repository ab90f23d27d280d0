package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
)

func workCmd() *cobra.Command {
	work := &cobra.Command{
		Use:   "work",
		Short: "Poll for work the way a bot worker does",
	}
	work.AddCommand(workPollCmd("ready", "Claim the oldest Ready task", engine.Engine.FindReadyForWork))
	work.AddCommand(workPollCmd("orphaned", "Recover an InProgress task that lost its worker", engine.Engine.FindOrphaned))
	return work
}

type pollFunc func(engine.Engine, context.Context, string, string) (engine.WorkOffer, error)

func workPollCmd(use, short string, poll pollFunc) *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := sessionKey()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				offer, err := poll(e, ctx, assignee, sk)
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "bot class to serve (defaults to work.defaultAssignee)")
	return cmd
}

func reapCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Clear leases older than a threshold once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("older-than") {
					minutes = e.Config.Lease.StaleAfterMinutes
				}
				res, err := e.CleanupStale(ctx, minutes)
				if err != nil {
					return err
				}
				if res.Cleaned == 0 {
					fmt.Println("no stale leases")
					return nil
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "older-than", engine.DefaultStaleMinutes, "lease age in minutes")
	return cmd
}
