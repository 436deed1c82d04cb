package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loopline/internal/app"
	"loopline/internal/domain"
	"loopline/internal/server"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Execution logs",
		Long:  "Every transition of an execution is appended to its log: skills started, gates approved, blocks and overrides.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var after int64
	var limit int
	var follow, fromEnd bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail <execution-id>",
		Short: "Print log entries after a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if fromEnd {
					latest, err := a.Engine.Repo.LatestLogSeq(ctx, args[0])
					if err != nil {
						return err
					}
					after = latest
				}
				for {
					entries, err := a.Engine.Logs(ctx, args[0], after, limit)
					if err != nil {
						return err
					}
					if len(entries) > 0 {
						emitLogs(entries)
						after = entries[len(entries)-1].Seq
						if len(entries) == limit {
							continue
						}
					}
					if !follow {
						return nil
					}
					// Other processes write to the same database, so following polls.
					select {
					case <-ctx.Done():
						if errors.Is(ctx.Err(), context.Canceled) {
							return nil
						}
						return ctx.Err()
					case <-time.After(interval):
					}
				}
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only entries with a greater sequence number")
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "entries per read")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries")
	cmd.Flags().BoolVar(&fromEnd, "new", false, "skip existing entries (implies --after latest)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func emitLogs(entries []domain.LogEntry) {
	if viper.GetBool("json") {
		for _, e := range entries {
			_ = printJSON(e)
		}
		return
	}
	printLogs(entries)
}

func tokenCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Long:  "Signs an HS256 token with server.jwt_secret. The subject becomes the actor recorded on commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, actor)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "subject", "", "actor id to embed (default --actor-id)")
	return cmd
}
