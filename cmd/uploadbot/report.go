package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"uploadbot/internal/alerts"
	"uploadbot/internal/app"
	"uploadbot/internal/config"
	"uploadbot/internal/eventbus"
	"uploadbot/internal/job"
	logx "uploadbot/pkg/logx"
)

// withEngine opens the engine for a one-shot command and closes it after.
func withEngine(cmd *cobra.Command, f *rootFlags, fn func(ctx context.Context, eng *app.Engine) error) error {
	cfg, err := config.NewConfigManager(f.config).Load()
	if err != nil {
		return err
	}
	level := "warn"
	if f.verbose {
		level = "debug"
	}
	log := logx.NewWriter(cmd.ErrOrStderr(), level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	eng, err := app.OpenEngine(ctx, cfg, eventbus.New(), log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil {
			log.Warn("engine close failed", logx.Err(cerr))
		}
	}()
	return fn(ctx, eng)
}

func statusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show today's uploads and the queue size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, f, func(ctx context.Context, eng *app.Engine) error {
				st, err := eng.Reporter.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), alerts.FormatStatus(st))
				return nil
			})
		},
	}
}

func summaryCmd(f *rootFlags) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Per-channel summary of a UTC day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if day != "" {
				d, err := time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("--day: want YYYY-MM-DD, got %q", day)
				}
				at = d
			}
			return withEngine(cmd, f, func(ctx context.Context, eng *app.Engine) error {
				sum, err := eng.Reporter.DailySummary(ctx, at)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), alerts.FormatSummary(sum))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day as YYYY-MM-DD (default today)")
	return cmd
}

func queueCmd(f *rootFlags) *cobra.Command {
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List waiting jobs in slot order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if page < 1 || perPage < 1 {
				return fmt.Errorf("--page and --per-page must be >= 1")
			}
			return withEngine(cmd, f, func(ctx context.Context, eng *app.Engine) error {
				jobs, total, err := eng.Queue.Page(ctx, page, perPage)
				if err != nil {
					return err
				}
				return writeQueue(cmd.OutOrStdout(), jobs, total, page, perPage)
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "jobs per page")
	return cmd
}

func writeQueue(w io.Writer, jobs []job.Job, total, page, perPage int) error {
	if total == 0 {
		_, err := fmt.Fprintln(w, "Nothing is waiting.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNEL\tSTATE\tATTEMPT\tSLOT (UTC)\tTITLE")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			alerts.ShortID(j.ID), j.Destination, j.State, j.Attempt,
			j.ScheduledFor.UTC().Format("2006-01-02 15:04"), j.Title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	pages := (total + perPage - 1) / perPage
	_, err := fmt.Fprintf(w, "page %d/%d, %d job(s) waiting\n", page, pages, total)
	return err
}

func tickCmd(f *rootFlags) *cobra.Command {
	var recoverFirst bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatch tick and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, f, func(ctx context.Context, eng *app.Engine) error {
				if recoverFirst {
					n, err := eng.Dispatcher.Recover(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "recovered %d interrupted job(s)\n", n)
				}
				rep, err := eng.Dispatcher.Tick(ctx)
				if err != nil {
					return err
				}
				if rep.LockSkipped {
					fmt.Fprintln(cmd.OutOrStdout(), "another instance holds the dispatch lock; nothing done")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "due %d, published %d, deferred %d, retried %d, failed %d, skipped %d\n",
					rep.Due, rep.Published, rep.Deferred, rep.Retried, rep.Failed, rep.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&recoverFirst, "recover", false, "settle jobs left dispatched by a crash first")
	return cmd
}
