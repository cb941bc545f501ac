package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/mirror"
)

type sweepSummary struct {
	ID           string `yaml:"id"`
	StartedAt    string `yaml:"started_at"`
	Duration     string `yaml:"duration"`
	Boards       int    `yaml:"boards"`
	FailedBoards int    `yaml:"failed_boards"`
	Cards        int    `yaml:"cards"`
	Moved        int    `yaml:"moved"`
	Failed       int    `yaml:"failed"`
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one due-date sweep over every source board and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			provider, flush := newTracerProvider(opts.logger, opts.trace)
			defer func() { _ = flush(context.Background()) }()

			a, err := newApp(ctx, opts, provider)
			if err != nil {
				return err
			}
			report, err := a.engine.PerformDailyCardMovement(ctx)
			if err != nil {
				return err
			}
			return writeSweepSummary(cmd.OutOrStdout(), report)
		},
	}
}

func writeSweepSummary(w io.Writer, report mirror.SweepReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(sweepSummary{
		ID:           report.ID,
		StartedAt:    report.StartedAt.Format(time.RFC3339),
		Duration:     report.Duration.String(),
		Boards:       report.Boards,
		FailedBoards: report.FailedBoards,
		Cards:        report.Cards,
		Moved:        report.Moved,
		Failed:       report.Failed,
	})
}

type listEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Tracked bool   `yaml:"tracked"`
}

type boardLists struct {
	Board     string      `yaml:"board"`
	ID        string      `yaml:"id"`
	Aggregate bool        `yaml:"aggregate,omitempty"`
	Lists     []listEntry `yaml:"lists"`
}

func newListsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Print the open lists of every configured board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client := newTrelloClient(cfg, opts)
			boards := append([]config.Board(nil), cfg.SourceBoards...)
			boards = append(boards, config.Board{ID: cfg.AggregateBoardID, Name: "aggregate"})

			out := make([]boardLists, 0, len(boards))
			for _, board := range boards {
				lists, err := client.GetLists(cmd.Context(), board.ID)
				if err != nil {
					return fmt.Errorf("lists of %s: %w", board.Name, err)
				}
				entry := boardLists{Board: board.Name, ID: board.ID, Aggregate: board.ID == cfg.AggregateBoardID}
				for _, list := range lists {
					entry.Lists = append(entry.Lists, listEntry{ID: list.ID, Name: list.Name, Tracked: cfg.IsTracked(list.Name)})
				}
				out = append(out, entry)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
}
