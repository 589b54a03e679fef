package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentic-research/treesync/internal/config"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/view"
	"github.com/agentic-research/treesync/internal/wire"
)

var (
	showWire    bool
	showMetrics bool
)

var viewCmd = &cobra.Command{
	Use:   "view [source]",
	Short: "Render one viewport of a tree and print the rows a client would hold",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args)
		if err != nil {
			return err
		}
		return runView(cmd.Context(), cmd.OutOrStdout(), cfg, showWire, showMetrics)
	},
}

func init() {
	addViewFlags(viewCmd)
	viewCmd.Flags().BoolVar(&showWire, "wire", false, "Also print every update as JSON wire commands")
	viewCmd.Flags().BoolVar(&showMetrics, "metrics", false, "Also print Prometheus metrics")
	rootCmd.AddCommand(viewCmd)
}

func runView(ctx context.Context, out io.Writer, cfg *config.Config, withWire, withMetrics bool) error {
	log := newLogger(cfg)
	m := metrics.New(nil)
	v, release, err := openView(cfg, log, m)
	if err != nil {
		return err
	}
	defer release()

	if err := prepare(ctx, v, cfg); err != nil {
		return err
	}

	if _, err := fmt.Fprint(out, view.Format(v.Rows())); err != nil {
		return err
	}
	if withWire {
		for _, b := range v.Batches() {
			if _, err := fmt.Fprintln(out, wire.EncodeBatch(b)); err != nil {
				return err
			}
		}
	}
	if withMetrics {
		return m.WriteText(out)
	}
	return nil
}
