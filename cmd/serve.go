package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentic-research/treesync/internal/mcpserver"
	"github.com/agentic-research/treesync/internal/metrics"
)

var autoConfirm bool

var serveCmd = &cobra.Command{
	Use:   "serve [source]",
	Short: "Serve a tree view over MCP on stdio",
	Long: `serve exposes one tree view as MCP tools. The MCP client acts as the
remote renderer: it moves the viewport, expands and collapses nodes and
confirms updates. The reload tool reopens the source file. Logs go to stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, args)
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		m := metrics.New(nil)
		v, release, err := openView(cfg, log, m)
		if err != nil {
			return err
		}
		defer release()
		if err := prepare(cmd.Context(), v, cfg); err != nil {
			return err
		}

		opts := []mcpserver.Option{mcpserver.WithLogger(log), mcpserver.WithMetrics(m)}
		if autoConfirm {
			opts = append(opts, mcpserver.WithAutoConfirm())
		}
		return mcpserver.New(v, version, opts...).ServeStdio()
	},
}

func init() {
	addViewFlags(serveCmd)
	serveCmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "Confirm every update as soon as it is sent")
	rootCmd.AddCommand(serveCmd)
}
