package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/treesync/internal/config"
	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/view"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	logPretty  bool

	sourceKind string
	start      int
	length     int
	expandIDs  []string
	filterText string
	legacyMode bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to an HCL config file")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&logPretty, "pretty", false, "Human readable logs")
}

// addViewFlags registers the flags shared by view and serve.
func addViewFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&sourceKind, "kind", "k", "", "Source kind: json or sqlite (default from the file extension)")
	f.IntVar(&start, "start", 0, "First visible row")
	f.IntVarP(&length, "length", "n", 50, "Number of visible rows")
	f.StringSliceVarP(&expandIDs, "expand", "e", nil, "Node ids to expand, in order")
	f.StringVarP(&filterText, "filter", "f", "", "Only show nodes whose name contains this text")
	f.BoolVar(&legacyMode, "legacy", false, "Use the per-parent-key communicator")
}

var rootCmd = &cobra.Command{
	Use:   "treesync",
	Short: "treesync: lazy hierarchical data synchronization",
	Long: `treesync keeps a remote client's picture of a large tree in sync with a
lazily loaded data source, sending only the rows inside the client's
viewport and tracking which item keys the client still holds.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads --config when given and applies the command line on top.
// A relative source path in the file is taken relative to the file.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		dir := filepath.Dir(abs)
		cfg, err = config.Load(osfs.New(dir), filepath.Base(abs))
		if err != nil {
			return nil, err
		}
		if p := cfg.Source.Path; p != "" && !filepath.IsAbs(p) {
			cfg.Source.Path = filepath.Join(dir, p)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty = logPretty
	}
	if len(args) > 0 {
		cfg.Source.Path = args[0]
		if !flags.Changed("kind") {
			cfg.Source.Kind = kindOf(args[0])
		}
	}
	if flags.Changed("kind") {
		cfg.Source.Kind = sourceKind
	}
	if flags.Changed("start") {
		cfg.Viewport.Start = start
	}
	if flags.Changed("length") {
		cfg.Viewport.Length = length
	}
	if flags.Changed("expand") {
		cfg.Expand = expandIDs
	}
	if flags.Changed("filter") {
		cfg.Filter = filterText
	}
	if flags.Changed("legacy") && legacyMode {
		cfg.Communicator = config.CommunicatorLegacy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func kindOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return config.SourceSQLite
	default:
		return config.SourceJSON
	}
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
}

// openView opens the configured source and builds a reloadable view over
// it, ready to Open. The configured filter is applied by the source itself.
// release closes both.
func openView(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (v *view.View, release func(), err error) {
	sc := *cfg.Source
	if sc.Path != "" {
		abs, err := filepath.Abs(sc.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve source path: %w", err)
		}
		sc.Path = abs
	}
	fsys := osfs.New(filepath.Dir(sc.Path))
	if sc.Kind == config.SourceJSON {
		sc.Path = filepath.Base(sc.Path)
	}
	backend, err := view.OpenBackend(fsys, &sc, cfg.Filter)
	if err != nil {
		return nil, nil, err
	}

	opts := []view.Option{view.WithLogger(log), view.WithMetrics(m), view.WithReload(backend.Reload)}
	if cfg.Communicator == config.CommunicatorLegacy {
		opts = append(opts, view.WithLegacy(cfg.Viewport.Length))
	}
	v = view.New(backend.Source(), backend.Resolve, opts...)
	release = func() {
		v.Close()
		if err := backend.Close(); err != nil {
			log.Warn("closing source failed").Err(err).Send()
		}
	}
	return v, release, nil
}

// prepare renders the configured viewport and expansions.
func prepare(ctx context.Context, v *view.View, cfg *config.Config) error {
	if err := v.Open(ctx, cfg.Viewport.Start, cfg.Viewport.Length); err != nil {
		return err
	}
	// one at a time so a legacy view has each parent on the client before
	// its children are expanded
	for _, id := range cfg.Expand {
		if _, err := v.Expand(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
