package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/treefile"
)

var buildPaths = treefile.DefaultPaths()

var buildCmd = &cobra.Command{
	Use:   "build [tree.json] [output.db]",
	Short: "Build a SQLite nodes table from a JSON tree document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], buildPaths)
	},
}

func init() {
	f := buildCmd.Flags()
	f.StringVar(&buildPaths.ID, "id-path", buildPaths.ID, "JSONPath of each node's id")
	f.StringVar(&buildPaths.Name, "name-path", buildPaths.Name, "JSONPath of each node's name")
	f.StringVar(&buildPaths.Children, "children-path", buildPaths.Children, "JSONPath of each node's children")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(ctx context.Context, out io.Writer, input, output string, paths treefile.Paths) error {
	begin := time.Now()
	abs, err := filepath.Abs(input)
	if err != nil {
		return fmt.Errorf("resolve input: %w", err)
	}
	nodes, err := treefile.Load(osfs.New(filepath.Dir(abs)), filepath.Base(abs), paths)
	if err != nil {
		return err
	}

	_ = os.Remove(output) // overwrite
	dst, err := provider.CreateSQLiteSource(output)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	if err := treefile.WriteSQLite(ctx, dst, nodes); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "Built %s from %s: %d nodes in %v.\n", output, input, len(nodes), time.Since(begin).Round(time.Millisecond))
	return err
}
