// Package mcpserver exposes a view over MCP on stdio. The MCP client plays
// the remote renderer: it moves the viewport, expands and collapses nodes,
// and confirms the updates it has rendered.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/view"
	"github.com/agentic-research/treesync/internal/wire"
)

type Server struct {
	view    *view.View
	metrics *metrics.Metrics
	log     *logger.Logger
	mcp     *server.MCPServer

	// autoConfirm acknowledges every update as soon as a tool returns.
	autoConfirm bool
}

type Option func(*Server)

func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l.Component("mcp")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAutoConfirm makes every tool confirm the updates it caused.
func WithAutoConfirm() Option {
	return func(s *Server) { s.autoConfirm = true }
}

func New(v *view.View, version string, opts ...Option) *Server {
	s := &Server{view: v, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.mcp = server.NewMCPServer("treesync", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCP returns the underlying server, for tests and custom transports.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio blocks serving requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("serving on stdio").Str("session", s.view.SessionID()).Bool("legacy", s.view.Legacy()).Send()
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("rows",
		mcp.WithDescription("Show the rows the client currently holds"),
	), s.handleRows)

	s.mcp.AddTool(mcp.NewTool("viewport",
		mcp.WithDescription("Move the visible window. In a legacy view this is the root level window"),
		mcp.WithNumber("start", mcp.Required(), mcp.Description("First visible row")),
		mcp.WithNumber("length", mcp.Required(), mcp.Description("Number of visible rows")),
	), s.handleViewport)

	s.mcp.AddTool(mcp.NewTool("expand",
		mcp.WithDescription("Expand nodes by id"),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("Node ids"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.handleExpand)

	s.mcp.AddTool(mcp.NewTool("collapse",
		mcp.WithDescription("Collapse nodes by id"),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("Node ids"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.handleCollapse)

	s.mcp.AddTool(mcp.NewTool("level_range",
		mcp.WithDescription("Set the requested rows under one parent node (legacy views only)"),
		mcp.WithString("parent_id", mcp.Required(), mcp.Description("Parent node id")),
		mcp.WithNumber("start", mcp.Required()),
		mcp.WithNumber("length", mcp.Required()),
	), s.handleLevelRange)

	s.mcp.AddTool(mcp.NewTool("confirm",
		mcp.WithDescription("Confirm that an update was rendered so keys it dropped can be released"),
		mcp.WithNumber("update_id", mcp.Required()),
		mcp.WithString("parent_id", mcp.Description("Parent node id of the level, empty for the root level")),
	), s.handleConfirm)

	s.mcp.AddTool(mcp.NewTool("filter",
		mcp.WithDescription("Show only nodes whose name contains text, with their ancestors"),
		mcp.WithString("text", mcp.Description("Substring; empty falls back to the configured filter")),
	), s.handleFilter)

	s.mcp.AddTool(mcp.NewTool("reload",
		mcp.WithDescription("Reopen the data source and resend the visible rows from it"),
	), s.handleReload)

	s.mcp.AddTool(mcp.NewTool("updates",
		mcp.WithDescription("Show the wire commands of the most recent updates as JSON"),
		mcp.WithNumber("last", mcp.Description("How many updates, default 1")),
	), s.handleUpdates)

	s.mcp.AddTool(mcp.NewTool("metrics",
		mcp.WithDescription("Prometheus metrics of this server"),
	), s.handleMetrics)
}

// respond renders the rows after a successful operation, or the error as a
// tool error.
func (s *Server) respond(ctx context.Context, tool string, err error, header string) (*mcp.CallToolResult, error) {
	if err != nil {
		s.log.Warn("tool failed").Str("tool", tool).Err(err).Send()
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.autoConfirm {
		if err := s.view.ConfirmLatest(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("confirm: %v", err)), nil
		}
	}
	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteByte('\n')
	}
	if id, ok := s.view.LatestUpdate(""); ok {
		fmt.Fprintf(&b, "update %d\n", id)
	}
	b.WriteString(view.Format(s.view.Rows()))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleRows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.respond(ctx, "rows", nil, "")
}

func (s *Server) handleViewport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, err := req.RequireInt("start")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	length, err := req.RequireInt("length")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.respond(ctx, "viewport", s.view.SetViewport(ctx, start, length), "")
}

func (s *Server) handleExpand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := req.RequireStringSlice("ids")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	changed, err := s.view.Expand(ctx, ids...)
	return s.respond(ctx, "expand", err, "expanded: "+strings.Join(changed, ", "))
}

func (s *Server) handleCollapse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := req.RequireStringSlice("ids")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	changed, err := s.view.Collapse(ctx, ids...)
	return s.respond(ctx, "collapse", err, "collapsed: "+strings.Join(changed, ", "))
}

func (s *Server) handleLevelRange(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parent, err := req.RequireString("parent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	start, err := req.RequireInt("start")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	length, err := req.RequireInt("length")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.respond(ctx, "level_range", s.view.SetLevelRange(ctx, parent, start, length), "")
}

func (s *Server) handleConfirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireInt("update_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	parent := req.GetString("parent_id", "")
	return s.respond(ctx, "confirm", s.view.Confirm(ctx, id, parent), fmt.Sprintf("confirmed %d", id))
}

func (s *Server) handleFilter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	return s.respond(ctx, "filter", s.view.SetFilter(ctx, text), "")
}

func (s *Server) handleReload(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	err := s.view.Reload(ctx)
	if err == nil {
		s.log.Info("source reloaded").Str("session", s.view.SessionID()).Send()
	}
	return s.respond(ctx, "reload", err, "reloaded")
}

func (s *Server) handleUpdates(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	last := max(req.GetInt("last", 1), 1)
	batches := s.view.Batches()
	if len(batches) > last {
		batches = batches[len(batches)-last:]
	}
	lines := make([]string, len(batches))
	for i, b := range batches {
		lines[i] = wire.EncodeBatch(b)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.metrics == nil {
		return mcp.NewToolResultError("metrics are disabled"), nil
	}
	var b strings.Builder
	if err := s.metrics.WriteText(&b); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(b.String()), nil
}
