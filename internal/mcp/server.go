package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/quill-agent/internal/tools"
)

// Server serves a tool registry over MCP.
type Server struct {
	server   *mcpsdk.Server
	registry *tools.Registry
	logger   *slog.Logger
}

// NewServer creates a server named name that exposes every tool in
// registry at the time of the call.
func NewServer(name, version string, registry *tools.Registry, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		server:   mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: version}, nil),
		registry: registry,
		logger:   logger.With("component", "mcp_server"),
	}

	for _, t := range registry.List() {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		s.server.AddTool(&mcpsdk.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(schema),
		}, s.handler(t.Name))
	}
	return s, nil
}

// Serve answers MCP requests read from in, writing responses to out. It
// blocks until ctx is cancelled or the input closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcpsdk.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}
	return s.run(ctx, transport)
}

func (s *Server) run(ctx context.Context, transport mcpsdk.Transport) error {
	s.logger.Info("MCP server running", "tools", len(s.registry.Names()))
	return s.server.Run(ctx, transport)
}

// handler runs a registry tool. Tool failures are reported to the client
// as error results, not protocol errors.
func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := map[string]any{}
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments for tool %q: %v", name, err)), nil
			}
		}

		out, err := s.registry.Run(ctx, name, args)
		if err != nil {
			s.logger.Warn("MCP tool call failed", "tool", name, "kind", tools.KindOf(err), "error", err)
			return errorResult(err.Error()), nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out}},
		}, nil
	}
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}

// nopWriteCloser wraps an io.Writer as an io.WriteCloser with a no-op Close.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
