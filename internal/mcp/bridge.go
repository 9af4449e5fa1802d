package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nugget/quill-agent/internal/buildinfo"
	"github.com/nugget/quill-agent/internal/config"
	"github.com/nugget/quill-agent/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Connect starts the configured MCP server as a subprocess and returns
// an initialized client session. The caller closes the session.
func Connect(ctx context.Context, srv config.MCPServerConfig) (*mcpsdk.ClientSession, error) {
	cmd := exec.Command(srv.Command, srv.Args...)
	cmd.Env = append(os.Environ(), srv.Env...)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "quill", Version: buildinfo.Version}, nil)
	session, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %s: %w", srv.Name, err)
	}
	return session, nil
}

// BridgeTools lists the tools of an MCP session and registers a proxy
// for each on registry. Tool names are namespaced as
// "mcp_{serverName}_{toolName}" to avoid collisions with built-in tools.
//
// If include is non-empty only the listed MCP tool names are bridged;
// otherwise every tool not in exclude is. Registration is all or nothing:
// on error no tool from this server is left in the registry. BridgeTools
// returns the number of tools registered.
func BridgeTools(ctx context.Context, session *mcpsdk.ClientSession, serverName string, registry *tools.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var listed []*mcpsdk.Tool
	for td, err := range session.Tools(ctx, nil) {
		if err != nil {
			return 0, fmt.Errorf("list tools from %s: %w", serverName, err)
		}
		listed = append(listed, td)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var bridged []*tools.Tool
	for _, td := range listed {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		t, err := bridgeTool(session, ToolName(serverName, td.Name), td)
		if err != nil {
			return 0, err
		}
		bridged = append(bridged, t)
	}

	if err := registry.RegisterAll(bridged...); err != nil {
		return 0, fmt.Errorf("register tools from %s: %w", serverName, err)
	}
	for _, t := range bridged {
		logger.Debug("bridged MCP tool",
			"quill_name", t.Name,
			"server", serverName,
		)
	}

	return len(bridged), nil
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name. Both parts are reduced to lowercase alphanumerics and
// underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// bridgeTool creates a registry tool that proxies calls to an MCP server.
func bridgeTool(session *mcpsdk.ClientSession, name string, td *mcpsdk.Tool) (*tools.Tool, error) {
	schema, err := schemaMap(td.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("schema of MCP tool %s: %w", td.Name, err)
	}
	mcpName := td.Name

	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  schema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: mcpName, Arguments: args})
			if err != nil {
				return "", fmt.Errorf("tools/call %s: %w", mcpName, err)
			}
			text := extractText(res.Content)
			if res.IsError {
				return "", errors.New(text)
			}
			return text, nil
		},
	}, nil
}

// schemaMap normalizes an SDK input schema to a generic JSON object.
func schemaMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m, nil
}

// extractText joins text content into one string. Other content kinds
// are represented by inline markers.
func extractText(content []mcpsdk.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		case *mcpsdk.ImageContent:
			parts = append(parts, "[image]")
		case *mcpsdk.AudioContent:
			parts = append(parts, "[audio]")
		default:
			parts = append(parts, "[resource]")
		}
	}
	return strings.Join(parts, "\n")
}

// sanitize lowercases name, maps every other character to an underscore,
// collapses runs of underscores, and trims them from both ends.
func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
