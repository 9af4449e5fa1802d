package mcp

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/quill-agent/internal/tools"
)

// remoteSession starts a plain SDK server with a few tools and returns a
// client session connected to it.
func remoteSession(t *testing.T) *mcpsdk.ClientSession {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "remote", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "echo",
		Description: "Echo input",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var payload map[string]string
		if err := json.Unmarshal(req.Params.Arguments, &payload); err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "echo:" + payload["text"]}},
		}, nil
	})
	server.AddTool(&mcpsdk.Tool{
		Name:        "Get-Weather",
		Description: "Weather report",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{
				&mcpsdk.TextContent{Text: "sunny"},
				&mcpsdk.TextContent{Text: "22C"},
			},
		}, nil
	})
	server.AddTool(&mcpsdk.Tool{
		Name:        "fail",
		Description: "Always fails",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "remote failure"}},
			IsError: true,
		}, nil
	})

	return connectServer(t, server)
}

// connectServer runs server over in-memory transports and returns a
// connected client session.
func connectServer(t *testing.T, server *mcpsdk.Server) *mcpsdk.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.Run(ctx, serverTransport) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "quill", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestBridgeTools_All(t *testing.T) {
	session := remoteSession(t)
	reg := tools.NewRegistry()

	n, err := BridgeTools(context.Background(), session, "Remote", reg, nil, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t,
		[]string{"mcp_remote_echo", "mcp_remote_get_weather", "mcp_remote_fail"},
		reg.Names())

	echo := reg.Get("mcp_remote_echo")
	require.NotNil(t, echo)
	assert.Equal(t, "Echo input", echo.Description)
	assert.Equal(t, "object", echo.Parameters["type"])
}

func TestBridgeTools_CallsThrough(t *testing.T) {
	session := remoteSession(t)
	reg := tools.NewRegistry()
	_, err := BridgeTools(context.Background(), session, "remote", reg, nil, nil, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()

	out, err := reg.Run(ctx, "mcp_remote_echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", out)

	out, err = reg.Run(ctx, "mcp_remote_get_weather", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "sunny\n22C", out)

	_, err = reg.Run(ctx, "mcp_remote_fail", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, tools.KindExecution, tools.KindOf(err))
	assert.Contains(t, err.Error(), "remote failure")

	// The bridged schema is enforced locally.
	_, err = reg.Run(ctx, "mcp_remote_echo", map[string]any{})
	assert.Equal(t, tools.KindMalformed, tools.KindOf(err))
}

func TestBridgeTools_Filters(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name:    "include",
			include: []string{"echo"},
			want:    []string{"mcp_remote_echo"},
		},
		{
			name:    "exclude",
			exclude: []string{"fail"},
			want:    []string{"mcp_remote_echo", "mcp_remote_get_weather"},
		},
		{
			name:    "include wins",
			include: []string{"fail"},
			exclude: []string{"fail"},
			want:    []string{"mcp_remote_fail"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := remoteSession(t)
			reg := tools.NewRegistry()
			n, err := BridgeTools(context.Background(), session, "remote", reg, tt.include, tt.exclude, discardLogger())
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
			assert.ElementsMatch(t, tt.want, reg.Names())
		})
	}
}

func TestBridgeTools_NameCollision(t *testing.T) {
	session := remoteSession(t)
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&tools.Tool{
		Name:    "mcp_remote_echo",
		Handler: func(context.Context, map[string]any) (string, error) { return "", nil },
	}))

	_, err := BridgeTools(context.Background(), session, "remote", reg, nil, nil, discardLogger())
	assert.Error(t, err)
	assert.Equal(t, []string{"mcp_remote_echo"}, reg.Names(), "no tool from a failed bridge may stay registered")
}

func TestBridgeTools_SanitizedCollisionRegistersNothing(t *testing.T) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "dup", Version: "test"}, nil)
	ok := func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
	}
	for _, name := range []string{"alpha", "get-weather", "Get_Weather"} {
		server.AddTool(&mcpsdk.Tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)}, ok)
	}
	session := connectServer(t, server)

	reg := tools.NewRegistry()
	n, err := BridgeTools(context.Background(), session, "dup", reg, nil, nil, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcp_dup_get_weather")
	assert.Zero(t, n)
	assert.Empty(t, reg.Names())
}

func TestBridgeTools_ValidatesArguments(t *testing.T) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "strict", Version: "test"}, nil)
	var called atomic.Bool
	server.AddTool(&mcpsdk.Tool{
		Name: "forecast",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"unit": {"type": "string", "enum": ["c", "f"]},
				"days": {"type": "integer", "minimum": 1}
			},
			"required": ["unit"]
		}`),
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		called.Store(true)
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
	})
	session := connectServer(t, server)

	reg := tools.NewRegistry()
	_, err := BridgeTools(context.Background(), session, "strict", reg, nil, nil, discardLogger())
	require.NoError(t, err)

	for _, args := range []map[string]any{
		{"unit": "kelvin"},
		{"unit": "c", "days": -2.0},
		{},
	} {
		_, err := reg.Run(context.Background(), "mcp_strict_forecast", args)
		assert.Equal(t, tools.KindMalformed, tools.KindOf(err), "args %v", args)
	}
	assert.False(t, called.Load(), "invalid arguments must not reach the remote server")

	got, err := reg.Run(context.Background(), "mcp_strict_forecast", map[string]any{"unit": "f", "days": 3.0})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"home", "get_state", "mcp_home_get_state"},
		{"Weather Service", "Get-Forecast", "mcp_weather_service_get_forecast"},
		{"a..b", "__x__", "mcp_a_b_x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToolName(tt.server, tt.tool), "ToolName(%q, %q)", tt.server, tt.tool)
	}
}

func TestExtractText(t *testing.T) {
	got := extractText([]mcpsdk.Content{
		&mcpsdk.TextContent{Text: "a"},
		&mcpsdk.ImageContent{MIMEType: "image/png"},
		&mcpsdk.TextContent{Text: "b"},
	})
	assert.Equal(t, "a\n[image]\nb", got)
}
