package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/quill-agent/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type shoutArgs struct {
	Text string `json:"text"`
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, tools.BuiltinOptions{}))
	require.NoError(t, reg.Register(tools.New("explode", "Always fails.",
		func(context.Context, tools.NoArgs) (string, error) {
			return "", errors.New("boom")
		})))
	require.NoError(t, reg.Register(tools.New("shout", "Uppercases text.",
		func(_ context.Context, a shoutArgs) (string, error) {
			return a.Text + "!", nil
		})))
	return reg
}

// serveRegistry runs a Server over in-memory transports and returns a
// connected client session.
func serveRegistry(t *testing.T, reg *tools.Registry) *mcpsdk.ClientSession {
	t.Helper()

	s, err := NewServer("quill-test", "1.0.0", reg, discardLogger())
	require.NoError(t, err)

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.run(ctx, serverTransport) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callText(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func TestServer_ListsRegistry(t *testing.T) {
	reg := testRegistry(t)
	session := serveRegistry(t, reg)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, reg.Names(), names)
}

func TestServer_CallTool(t *testing.T) {
	session := serveRegistry(t, testRegistry(t))

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "calculator",
		Arguments: map[string]any{"expression": "2 + 3"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "The result of 2 + 3 is 5", callText(t, res))
}

func TestServer_ToolFailureIsErrorResult(t *testing.T) {
	session := serveRegistry(t, testRegistry(t))

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "explode",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, callText(t, res), "boom")
}

func TestServer_MalformedArgumentsIsErrorResult(t *testing.T) {
	session := serveRegistry(t, testRegistry(t))

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "calculator",
		Arguments: map[string]any{"expression": 42},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServer_UnknownTool(t *testing.T) {
	session := serveRegistry(t, testRegistry(t))

	_, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "missing",
		Arguments: map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestServer_RunCancelled(t *testing.T) {
	s, err := NewServer("quill-test", "1.0.0", tools.NewRegistry(), discardLogger())
	require.NoError(t, err)

	serverTransport, _ := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.run(ctx, serverTransport), context.Canceled)
}
