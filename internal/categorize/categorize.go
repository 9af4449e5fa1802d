// Package categorize suggests a catalog category for an item description
// with a single model call. No tools are offered and no loop is run.
package categorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/quill-agent/internal/events"
	"github.com/nugget/quill-agent/internal/llm"
	"github.com/nugget/quill-agent/internal/usage"
)

// Categories are the labels the model is asked to choose from.
var Categories = []string{
	"Electronics", "Food", "Apparel", "Home Goods", "Tools", "Books", "Software", "Other",
}

// ErrEmptyDescription is returned when the description is blank.
var ErrEmptyDescription = errors.New("description is required")

// SystemPrompt is the categorization instruction sent with every call.
var SystemPrompt = "You are an expert categorizer. Categorize the following item description into one of these categories: " +
	strings.Join(Categories, ", ") +
	". Respond with only the most relevant category name."

// Recorder receives token usage of each call.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Categorizer wraps an llm.Client for single-shot categorization.
type Categorizer struct {
	client llm.Client
	model  string
	usage  Recorder
	logger *slog.Logger
	bus    *events.Bus
}

// New creates a Categorizer. rec and bus may be nil.
func New(client llm.Client, model string, rec Recorder, bus *events.Bus, logger *slog.Logger) *Categorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Categorizer{
		client: client,
		model:  model,
		usage:  rec,
		bus:    bus,
		logger: logger.With("component", "categorize"),
	}
}

// Categorize returns the suggested category for description, trimmed of
// surrounding whitespace.
func (c *Categorizer) Categorize(ctx context.Context, description string) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", ErrEmptyDescription
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: SystemPrompt},
		{Role: llm.RoleUser, Content: "Description: " + description},
	}

	start := time.Now()
	resp, err := c.client.Chat(ctx, c.model, msgs, nil)
	elapsed := time.Since(start)

	c.bus.Emit(events.SourceAPI, events.KindCategorize, map[string]any{
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		c.logger.Warn("categorization failed", "model", c.model, "error", err)
		return "", fmt.Errorf("categorize: %w", err)
	}

	if c.usage != nil {
		rec := usage.Record{
			Model:        c.model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			Kind:         usage.KindCategorize,
			DurationMS:   elapsed.Milliseconds(),
		}
		if n, ok := c.client.(llm.Named); ok {
			rec.Provider = n.Provider()
		} else if m, ok := c.client.(*llm.MultiClient); ok {
			rec.Provider = m.ProviderFor(c.model)
		}
		if err := c.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
			c.logger.Warn("failed to record usage", "error", err)
		}
	}

	category := strings.TrimSpace(resp.Message.Content)
	c.logger.Debug("categorized", "category", category, "elapsed", elapsed.Round(time.Millisecond))
	return category, nil
}
