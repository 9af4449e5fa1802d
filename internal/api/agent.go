package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/quill-agent/internal/agent"
	"github.com/nugget/quill-agent/internal/categorize"
	"github.com/nugget/quill-agent/internal/tools"
	"github.com/nugget/quill-agent/internal/transcript"
)

// QueryRequest is the body of POST /api/agent/query.
type QueryRequest struct {
	Query string `json:"query"`
	// Render "html" adds the response rendered from markdown.
	Render            string `json:"render,omitempty"`
	IncludeTranscript bool   `json:"include_transcript,omitempty"`
}

// QueryResponse is the result of a completed agent run.
type QueryResponse struct {
	Query        string                 `json:"query"`
	Response     string                 `json:"response"`
	MessageCount int                    `json:"message_count"`
	RunID        string                 `json:"run_id"`
	Iterations   int                    `json:"iterations"`
	ResponseHTML string                 `json:"response_html,omitempty"`
	Transcript   *transcript.Transcript `json:"transcript,omitempty"`
}

// runStatus maps a run failure tag to its HTTP status.
func runStatus(tag string) int {
	switch tag {
	case agent.TagInvalidQuery:
		return http.StatusBadRequest
	case agent.TagInferenceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAgentQuery(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, tagNotConfigured, "Inference provider is not configured.")
		return
	}

	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, tagBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.errorResponse(w, http.StatusBadRequest, agent.TagInvalidQuery, "Query is required.")
		return
	}

	res, err := s.runner.Run(r.Context(), req.Query)
	if err != nil {
		tag := agent.TagOf(err)
		if tag == "" {
			tag = agent.TagInternal
		}
		s.logger.Error("agent run failed", "tag", tag, "error", err)
		s.errorResponse(w, runStatus(tag), tag, "Agent error: "+err.Error())
		return
	}

	resp := QueryResponse{
		Query:        req.Query,
		Response:     res.FinalResponse,
		MessageCount: res.MessageCount,
		RunID:        res.RunID,
		Iterations:   res.Iterations,
	}
	if req.IncludeTranscript {
		resp.Transcript = &res.Transcript
	}
	if req.Render == "html" {
		html, err := renderMarkdown(res.FinalResponse)
		if err != nil {
			s.logger.Warn("markdown render failed", "run_id", res.RunID, "error", err)
		} else {
			resp.ResponseHTML = html
		}
	}
	s.writeOK(w, http.StatusOK, resp)
}

// renderMarkdown converts a model response to an HTML fragment.
func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Server) handleCategorize(w http.ResponseWriter, r *http.Request) {
	if s.categorizer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, tagNotConfigured, "Inference provider is not configured.")
		return
	}

	var req struct {
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, tagBadRequest, err.Error())
		return
	}

	category, err := s.categorizer.Categorize(r.Context(), req.Description)
	switch {
	case errors.Is(err, categorize.ErrEmptyDescription):
		s.errorResponse(w, http.StatusBadRequest, tagBadRequest, "Description is required.")
		return
	case err != nil:
		s.logger.Error("categorization failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, tagCategorizeFail, "Failed to categorize: "+err.Error())
		return
	}

	s.writeOK(w, http.StatusOK, map[string]string{
		"description":        req.Description,
		"suggested_category": category,
	})
}

// toolInfo describes one registered tool.
type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) handleToolList(w http.ResponseWriter, _ *http.Request) {
	list := s.registry.List()
	out := make([]toolInfo, 0, len(list))
	for _, t := range list {
		out = append(out, toolInfo{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	s.writeOK(w, http.StatusOK, map[string]any{"tools": out})
}

// ExecuteRequest is the body of POST /api/tools/execute.
type ExecuteRequest struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, tagBadRequest, err.Error())
		return
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	result, err := s.registry.Run(r.Context(), req.ToolName, req.Args)
	if err != nil {
		var te *tools.ToolError
		if !errors.As(err, &te) {
			s.errorResponse(w, http.StatusInternalServerError, tagToolExecution, "Tool execution error: "+err.Error())
			return
		}
		switch te.Kind {
		case tools.KindLookup:
			s.writeError(w, http.StatusBadRequest, errorBody{
				Error:     te.Error(),
				Tag:       tagToolLookup,
				Available: te.Available,
			})
		case tools.KindMalformed:
			s.errorResponse(w, http.StatusBadRequest, tagToolMalformed, te.Error())
		default:
			s.logger.Warn("tool execution failed", "tool", req.ToolName, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, tagToolExecution, "Tool execution error: "+te.Error())
		}
		return
	}

	s.writeOK(w, http.StatusOK, map[string]string{
		"tool":   req.ToolName,
		"result": result,
	})
}
