package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/quill-agent/internal/items"
)

// Error tags for non-agent failures.
const (
	tagBadRequest     = "bad_request"
	tagNotFound       = "not_found"
	tagNotConfigured  = "not_configured"
	tagStoreError     = "store_error"
	tagToolLookup     = "tool_lookup"
	tagToolMalformed  = "tool_malformed"
	tagToolExecution  = "tool_execution"
	tagCategorizeFail = "inference_unavailable"
)

// itemRequest is the body of item create requests.
type itemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

func (s *Server) handleItemList(w http.ResponseWriter, r *http.Request) {
	list, err := s.items.List(r.Context())
	if err != nil {
		s.logger.Error("list items failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, tagStoreError, "failed to list items")
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"items": list})
}

// itemID parses the {id} path value. Non-numeric ids are treated as
// unknown items.
func (s *Server) itemID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, tagNotFound, "Item not found")
		return 0, false
	}
	return id, true
}

func (s *Server) itemError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, items.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, tagNotFound, "Item not found")
		return
	}
	s.logger.Error("item operation failed", "op", op, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, tagStoreError, "failed to "+op+" item")
}

func (s *Server) handleItemGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.itemID(w, r)
	if !ok {
		return
	}
	it, err := s.items.Get(r.Context(), id)
	if err != nil {
		s.itemError(w, err, "get")
		return
	}
	s.writeOK(w, http.StatusOK, it)
}

func (s *Server) handleItemCreate(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, tagBadRequest, err.Error())
		return
	}
	it, err := s.items.Create(r.Context(), items.Item{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		s.itemError(w, err, "create")
		return
	}
	s.writeOK(w, http.StatusCreated, it)
}

func (s *Server) handleItemUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.itemID(w, r)
	if !ok {
		return
	}
	var patch items.Patch
	if err := decodeBody(r, &patch); err != nil {
		s.errorResponse(w, http.StatusBadRequest, tagBadRequest, err.Error())
		return
	}
	it, err := s.items.Update(r.Context(), id, patch)
	if err != nil {
		s.itemError(w, err, "update")
		return
	}
	s.writeOK(w, http.StatusOK, it)
}

func (s *Server) handleItemDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.itemID(w, r)
	if !ok {
		return
	}
	if err := s.items.Delete(r.Context(), id); err != nil {
		s.itemError(w, err, "delete")
		return
	}
	s.writeOK(w, http.StatusOK, map[string]string{"message": "Item deleted"})
}
