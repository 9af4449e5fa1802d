package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// handleEvents streams bus events to a websocket client as JSON, one
// message per event, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, tagNotConfigured, "event stream is not enabled")
		return
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(sub)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "subscribers", s.bus.SubscriberCount())

	// Reader goroutine: the client sends nothing useful, but reading is
	// how close frames and disconnects are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream read ended", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, tagNotConfigured, "usage tracking is not enabled")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, tagBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, tagStoreError, "failed to read usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, tagStoreError, "failed to read usage")
		return
	}
	byKind, err := s.usage.SummaryByKind(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, tagStoreError, "failed to read usage")
		return
	}

	s.writeOK(w, http.StatusOK, map[string]any{
		"hours":    hours,
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"total":    total,
		"by_model": byModel,
		"by_kind":  byKind,
	})
}
