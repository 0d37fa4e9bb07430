// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// DefaultWatchInterval is how often a watch polls the status store.
	DefaultWatchInterval = 250 * time.Millisecond

	// DefaultWatchTimeout bounds a single watch connection.
	DefaultWatchTimeout = 5 * time.Minute

	watchWriteWait = 5 * time.Second
)

// WatchOptions tunes the status watch stream.
type WatchOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultWatchInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultWatchTimeout
	}
	return o
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWatch handles GET /v1/intent/status/:id/watch.
//
// Description:
//
//	Upgrades to a websocket and pushes the request's RequestStatus as JSON
//	every time it changes. The server closes the stream with a normal
//	closure once the status is terminal, and with a policy violation if the
//	request is unknown or the watch times out.
func (h *Handlers) HandleWatch(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleWatch")

	id, ok := statusID(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.watch.Timeout)
	defer cancel()

	// The read side only exists to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	code, reason := h.streamStatus(ctx, conn, id)
	deadline := time.Now().Add(watchWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	logger.Debug("watch closed", slog.String("id", id), slog.String("reason", reason))
}

func (h *Handlers) streamStatus(ctx context.Context, conn *websocket.Conn, id string) (int, string) {
	ticker := time.NewTicker(h.watch.Interval)
	defer ticker.Stop()

	var last *queue.RequestStatus
	for {
		st, err := h.service.GetStatus(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			return websocket.ClosePolicyViolation, "unknown request"
		case err != nil && ctx.Err() == nil:
			return websocket.CloseInternalServerErr, "status unavailable"
		case err == nil && changed(last, &st):
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(st); err != nil {
				return websocket.CloseGoingAway, "write failed"
			}
			last = &st
			if st.Status.Terminal() {
				return websocket.CloseNormalClosure, string(st.Status)
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return websocket.ClosePolicyViolation, "watch timed out"
			}
			return websocket.CloseGoingAway, "client gone"
		case <-ticker.C:
		}
	}
}

func changed(prev, next *queue.RequestStatus) bool {
	if prev == nil {
		return true
	}
	return prev.Status != next.Status || prev.RetryCount != next.RetryCount || prev.Error != next.Error
}
