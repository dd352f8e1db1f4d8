// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphflow

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/graphflow/services/graphflow/observability"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// HandleStream handles GET /v1/executions/:id/stream.
//
// Description:
//
//	Upgrades to a websocket and sends every event of the execution as a
//	JSON text message, starting after ?after=N (default: from the
//	beginning). The server closes the stream with a normal closure once
//	the terminal event has been sent. Messages from the client are
//	ignored.
//
// Response:
//
//	101 Switching Protocols
//	404 Not Found: unknown execution (before the upgrade)
func (h *Handlers) HandleStream(c *gin.Context) {
	logger := h.requestLogger(c, "HandleStream")
	id := c.Param("id")

	after, err := parseAfter(c)
	if err != nil {
		badRequest(c, logger, err)
		return
	}
	if _, err := h.svc.Tracker.Get(id); err != nil {
		writeError(c, logger, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	defer observability.StreamOpened()()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// The read loop only notices the client going away.
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info("event stream opened", slog.String("execution_id", id), slog.Int64("after", after))
	sent, err := h.stream(ctx, ws, id, after)
	if err != nil {
		logger.Info("event stream ended", slog.Int64("last_seq", sent), slog.String("reason", err.Error()))
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
		time.Now().Add(streamWriteWait))
	logger.Info("event stream completed", slog.Int64("last_seq", sent))
}

// stream writes events until the terminal one, returning the last sequence
// number sent. A nil error means the terminal event was delivered.
func (h *Handlers) stream(ctx context.Context, ws *websocket.Conn, id string, after int64) (int64, error) {
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	done, err := h.svc.Tracker.Done(id)
	if err != nil {
		return after, err
	}

	for {
		// Take the watch channel before reading so no change is missed.
		changed, err := h.svc.Tracker.Watch(id)
		if err != nil {
			return after, err
		}
		events, err := h.svc.Tracker.Events(id, after)
		if err != nil {
			return after, err
		}
		for _, ev := range events {
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return after, err
			}
			after = ev.Seq
			if ev.Type.Terminal() {
				return after, nil
			}
		}

		select {
		case <-done:
			// Nothing left when the client asked to start past the terminal
			// event.
			if more, err := h.svc.Tracker.Events(id, after); err == nil && len(more) == 0 {
				return after, nil
			}
		case <-changed:
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return after, err
			}
		case <-ctx.Done():
			return after, ctx.Err()
		}
	}
}
