package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/status"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are governed by the CORS settings for the rest of the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamError struct {
	Error string `json:"error"`
}

// streamPayload is what a client receives for one snapshot.
func streamPayload(s status.Snapshot) any {
	switch {
	case s.NotFound:
		return streamError{Error: "Job not found"}
	case s.Err != nil:
		return streamError{Error: "status unavailable"}
	}
	return s.Job
}

// handleStream pushes job snapshots as server-sent events until the job is
// terminal or gone.
func (svc *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		svc.Log.Debug("clear write deadline", "err", err)
	}

	w.Header().Set("Content-Type", common.ContentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for snap := range status.Watch(r.Context(), svc.Store, id, svc.Cfg.Server.StreamInterval) {
		if snap.Err != nil {
			svc.Log.Warn("status stream read", "job_id", id, "err", snap.Err)
		}
		b, err := json.Marshal(streamPayload(snap))
		if err != nil {
			svc.Log.Error("encode snapshot", "err", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// handleWebSocket sends the same snapshots as handleStream over a WebSocket.
func (svc *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		svc.Log.Warn("websocket upgrade", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snap := range status.Watch(ctx, svc.Store, id, svc.Cfg.Server.StreamInterval) {
		if snap.Err != nil {
			svc.Log.Warn("status stream read", "job_id", id, "err", snap.Err)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(streamPayload(snap)); err != nil {
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
