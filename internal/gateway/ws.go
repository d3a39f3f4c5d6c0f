package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/stream"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsFrame is one JSON message on a run attachment socket. The server sends
// run, frame, and done messages; the client sends cancel.
type wsFrame struct {
	Type   string          `json:"type"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Error  *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleRunWS attaches to a run over WebSocket. Each bus frame becomes one
// JSON text message; the stream's terminal sentinel becomes a done message
// after which the socket closes. The client may send a cancel message at
// any point to request out-of-band cancellation.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request, runID string) {
	run, frames, err := s.dispatcher.AttachRun(r.Context(), runID)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := &wsAttachSession{
		server: s,
		conn:   conn,
		runID:  runID,
		frames: frames,
		done:   make(chan struct{}),
	}
	session.serve(run)
}

// wsAttachSession pumps one run's frames onto one socket. The write loop
// owns the connection for writes; the read loop only consumes pongs and
// cancel requests.
type wsAttachSession struct {
	server *Server
	conn   *websocket.Conn
	runID  string
	frames <-chan bus.Frame
	done   chan struct{}
}

func (ws *wsAttachSession) serve(run *models.Run) {
	defer func() { _ = ws.conn.Close() }()

	runData, err := json.Marshal(run)
	if err == nil {
		_ = ws.write(wsFrame{Type: "run", Data: runData})
	}

	go ws.readLoop()
	ws.writeLoop()
}

func (ws *wsAttachSession) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-ws.frames:
			if !ok {
				_ = ws.write(wsFrame{Type: "done"})
				return
			}
			if stream.IsDone(frame) {
				_ = ws.write(wsFrame{Type: "done"})
				return
			}
			if err := ws.write(wsFrame{
				Type:  "frame",
				Event: frame.Event,
				Data:  json.RawMessage(frame.Data),
			}); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ws.done:
			return
		}
	}
}

func (ws *wsAttachSession) write(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *wsAttachSession) readLoop() {
	defer close(ws.done)

	ws.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "cancel" {
			continue
		}

		reason := frame.Reason
		if reason == "" {
			reason = "ws_request"
		}
		ctx := context.Background()
		if _, err := ws.server.runs.Cancel(ctx, ws.runID, reason); err != nil {
			ws.server.logger.Warn(ctx, "ws cancel failed", "run_id", ws.runID, "error", err)
		}
	}
}
