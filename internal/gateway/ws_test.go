package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/pkg/models"
)

// wsURL rewrites an httptest server URL for WebSocket dialing.
func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// finishedBackgroundRun drives one background run to completion and returns
// its id.
func finishedBackgroundRun(t *testing.T, fx *fixture) string {
	t.Helper()
	body := `{"background":true,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	rec := postStream(t, fx, "/v1/agents/agent-1/stream", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("background stream: status = %d: %s", rec.Code, rec.Body.String())
	}
	return rec.Header().Get("X-Run-ID")
}

func readFrames(t *testing.T, conn *websocket.Conn) []wsFrame {
	t.Helper()
	var frames []wsFrame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v (got %d frames)", err, len(frames))
		}
		frames = append(frames, frame)
		if frame.Type == "done" {
			return frames
		}
	}
}

func TestRunWSReplay(t *testing.T) {
	t.Parallel()
	issuer := &fakeIssuer{responses: []*agent.ChatResponse{
		{Text: "socket result"},
	}}
	fx := newFixture(t, issuer, bus.NewMemoryBus(nil), Config{})

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	runID := finishedBackgroundRun(t, fx)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/runs/"+runID+"/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = resp.Body.Close()

	frames := readFrames(t, conn)
	if frames[0].Type != "run" {
		t.Fatalf("first frame type = %q, want run", frames[0].Type)
	}
	var run models.Run
	if err := json.Unmarshal(frames[0].Data, &run); err != nil {
		t.Fatalf("unmarshal run frame: %v", err)
	}
	if run.ID != runID {
		t.Errorf("run frame id = %s, want %s", run.ID, runID)
	}

	var sawText bool
	for _, frame := range frames[1 : len(frames)-1] {
		if frame.Type != "frame" {
			t.Errorf("middle frame type = %q, want frame", frame.Type)
		}
		if strings.Contains(string(frame.Data), "socket result") {
			sawText = true
		}
	}
	if !sawText {
		t.Error("no frame carried the assistant text")
	}
	if last := frames[len(frames)-1]; last.Type != "done" {
		t.Errorf("last frame type = %q, want done", last.Type)
	}
}

func TestRunWSUnknownRun(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &fakeIssuer{}, bus.NewMemoryBus(nil), Config{})

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/runs/ghost/ws"), nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake failure for unknown run")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake status = %v, want %d", resp, http.StatusNotFound)
	}
}

func TestRunWSQueryTokenAuth(t *testing.T) {
	t.Parallel()
	issuer := &fakeIssuer{responses: []*agent.ChatResponse{
		{Text: "authed"},
	}}
	fx := newFixture(t, issuer, bus.NewMemoryBus(nil), Config{BearerToken: "sekrit"})

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/agent-1/stream",
		strings.NewReader(`{"background":true,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("background stream: status = %d: %s", rec.Code, rec.Body.String())
	}
	runID := rec.Header().Get("X-Run-ID")

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/runs/"+runID+"/ws"), nil); err == nil {
		t.Fatal("expected handshake failure without token")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want %d", resp, http.StatusUnauthorized)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/runs/"+runID+"/ws?token=sekrit"), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()

	frames := readFrames(t, conn)
	if frames[len(frames)-1].Type != "done" {
		t.Errorf("last frame type = %q, want done", frames[len(frames)-1].Type)
	}
}
