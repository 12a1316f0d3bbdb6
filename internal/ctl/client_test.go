package ctl

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// serveUnix runs the router on a unix socket and returns its path.
func serveUnix(t *testing.T, r chi.Router) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "plantline-ctl-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	socketPath := filepath.Join(tmpDir, "d.sock")
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: r}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return socketPath
}

func TestStatusOverUnixSocket(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"profile":"main","pid":42,"conn_state":"CONNECTED","uptime_seconds":7}`))
	})

	c := New(serveUnix(t, r))
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Profile != "main" || status.ConnState != "CONNECTED" || status.PID != 42 {
		t.Fatalf("status = %+v", status)
	}
}

func TestSendPostsPayload(t *testing.T) {
	var got map[string]string
	r := chi.NewRouter()
	r.Post("/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		got = map[string]string{}
		if err := jsonDecode(req, &got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	c := New(serveUnix(t, r))
	if err := c.Send(context.Background(), "hi", "image", "ref-1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["text"] != "hi" || got["attachment_kind"] != "image" || got["attachment_ref"] != "ref-1" {
		t.Fatalf("payload = %v", got)
	}
}

func TestErrorResponsesSurfaceMessage(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/refresh", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"operation rate limited","code":"rate_limited"}`))
	})

	c := New(serveUnix(t, r))
	err := c.Refresh(context.Background())
	if err == nil || err.Error() != "operation rate limited" {
		t.Fatalf("err = %v", err)
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	r := chi.NewRouter()
	r.Get("/v1/events", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteJSON(Event{Kind: "message.upserted", Payload: "m1"})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New(serveUnix(t, r))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 1)
	go func() {
		_ = c.Watch(ctx, func(evt Event) {
			select {
			case events <- evt:
				cancel()
			default:
			}
		})
	}()

	select {
	case evt := <-events:
		if evt.Kind != "message.upserted" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch never delivered an event")
	}
}

func jsonDecode(req *http.Request, v any) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}
