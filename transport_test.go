package centrifuge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testTransportConfig(url string) transportConfig {
	return transportConfig{
		URL:              url,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		FrameBufferSize:  16,
	}
}

func TestTransport_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := newTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !tr.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close returned %v, want nil", err)
	}
	if tr.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestTransport_ConnectError(t *testing.T) {
	tr := newTransport(testTransportConfig("ws://127.0.0.1:1"), nil)

	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Errorf("error = %v, want *ConnectError", err)
	}
}

func TestTransport_FrameOrder(t *testing.T) {
	frames := []string{"one", "two", "three"}
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep the connection open until the client closes it.
		conn.ReadMessage()
	})
	defer server.Close()

	tr := newTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	for i, want := range frames {
		select {
		case got := <-tr.Frames():
			if string(got) != want {
				t.Errorf("frame %d = %q, want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestTransport_SendAfterClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})
	defer server.Close()

	tr := newTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	tr.Close()

	if err := tr.Send([]byte("{}")); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Send after Close = %v, want ErrConnectionLost", err)
	}
}

func TestTransport_ServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Close immediately.
	})
	defer server.Close()

	tr := newTransport(testTransportConfig(wsURL(server)), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	select {
	case err := <-tr.Errors():
		if err == nil {
			t.Error("expected non-nil error on server close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport error")
	}
}
