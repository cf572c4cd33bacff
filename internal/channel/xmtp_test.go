package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"xmtprelay/internal/domain"
)

const testWalletKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testXMTPLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeGateway accepts one client, checks the init frame, and then runs script.
type fakeGateway struct {
	t       *testing.T
	reject  string
	script  func(conn *websocket.Conn)
	initMu  sync.Mutex
	initMsg map[string]any
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	var init map[string]any
	if err := conn.ReadJSON(&init); err != nil {
		g.t.Errorf("read init: %v", err)
		return
	}
	g.initMu.Lock()
	g.initMsg = init
	g.initMu.Unlock()

	if g.reject != "" {
		conn.WriteJSON(map[string]any{"type": "error", "error": g.reject})
		return
	}
	conn.WriteJSON(map[string]any{"type": "ready", "address": "0xAgent"})
	if g.script != nil {
		g.script(conn)
	}
}

func startGateway(t *testing.T, g *fakeGateway) string {
	t.Helper()
	g.t = t
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func messageFrame(id string) map[string]any {
	return map[string]any{
		"type": "message",
		"message": map[string]any{
			"id":      id,
			"content": map[string]any{"text": "hi " + id},
			"sender":  map[string]any{"address": "0xUser"},
			"group":   map[string]any{"id": "g1"},
		},
	}
}

func dialTest(t *testing.T, url string) *XMTP {
	t.Helper()
	return dialTestPing(t, url, 0)
}

func dialTestPing(t *testing.T, url string, ping time.Duration) *XMTP {
	t.Helper()
	x, err := DialXMTP(context.Background(), XMTPConfig{
		GatewayURL:       url,
		WalletKey:        testWalletKey,
		Env:              "dev",
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     ping,
		Logger:           testXMTPLogger(),
	})
	if err != nil {
		t.Fatalf("DialXMTP: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestDialXMTP_Handshake(t *testing.T) {
	g := &fakeGateway{script: func(conn *websocket.Conn) {
		conn.ReadMessage()
	}}
	x := dialTest(t, startGateway(t, g))

	if x.Address() != "0xAgent" {
		t.Errorf("Address() = %q, want 0xAgent", x.Address())
	}
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.initMsg["type"] != "init" || g.initMsg["walletKey"] != testWalletKey || g.initMsg["env"] != "dev" {
		t.Errorf("unexpected init frame: %v", g.initMsg)
	}
}

func TestDialXMTP_Rejected(t *testing.T) {
	g := &fakeGateway{reject: "invalid key"}
	_, err := DialXMTP(context.Background(), XMTPConfig{
		GatewayURL:       startGateway(t, g),
		WalletKey:        testWalletKey,
		HandshakeTimeout: 2 * time.Second,
		Logger:           testXMTPLogger(),
	})
	if err == nil || !strings.Contains(err.Error(), "invalid key") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestDialXMTP_MissingWalletKey(t *testing.T) {
	_, err := DialXMTP(context.Background(), XMTPConfig{GatewayURL: "ws://127.0.0.1:1/ws"})
	if err == nil {
		t.Fatal("expected error without wallet key")
	}
}

func TestXMTP_ListenDeliversInOrder(t *testing.T) {
	g := &fakeGateway{script: func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{"type": "sent"})
		for _, id := range []string{"m1", "m2", "m3"} {
			conn.WriteJSON(messageFrame(id))
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.ReadMessage()
	}}
	x := dialTest(t, startGateway(t, g))

	var got []domain.InboundMessage
	err := x.Listen(context.Background(), func(_ context.Context, msg domain.InboundMessage) {
		got = append(got, msg)
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if got[i].ID != id {
			t.Errorf("message %d: id = %s, want %s", i, got[i].ID, id)
		}
	}
	if got[0].Content.TextOrEmpty() != "hi m1" || got[0].Sender.Address != "0xUser" || got[0].Group.ID != "g1" {
		t.Errorf("unexpected decoded message: %+v", got[0])
	}
}

func TestXMTP_SendFrame(t *testing.T) {
	frames := make(chan map[string]any, 1)
	g := &fakeGateway{script: func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f map[string]any
		json.Unmarshal(data, &f)
		frames <- f
	}}
	x := dialTest(t, startGateway(t, g))

	text := "hello"
	orig := domain.InboundMessage{
		ID:      "m1",
		Content: domain.MessageContent{Text: &text},
		Sender:  domain.Sender{Address: "0xUser"},
		Group:   domain.Group{ID: "g1"},
	}
	if err := x.Send(context.Background(), domain.SendRequest{Message: "reply", OriginalMessage: orig}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case f := <-frames:
		if f["type"] != "send" || f["message"] != "reply" {
			t.Errorf("unexpected frame: %v", f)
		}
		md, ok := f["metadata"].(map[string]any)
		if !ok || len(md) != 0 {
			t.Errorf("metadata = %v, want empty object", f["metadata"])
		}
		om, _ := f["originalMessage"].(map[string]any)
		if om["id"] != "m1" {
			t.Errorf("originalMessage.id = %v", om["id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not receive send frame")
	}
}

func TestXMTP_SendAfterClose(t *testing.T) {
	g := &fakeGateway{script: func(conn *websocket.Conn) { conn.ReadMessage() }}
	x := dialTest(t, startGateway(t, g))

	if err := x.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	x.Close()
	err := x.Send(context.Background(), domain.SendRequest{Message: "late"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestXMTP_ListenStopsOnCancel(t *testing.T) {
	g := &fakeGateway{script: func(conn *websocket.Conn) { conn.ReadMessage() }}
	x := dialTest(t, startGateway(t, g))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- x.Listen(ctx, func(context.Context, domain.InboundMessage) {})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestXMTP_SlowHandlerKeepsConnectionAlive(t *testing.T) {
	g := &fakeGateway{script: func(conn *websocket.Conn) {
		// Reading answers the client's pings.
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					readErr <- err
					return
				}
			}
		}()
		conn.WriteJSON(messageFrame("m1"))
		select {
		case <-time.After(400 * time.Millisecond):
		case <-readErr:
			return
		}
		conn.WriteJSON(messageFrame("m2"))
		<-readErr
	}}
	x := dialTestPing(t, startGateway(t, g), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	delivered := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- x.Listen(ctx, func(_ context.Context, msg domain.InboundMessage) {
			// Longer than twice the ping interval.
			time.Sleep(300 * time.Millisecond)
			delivered <- msg.ID
		})
	}()

	for _, want := range []string{"m1", "m2"} {
		select {
		case id := <-delivered:
			if id != want {
				t.Fatalf("delivered %s, want %s", id, want)
			}
		case err := <-done:
			t.Fatalf("Listen returned before %s was handled: %v", want, err)
		case <-time.After(3 * time.Second):
			t.Fatalf("%s was never handled", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestInbox_DrainsInOrderAfterClose(t *testing.T) {
	q := newInbox()
	for _, id := range []string{"a", "b", "c"} {
		q.push(domain.InboundMessage{ID: id})
	}
	q.close()

	var got []string
	for {
		msg, ok := q.next(context.Background())
		if !ok {
			break
		}
		got = append(got, msg.ID)
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("drained %v, want [a b c]", got)
	}
}

func TestInbox_NextStopsOnCancel(t *testing.T) {
	q := newInbox()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.next(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("expected next to report false after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("next did not return after cancel")
	}
}
