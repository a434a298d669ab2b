package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tillworks/tillsync/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	time.Sleep(100 * time.Millisecond)
	return server
}

func dialWS(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket.Dial() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(os.Stderr, "[test] ", log.LstdFlags)})

	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("GetAddr() is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestBroadcast_ReachesClient(t *testing.T) {
	server := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("ClientCount() = %d, want 1", count)
	}

	data, _ := json.Marshal(QueueData{Event: "queued-write", QueueLen: 1})
	server.Broadcast(Message{Type: MessageTypeQueue, Data: data})

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if msg.Type != MessageTypeQueue {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeQueue)
	}
	var queueData QueueData
	if err := json.Unmarshal(msg.Data, &queueData); err != nil {
		t.Fatalf("Unmarshal data failed: %v", err)
	}
	if queueData.QueueLen != 1 {
		t.Errorf("QueueLen = %d, want 1", queueData.QueueLen)
	}
}

func TestHandler_ForwardsStoreChanges(t *testing.T) {
	server := testServer(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()

	handler := NewHandler(server, log.New(os.Stderr, "[test] ", log.LstdFlags))
	handler.WatchStore(st, store.CollectionOrders)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, server)

	doc, err := store.NewDoc("o1", time.Now(), map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("NewDoc() failed: %v", err)
	}
	if err := st.Put(store.CollectionOrders, doc); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if msg.Type != MessageTypeStoreChange {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeStoreChange)
	}
	var change StoreChangeData
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		t.Fatalf("Unmarshal data failed: %v", err)
	}
	if change.Collection != store.CollectionOrders || change.ID != "o1" || change.Action != "put" {
		t.Errorf("change = %+v", change)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := testServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}
