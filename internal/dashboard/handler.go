// Package dashboard event bridging: subscribes to the runtime's observer
// hooks and formats them as dashboard messages.
package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/printer"
	"github.com/tillworks/tillsync/internal/store"
	syncpkg "github.com/tillworks/tillsync/internal/sync"
)

// Handler subscribes to component observer hooks and forwards them to the
// WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// WatchStore registers change listeners for the given collections.
func (h *Handler) WatchStore(st *store.Store, collections ...string) {
	for _, collection := range collections {
		st.OnChange(collection, h.onStoreChange)
	}
}

// WatchQueue registers a listener for write-queue events.
func (h *Handler) WatchQueue(q *outbox.Queue) {
	q.OnEvent(h.onQueueEvent)
}

// WatchSync registers a listener for sync lifecycle events.
func (h *Handler) WatchSync(s syncpkg.Syncer) {
	s.On(h.onSyncEvent)
}

// WatchPrinter registers a listener for print job notifications.
func (h *Handler) WatchPrinter(m *printer.Manager) {
	m.OnStatus(h.onPrintStatus)
}

func (h *Handler) onStoreChange(ch store.Change) {
	h.send(MessageTypeStoreChange, StoreChangeData{
		Collection: ch.Collection,
		Action:     string(ch.Type),
		ID:         ch.Doc.ID,
	})
}

func (h *Handler) onQueueEvent(ev outbox.Event) {
	h.send(MessageTypeQueue, QueueData{
		Event:    string(ev.Type),
		QueueLen: ev.QueueLen,
		Failures: ev.Failures,
	})
}

func (h *Handler) onSyncEvent(ev syncpkg.Event) {
	data := SyncData{
		Event:      string(ev.Type),
		Collection: ev.Collection,
		Watermark:  ev.Watermark,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	h.send(MessageTypeSync, data)
}

func (h *Handler) onPrintStatus(n printer.Notification) {
	h.send(MessageTypePrintJob, PrintJobData{
		Message:     n.Message,
		JobID:       n.Job.ID,
		Destination: string(n.Job.Destination),
		OrderID:     n.Job.OrderID,
		Status:      string(n.Job.Status),
		Tries:       n.Job.Tries,
	})
}

// send marshals data and broadcasts it with the given type.
func (h *Handler) send(typ MessageType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      payload,
	})
}
