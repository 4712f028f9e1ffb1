package migration

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// PhaseChangedMessage is the JSON payload pushed to every subscriber each
// time a migration's phase changes.
type PhaseChangedMessage struct {
	MigrationID       string    `json:"migration_id"`
	Phase             Phase     `json:"phase"`
	PreviousPhase     Phase     `json:"previous_phase"`
	Reason            string    `json:"reason"`
	CheckpointEventID string    `json:"checkpoint_event_id,omitempty"`
	EventsCopied      int64     `json:"events_copied"`
	ChangedAt         time.Time `json:"changed_at"`
}

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscriber is one connected operator console: a send channel plus the
// goroutine pumping it onto the wire.
type subscriber struct {
	conn *websocket.Conn
	send chan PhaseChangedMessage
}

// Hub fans out migration phase-change notifications to every connected
// operator console. A node with no subscribers pays nothing beyond the
// OnPhaseChanged callback already wired for it.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	log  *logrus.Entry
}

// NewHub builds an empty Hub and wires it to mgr so every phase transition
// mgr reports is broadcast to subscribers.
func NewHub(mgr *Manager, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Hub{subs: make(map[*subscriber]struct{}), log: log.WithField("component", "migration.Hub")}
	mgr.OnPhaseChanged(func(s *State) {
		h.Broadcast(PhaseChangedMessage{
			MigrationID:       s.MigrationID,
			Phase:             s.Phase,
			PreviousPhase:     s.PreviousPhase,
			Reason:            s.Reason,
			CheckpointEventID: s.CheckpointEventID,
			EventsCopied:      s.EventsCopied,
			ChangedAt:         s.ChangedAt,
		})
	})
	return h
}

// Broadcast pushes msg to every currently connected subscriber, dropping it
// for any subscriber whose send buffer is full rather than blocking the
// migration's phase-transition path on a slow console.
func (h *Hub) Broadcast(msg PhaseChangedMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- msg:
		default:
			h.log.Warn("subscriber send buffer full, dropping phase-changed notification")
		}
	}
}

// ServeHTTP upgrades r to a WebSocket and streams phase-changed messages to
// it until the connection closes. Registered at the Redistribution HTTP
// API's optional progress endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	s := &subscriber{conn: conn, send: make(chan PhaseChangedMessage, 32)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go h.writePump(s)
	h.readPump(s) // blocks until the client disconnects
}

// writePump serializes each queued message and a periodic ping onto the
// connection.
func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound traffic (this is a one-way push channel) and
// exists only to detect disconnects, unregistering s once the connection
// closes.
func (h *Hub) readPump(s *subscriber) {
	defer h.unregister(s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	close(s.send)
	_ = s.conn.Close()
}

// SubscriberCount reports how many operator consoles are currently
// connected, for observability.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
