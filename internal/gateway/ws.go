package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runclub/attendance/internal/calendar"
	"github.com/runclub/attendance/internal/eventbus"
	"github.com/runclub/attendance/internal/registration"
	"github.com/runclub/attendance/internal/repository"
)

const (
	pingInterval = 25 * time.Second
	idleTimeout  = 60 * time.Second
	writeWait    = 2 * time.Second
	maxWriteMiss = 3
)

// hub upgrades dashboard connections to a long-lived bidirectional stream and
// forwards tally updates from the EventBus to each of them.
type hub struct {
	bus      *eventbus.Bus
	store    *repository.Store
	calendar *calendar.Manager
	upgrader websocket.Upgrader
}

func newHub(bus *eventbus.Bus, store *repository.Store, cal *calendar.Manager, allowedOrigins []string) *hub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return &hub{
		bus:      bus,
		store:    store,
		calendar: cal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

type wireMessage struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	Count      int    `json:"count,omitempty"`
	RunnerName string `json:"runner_name,omitempty"`
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe("tally", eventbus.DropOldest)
	defer h.bus.Unsubscribe(sub)

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	if err := h.sendSnapshot(r.Context(), conn); err != nil {
		return
	}

	done := make(chan struct{})
	go h.drainReads(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	missedWrites := 0
	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			update, ok := evt.Payload.(registration.TallyUpdate)
			if !ok {
				continue
			}
			msg := wireMessage{Type: "tally_update", RunID: update.RunID, Count: update.Count}
			if update.RunnerID != "" {
				msg.Type = "registration_success"
				msg.RunnerName = update.RunnerID
			}
			if !h.writeJSON(conn, msg, &missedWrites) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) sendSnapshot(ctx context.Context, conn *websocket.Conn) error {
	run, err := h.calendar.TodayRun(ctx)
	if err != nil || run == nil {
		return writeSnapshot(conn, "", 0)
	}
	count, err := h.store.CountForRun(ctx, run.ID)
	if err != nil {
		count = 0
	}
	return writeSnapshot(conn, run.ID, count)
}

func writeSnapshot(conn *websocket.Conn, runID string, count int) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(map[string]any{
		"type":   "snapshot",
		"run_id": runID,
		"count":  count,
	})
}

// writeJSON writes msg with a bounded deadline, tracking consecutive failures and
// reporting whether the connection should stay open.
func (h *hub) writeJSON(conn *websocket.Conn, msg wireMessage, missedWrites *int) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	payload, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		*missedWrites++
		return *missedWrites < maxWriteMiss
	}
	*missedWrites = 0
	return true
}

// drainReads discards any client-sent frames (this transport is server-to-client
// only) but must keep reading so pong control frames and the close handshake are
// processed; it closes done once the connection drops.
func (h *hub) drainReads(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
