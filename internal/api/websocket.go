package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// wsMessage is the frame sent to progress subscribers.
type wsMessage struct {
	Type      string                  `json:"type"` // progress, done
	Progress  *types.BacktestProgress `json:"progress,omitempty"`
	State     types.RunState          `json:"state,omitempty"`
	Timestamp int64                   `json:"timestamp"`
}

// progressHub fans one engine's progress stream out to any number of
// WebSocket subscribers. The pump goroutine owns the engine channel;
// subscribers that fall behind miss updates rather than block it.
type progressHub struct {
	mu   sync.Mutex
	subs map[chan wsMessage]struct{}
	done bool
	last wsMessage
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[chan wsMessage]struct{})}
}

// pump drains the engine's progress channel until the run finishes, then
// broadcasts a terminal frame and closes all subscriber channels.
func (h *progressHub) pump(run *backtestRun) {
	for progress := range run.Engine.ProgressChan() {
		h.broadcast(wsMessage{
			Type:      "progress",
			Progress:  progress,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	final := wsMessage{
		Type:      "done",
		State:     run.Engine.State(),
		Progress:  run.Engine.Progress(),
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.Lock()
	h.done = true
	h.last = final
	for ch := range h.subs {
		select {
		case ch <- final:
		default:
		}
		close(ch)
		delete(h.subs, ch)
	}
	h.mu.Unlock()
}

func (h *progressHub) broadcast(msg wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// subscribe returns a channel of frames. For an already-finished run the
// channel delivers the terminal frame and is closed.
func (h *progressHub) subscribe() chan wsMessage {
	ch := make(chan wsMessage, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		ch <- h.last
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *progressHub) unsubscribe(ch chan wsMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// handleBacktestWS upgrades the connection and streams progress frames for
// one backtest until the run reaches a terminal state or the client leaves.
func (s *Server) handleBacktestWS(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.metrics.wsClients.Inc()
	defer s.metrics.wsClients.Dec()

	feed := run.hub().subscribe()
	defer run.hub().unsubscribe(feed)

	// Reader goroutine: drop inbound frames, detect disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, open := <-feed:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if msg.Type == "done" {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
