package alertstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
)

// Hub fans events out to live websocket subscribers. Slow subscribers lose events
// rather than stall the publisher; they can catch up from the event log by sequence.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan alert.Event]struct{}
	logger *zap.Logger

	dropped uint64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: map[chan alert.Event]struct{}{}, logger: logger}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Subscribe(buf int) (<-chan alert.Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan alert.Event, buf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, events []alert.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range events {
		for ch := range h.subs {
			select {
			case ch <- e:
			default:
				atomic.AddUint64(&h.dropped, 1)
			}
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 { return atomic.LoadUint64(&h.dropped) }

// ServeHTTP upgrades the request and streams events as JSON text frames until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("alert stream accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := h.Subscribe(0)
	defer cancel()
	// CloseRead drains control frames and cancels ctx once the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(wctx, websocket.MessageText, payload)
			wcancel()
			if err != nil {
				h.logger.Debug("alert stream write failed", zap.Error(err))
				return
			}
		}
	}
}
