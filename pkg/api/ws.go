package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"custodian-mesh/pkg/model"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

type subscriber struct {
	conn *websocket.Conn
	send chan model.Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// EventHub fans registry and policy events out to admin websocket
// subscribers. Publish never waits on a socket: each subscriber has its own
// queue and writer, and one that falls a full queue behind is dropped.
type EventHub struct {
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventHub(log *zap.SugaredLogger) *EventHub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log,
		subs: map[*subscriber]struct{}{},
	}
}

// ServeHTTP upgrades the request and keeps the connection subscribed until
// the client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("ws upgrade failed", "err", err)
		return
	}
	s := &subscriber{conn: c, send: make(chan model.Event, wsSendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.log.Debugw("event subscriber connected", "remote", r.RemoteAddr)
	go h.readLoop(s)
	go h.writeLoop(s)
}

func (h *EventHub) readLoop(s *subscriber) {
	defer h.drop(s)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) writeLoop(s *subscriber) {
	defer h.drop(s)
	for {
		select {
		case <-s.done:
			return
		case e := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) drop(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
	if ok {
		h.log.Debugw("event subscriber disconnected")
	}
}

// Publish queues e for every subscriber and returns immediately.
func (h *EventHub) Publish(e model.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.send <- e:
		default:
			h.log.Warnw("event subscriber too slow; dropping", "type", e.Type)
			go h.drop(s)
		}
	}
}

// Subscribers is the number of connected clients.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[*subscriber]struct{}{}
	h.mu.Unlock()
	for s := range subs {
		s.close()
	}
}
