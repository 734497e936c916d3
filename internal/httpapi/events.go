package httpapi

import (
	"context"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/offlinecrud/internal/offline"
	"github.com/agentworkforce/offlinecrud/internal/offlinesync"
)

type EventType string

const (
	EventNotice  EventType = "notice"
	EventPending EventType = "pending"
)

// Event is one message on the /offline/events stream.
type Event struct {
	Type    EventType               `json:"type"`
	Notice  *offlinesync.Notice     `json:"notice,omitempty"`
	Pending []offline.PendingChange `json:"pending,omitempty"`
	Count   int                     `json:"count"`
}

func pendingEvent(entries []offline.PendingChange) Event {
	return Event{Type: EventPending, Pending: entries, Count: len(entries)}
}

const subscriberBuffer = 32

type eventHub struct {
	logger Logger

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
	done   chan struct{}
}

func newEventHub(logger Logger) *eventHub {
	return &eventHub{logger: logger, subs: map[chan Event]struct{}{}, done: make(chan struct{})}
}

func (h *eventHub) subscribe() (chan Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan Event, subscriberBuffer)
	h.subs[ch] = struct{}{}
	return ch, true
}

func (h *eventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// broadcast never blocks; a subscriber whose buffer is full misses the event.
func (h *eventHub) broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			if h.logger != nil {
				h.logger.Printf("httpapi: event subscriber lagging, dropped %s event", event.Type)
			}
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// handleEvents streams notices and pending-log updates. The first message is
// always the current pending log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	events, ok := s.hub.subscribe()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server closing")
		return
	}
	defer s.hub.unsubscribe(events)

	ctx := conn.CloseRead(r.Context())
	if err := s.writeEvent(ctx, conn, pendingEvent(s.client.Pending())); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.done:
			conn.Close(websocket.StatusGoingAway, "server closing")
			return
		case event := <-events:
			if err := s.writeEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
