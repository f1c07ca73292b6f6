package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// broker fans session updates out to event stream subscribers.  Each
// subscriber channel has room for one pending signal; a burst of updates
// collapses into a single fresh snapshot.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan struct{}]struct{})}
}

// subscribe registers a listener for a session.  The returned cancel func
// is safe to call after the session has been shut.
func (b *broker) subscribe(sessionID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan struct{}]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sessionID][ch]; ok {
			delete(b.subs[sessionID], ch)
			close(ch)
		}
	}
}

func (b *broker) publish(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// shut ends every stream of a session.
func (b *broker) shut(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
}

// streamTick re-sends the snapshot while a turn is in flight, so plan steps
// appear as they become visible.
const streamTick = time.Second

// handleEvents streams the session snapshot using SSE: one "view" event on
// connect and another after every change, until the client goes away or the
// session is torn down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, cancel := s.events.subscribe(sess.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(streamTick)
	defer ticker.Stop()
	for {
		view := sess.View()
		data, err := json.Marshal(view)
		if err != nil {
			s.Logger.Error("failed to encode view", zap.String("session_id", sess.ID), zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(w, "event: view\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()

		for changed := false; !changed; {
			select {
			case <-r.Context().Done():
				return
			case _, open := <-updates:
				if !open {
					return
				}
				changed = true
			case <-ticker.C:
				changed = view.Processing
			}
		}
	}
}
