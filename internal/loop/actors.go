package loop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"scriptnerd/internal/capture"
	"scriptnerd/internal/log"
	"scriptnerd/internal/store"
)

// ErrBusy is returned when a conversation's queue is full; the caller
// should surface it instead of blocking the submitting surface.
var ErrBusy = errors.New("conversation is busy: advance queue is full")

// advanceEvent is one queued Advance call.
type advanceEvent struct {
	ConversationID string
	UserMessage    string
	Grabbed        []store.GrabbedElement
	CachedObs      *capture.Observation
	Source         string
}

// supervisor owns one actor goroutine per conversation so Advance calls on
// the same conversation are strictly serialized while different
// conversations proceed concurrently.
type supervisor struct {
	logger    log.Logger
	queueSize int
	handler   func(context.Context, advanceEvent)

	mu     sync.Mutex
	actors map[string]*actor
}

type actor struct {
	conversationID string
	queue          chan advanceEvent
	handler        func(context.Context, advanceEvent)
	logger         log.Logger
}

func newSupervisor(queueSize int, logger log.Logger, handler func(context.Context, advanceEvent)) *supervisor {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &supervisor{
		logger:    logger,
		queueSize: queueSize,
		handler:   handler,
		actors:    make(map[string]*actor),
	}
}

// Enqueue hands one event to the conversation's actor. A full queue rejects
// with ErrBusy rather than blocking. The send happens under the supervisor
// mutex, the same lock Drop closes the queue under, so it can never race a
// concurrent close.
func (s *supervisor) Enqueue(evt advanceEvent) error {
	id := strings.TrimSpace(evt.ConversationID)
	if id == "" {
		return errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		a = &actor{
			conversationID: id,
			queue:          make(chan advanceEvent, s.queueSize),
			handler:        s.handler,
			logger:         s.logger.WithValues(log.Kv{"conversation": id}),
		}
		a.start()
		s.actors[id] = a
	}
	select {
	case a.queue <- evt:
		s.logger.Debugf("Advance enqueued for %s (source=%s queue=%d/%d)", id, evt.Source, len(a.queue), cap(a.queue))
		return nil
	default:
		s.logger.Warningf("Advance rejected for %s: queue full", id)
		return ErrBusy
	}
}

// Drop closes and forgets a conversation's actor, used on task delete.
func (s *supervisor) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[conversationID]; ok {
		close(a.queue)
		delete(s.actors, conversationID)
	}
}

func (a *actor) start() {
	go func() {
		for evt := range a.queue {
			startAt := time.Now()
			a.handler(context.Background(), evt)
			a.logger.Debugf("Advance processed in %dms (source=%s)", time.Since(startAt).Milliseconds(), evt.Source)
		}
	}()
}
