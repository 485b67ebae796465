package trigger

import (
	"context"
	"sync"
)

// Hub is an in-process Source. Publish delivers to every current
// subscriber.
type Hub struct {
	mx   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch       chan Notification
	done     <-chan struct{}
	inflight sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Notifications subscribes to the hub until ctx is done.
func (h *Hub) Notifications(ctx context.Context) (<-chan Notification, error) {
	s := &subscriber{
		ch:   make(chan Notification, 16),
		done: ctx.Done(),
	}
	h.mx.Lock()
	h.subs[s] = struct{}{}
	h.mx.Unlock()

	go func() {
		<-ctx.Done()
		h.mx.Lock()
		delete(h.subs, s)
		h.mx.Unlock()
		s.inflight.Wait()
		close(s.ch)
	}()
	return s.ch, nil
}

// Publish blocks until every subscriber accepted n, left, or ctx is done.
func (h *Hub) Publish(ctx context.Context, n Notification) error {
	h.mx.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		s.inflight.Add(1)
		subs = append(subs, s)
	}
	h.mx.Unlock()

	var err error
	for _, s := range subs {
		if err == nil {
			select {
			case s.ch <- n:
			case <-s.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		s.inflight.Done()
	}
	return err
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return len(h.subs)
}
